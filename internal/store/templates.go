package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

// SaveTemplate inserts or replaces a settings template.
func (s *Store) SaveTemplate(ctx context.Context, tpl *device.Template) error {
	settingsJSON, err := json.Marshal(tpl.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal template settings: %w", err)
	}
	lockedJSON, err := json.Marshal(tpl.LockedSettings)
	if err != nil {
		return fmt.Errorf("failed to marshal template locks: %w", err)
	}

	var updatedAt any
	if tpl.UpdatedAt != nil {
		updatedAt = tpl.UpdatedAt.Unix()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings_templates (id, name, description, settings, locked_settings, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			settings = excluded.settings,
			locked_settings = excluded.locked_settings,
			updated_at = excluded.updated_at`,
		tpl.ID, tpl.Name, tpl.Description, string(settingsJSON), string(lockedJSON),
		tpl.CreatedBy, tpl.CreatedAt.Unix(), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", tpl.ID, err)
	}
	return nil
}

// GetTemplate loads one template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*device.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, settings, locked_settings, created_by, created_at, updated_at
		FROM settings_templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, device.NewError(device.ErrNotFound, "template not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", id, err)
	}
	return tpl, nil
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]*device.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, settings, locked_settings, created_by, created_at, updated_at
		FROM settings_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*device.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// DeleteTemplate removes a template by id.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM settings_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return device.NewError(device.ErrNotFound, "template not found: %s", id)
	}
	return nil
}

func scanTemplate(scan func(dest ...any) error) (*device.Template, error) {
	var tpl device.Template
	var description sql.NullString
	var settingsJSON, lockedJSON string
	var createdAt int64
	var updatedAt sql.NullInt64

	err := scan(&tpl.ID, &tpl.Name, &description, &settingsJSON, &lockedJSON,
		&tpl.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	tpl.Description = description.String
	tpl.CreatedAt = time.Unix(createdAt, 0).UTC()
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0).UTC()
		tpl.UpdatedAt = &t
	}
	if err := json.Unmarshal([]byte(settingsJSON), &tpl.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template settings: %w", err)
	}
	if err := json.Unmarshal([]byte(lockedJSON), &tpl.LockedSettings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template locks: %w", err)
	}
	return &tpl, nil
}
