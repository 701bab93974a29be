package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStore creates a new SQLite-based change trail store.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	logger.Info("Audit trail SQLite store initialized")
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS setting_changes (
		id TEXT PRIMARY KEY,
		device_id TEXT,
		setting_key TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT,
		changed_by TEXT NOT NULL,
		change_type TEXT NOT NULL,
		changed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_setting_changes_changed_at ON setting_changes(changed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_setting_changes_device_id ON setting_changes(device_id);
	CREATE INDEX IF NOT EXISTS idx_setting_changes_setting_key ON setting_changes(setting_key);
	CREATE INDEX IF NOT EXISTS idx_setting_changes_change_type ON setting_changes(change_type);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// Append records a change. Id and timestamp are assigned when unset.
func (s *SQLiteStore) Append(ctx context.Context, change *Change) error {
	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now().UTC()
	}

	oldJSON, err := marshalValue(change.OldValue)
	if err != nil {
		return fmt.Errorf("failed to marshal old value: %w", err)
	}
	newJSON, err := marshalValue(change.NewValue)
	if err != nil {
		return fmt.Errorf("failed to marshal new value: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO setting_changes (id, device_id, setting_key, old_value, new_value, changed_by, change_type, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID, change.DeviceID, change.SettingKey, oldJSON, newJSON,
		change.Actor, change.ChangeType, change.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert setting change: %w", err)
	}
	return nil
}

// List retrieves changes matching the filters, newest first, plus the total
// match count for pagination.
func (s *SQLiteStore) List(ctx context.Context, filters *Filters) ([]*Change, int, error) {
	whereClause, args := buildWhereClause(filters)

	countQuery := "SELECT COUNT(*) FROM setting_changes " + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count setting changes: %w", err)
	}

	page := filters.Page
	if page < 1 {
		page = 1
	}
	pageSize := filters.PageSize
	if pageSize < 1 {
		pageSize = 50
	}

	query := fmt.Sprintf(`
		SELECT id, device_id, setting_key, old_value, new_value, changed_by, change_type, changed_at
		FROM setting_changes %s
		ORDER BY changed_at DESC, id DESC
		LIMIT ? OFFSET ?`, whereClause)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query setting changes: %w", err)
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, 0, err
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating setting changes: %w", err)
	}
	return changes, total, nil
}

// PurgeOlderThan deletes entries older than the given number of days.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()

	result, err := s.db.ExecContext(ctx, `DELETE FROM setting_changes WHERE changed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old setting changes: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}
	return int(deleted), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func buildWhereClause(filters *Filters) (string, []any) {
	var conditions []string
	var args []any

	if filters.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filters.DeviceID)
	}
	if filters.SettingKey != "" {
		conditions = append(conditions, "setting_key = ?")
		args = append(args, filters.SettingKey)
	}
	if filters.ChangeType != "" {
		conditions = append(conditions, "change_type = ?")
		args = append(args, filters.ChangeType)
	}
	if filters.Actor != "" {
		conditions = append(conditions, "changed_by = ?")
		args = append(args, filters.Actor)
	}
	if filters.Start > 0 {
		conditions = append(conditions, "changed_at >= ?")
		args = append(args, filters.Start)
	}
	if filters.End > 0 {
		conditions = append(conditions, "changed_at <= ?")
		args = append(args, filters.End)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func scanChange(rows *sql.Rows) (*Change, error) {
	change := &Change{}
	var deviceID, oldJSON, newJSON sql.NullString
	var changedAt int64

	err := rows.Scan(&change.ID, &deviceID, &change.SettingKey, &oldJSON, &newJSON,
		&change.Actor, &change.ChangeType, &changedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan setting change: %w", err)
	}

	change.DeviceID = deviceID.String
	change.Timestamp = time.Unix(changedAt, 0).UTC()
	if change.OldValue, err = unmarshalValue(oldJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal old value: %w", err)
	}
	if change.NewValue, err = unmarshalValue(newJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal new value: %w", err)
	}
	return change, nil
}

func marshalValue(v *device.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalValue(col sql.NullString) (*device.Value, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var v device.Value
	if err := json.Unmarshal([]byte(col.String), &v); err != nil {
		return nil, err
	}
	return &v, nil
}
