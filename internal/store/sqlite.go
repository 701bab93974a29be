// Package store persists device settings records, templates and unlock
// requests in SQLite. One row per device holds the settings map, lock map
// and last-synced timestamp; the server copy is canonical.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens (or creates) the settings database at dbPath.
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize settings schema: %w", err)
	}

	logger.Info("Settings SQLite store initialized")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// InTx runs fn inside a transaction, rolling back on error.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_settings (
		device_id TEXT PRIMARY KEY,
		settings TEXT NOT NULL,
		locks TEXT NOT NULL,
		last_synced_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		settings TEXT NOT NULL,
		locked_settings TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS unlock_requests (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		setting_key TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		responded_by TEXT,
		response TEXT,
		responded_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_unlock_requests_device ON unlock_requests(device_id);
	CREATE INDEX IF NOT EXISTS idx_unlock_requests_status ON unlock_requests(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ==================== Device settings ====================

// CreateDevice inserts a new settings record. It fails with a conflict
// error when the device is already enrolled.
func (s *Store) CreateDevice(ctx context.Context, snap *device.Snapshot) error {
	settingsJSON, locksJSON, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO device_settings (device_id, settings, locks, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.DeviceID, settingsJSON, locksJSON, snap.LastSyncedAt.Unix(), now,
	)
	if err != nil {
		return fmt.Errorf("failed to enroll device %s: %w", snap.DeviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return device.NewError(device.ErrConflict, "device already enrolled: %s", snap.DeviceID)
	}
	return nil
}

// GetSnapshot loads the settings record for deviceID.
func (s *Store) GetSnapshot(ctx context.Context, deviceID string) (*device.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT settings, locks, last_synced_at FROM device_settings WHERE device_id = ?`,
		deviceID,
	)
	return scanSnapshot(row, deviceID)
}

// SaveSnapshot replaces the settings record for snap's device.
func (s *Store) SaveSnapshot(ctx context.Context, snap *device.Snapshot) error {
	return s.saveSnapshot(ctx, s.db, snap)
}

// SaveSnapshotTx replaces the settings record inside an open transaction.
func (s *Store) SaveSnapshotTx(ctx context.Context, tx *sql.Tx, snap *device.Snapshot) error {
	return s.saveSnapshot(ctx, tx, snap)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) saveSnapshot(ctx context.Context, db execer, snap *device.Snapshot) error {
	settingsJSON, locksJSON, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		UPDATE device_settings SET settings = ?, locks = ?, last_synced_at = ?, updated_at = ?
		WHERE device_id = ?`,
		settingsJSON, locksJSON, snap.LastSyncedAt.Unix(), time.Now().Unix(), snap.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to save settings for device %s: %w", snap.DeviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return device.NewError(device.ErrNotFound, "device not found: %s", snap.DeviceID)
	}
	return nil
}

// ListDeviceIDs returns every enrolled device id.
func (s *Store) ListDeviceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id FROM device_settings ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeSnapshot(snap *device.Snapshot) (string, string, error) {
	settingsJSON, err := json.Marshal(snap.Values)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal settings: %w", err)
	}
	locksJSON, err := json.Marshal(snap.Locks)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal locks: %w", err)
	}
	return string(settingsJSON), string(locksJSON), nil
}

func scanSnapshot(row *sql.Row, deviceID string) (*device.Snapshot, error) {
	var settingsJSON, locksJSON string
	var lastSynced int64
	err := row.Scan(&settingsJSON, &locksJSON, &lastSynced)
	if err == sql.ErrNoRows {
		return nil, device.NewError(device.ErrNotFound, "device not found: %s", deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings for device %s: %w", deviceID, err)
	}

	var values map[string]device.Value
	if err := json.Unmarshal([]byte(settingsJSON), &values); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings for device %s: %w", deviceID, err)
	}
	var locks map[string]device.Lock
	if err := json.Unmarshal([]byte(locksJSON), &locks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal locks for device %s: %w", deviceID, err)
	}

	return device.NewSnapshot(deviceID, values, locks, time.Unix(lastSynced, 0).UTC()), nil
}
