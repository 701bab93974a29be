package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

// UnlockRequestFilters narrow unlock-request queries. Zero values match
// everything.
type UnlockRequestFilters struct {
	DeviceID string
	Status   device.UnlockStatus
}

// CreateUnlockRequest inserts a new request.
func (s *Store) CreateUnlockRequest(ctx context.Context, req *device.UnlockRequest) error {
	return s.createUnlockRequest(ctx, s.db, req)
}

// CreateUnlockRequestTx inserts a new request inside an open transaction.
func (s *Store) CreateUnlockRequestTx(ctx context.Context, tx *sql.Tx, req *device.UnlockRequest) error {
	return s.createUnlockRequest(ctx, tx, req)
}

func (s *Store) createUnlockRequest(ctx context.Context, db execer, req *device.UnlockRequest) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO unlock_requests (id, device_id, setting_key, reason, status, requested_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.DeviceID, req.SettingKey, req.Reason, string(req.Status),
		req.RequestedBy, req.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create unlock request: %w", err)
	}
	return nil
}

// GetUnlockRequest loads one request by id.
func (s *Store) GetUnlockRequest(ctx context.Context, id string) (*device.UnlockRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, setting_key, reason, status, requested_by, created_at, responded_by, response, responded_at
		FROM unlock_requests WHERE id = ?`, id)
	req, err := scanUnlockRequest(row.Scan)
	if err == sql.ErrNoRows {
		return nil, device.NewError(device.ErrNotFound, "unlock request not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load unlock request %s: %w", id, err)
	}
	return req, nil
}

// UpdateUnlockRequest persists a status transition. PENDING is the only
// state a request may leave: the update is guarded on the stored status, so
// a request that was decided or withdrawn concurrently stays as it is and
// the caller gets a conflict.
func (s *Store) UpdateUnlockRequest(ctx context.Context, req *device.UnlockRequest) error {
	return s.updateUnlockRequest(ctx, s.db, req)
}

// UpdateUnlockRequestTx persists a status transition inside an open
// transaction, so an approval commits together with its lock clear.
func (s *Store) UpdateUnlockRequestTx(ctx context.Context, tx *sql.Tx, req *device.UnlockRequest) error {
	return s.updateUnlockRequest(ctx, tx, req)
}

func (s *Store) updateUnlockRequest(ctx context.Context, db execer, req *device.UnlockRequest) error {
	var respondedAt any
	if req.RespondedAt != nil {
		respondedAt = req.RespondedAt.Unix()
	}
	res, err := db.ExecContext(ctx, `
		UPDATE unlock_requests SET status = ?, responded_by = ?, response = ?, responded_at = ?
		WHERE id = ? AND status = ?`,
		string(req.Status), nullIfEmpty(req.RespondedBy), nullIfEmpty(req.Response), respondedAt,
		req.ID, string(device.UnlockPending),
	)
	if err != nil {
		return fmt.Errorf("failed to update unlock request %s: %w", req.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := db.QueryRowContext(ctx, `SELECT status FROM unlock_requests WHERE id = ?`, req.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return device.NewError(device.ErrNotFound, "unlock request not found: %s", req.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to load unlock request %s: %w", req.ID, err)
		}
		return device.NewError(device.ErrConflict, "unlock request is already %s", status)
	}
	return nil
}

// ListUnlockRequests returns requests matching the filters, newest first.
func (s *Store) ListUnlockRequests(ctx context.Context, filters UnlockRequestFilters) ([]*device.UnlockRequest, error) {
	query := `
		SELECT id, device_id, setting_key, reason, status, requested_by, created_at, responded_by, response, responded_at
		FROM unlock_requests WHERE 1=1`
	var args []any
	if filters.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, filters.DeviceID)
	}
	if filters.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filters.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlock requests: %w", err)
	}
	defer rows.Close()

	var requests []*device.UnlockRequest
	for rows.Next() {
		req, err := scanUnlockRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unlock request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// CountUnlockRequests tallies requests by status within the filter scope.
func (s *Store) CountUnlockRequests(ctx context.Context, filters UnlockRequestFilters) (device.UnlockSummary, error) {
	query := `SELECT status, COUNT(*) FROM unlock_requests WHERE 1=1`
	var args []any
	if filters.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, filters.DeviceID)
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return device.UnlockSummary{}, fmt.Errorf("failed to count unlock requests: %w", err)
	}
	defer rows.Close()

	var summary device.UnlockSummary
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return device.UnlockSummary{}, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch device.UnlockStatus(status) {
		case device.UnlockPending:
			summary.PendingCount = count
		case device.UnlockApproved:
			summary.ApprovedCount = count
		case device.UnlockDenied:
			summary.DeniedCount = count
		case device.UnlockWithdrawn:
			summary.WithdrawnCount = count
		}
	}
	return summary, rows.Err()
}

func scanUnlockRequest(scan func(dest ...any) error) (*device.UnlockRequest, error) {
	var req device.UnlockRequest
	var status string
	var createdAt int64
	var respondedBy, response sql.NullString
	var respondedAt sql.NullInt64

	err := scan(&req.ID, &req.DeviceID, &req.SettingKey, &req.Reason, &status,
		&req.RequestedBy, &createdAt, &respondedBy, &response, &respondedAt)
	if err != nil {
		return nil, err
	}

	req.Status = device.UnlockStatus(status)
	req.CreatedAt = time.Unix(createdAt, 0).UTC()
	req.RespondedBy = respondedBy.String
	req.Response = response.String
	if respondedAt.Valid {
		t := time.Unix(respondedAt.Int64, 0).UTC()
		req.RespondedAt = &t
	}
	return &req, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
