// Package unlock implements the unlock request workflow: users ask for a
// locked setting to be released, admins approve or deny, and an approval
// clears the lock atomically with the status change.
package unlock

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fleetcfg/fleetcfg/internal/audit"
	"github.com/fleetcfg/fleetcfg/internal/device"
	"github.com/fleetcfg/fleetcfg/internal/policy"
	"github.com/fleetcfg/fleetcfg/internal/store"
)

const (
	minReasonLength = 5
	maxReasonLength = 200
)

// Service manages unlock requests.
type Service struct {
	engine *policy.Engine
	store  *store.Store
	logger *logrus.Logger
}

// NewService creates an unlock request service.
func NewService(engine *policy.Engine, st *store.Store, logger *logrus.Logger) *Service {
	return &Service{engine: engine, store: st, logger: logger}
}

// Submit creates a pending unlock request. The setting must currently be
// locked on the device and the reason must be 5 to 200 characters.
func (s *Service) Submit(ctx context.Context, deviceID, key, reason string, requester device.Actor) (*device.UnlockRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, device.NewError(device.ErrValidation, "Reason must not be blank")
	}
	if len(reason) < minReasonLength || len(reason) > maxReasonLength {
		return nil, device.NewError(device.ErrValidation, "Reason must be between %d and %d characters", minReasonLength, maxReasonLength)
	}

	req := &device.UnlockRequest{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		SettingKey:  key,
		Reason:      reason,
		Status:      device.UnlockPending,
		RequestedBy: requester.ID,
		CreatedAt:   time.Now().UTC(),
	}
	// The lock check and the insert run under the device lock, so an unlock
	// committing concurrently cannot leave a pending request behind for an
	// already-cleared setting.
	err := s.engine.Do(ctx, deviceID, func(t *policy.Tx) error {
		if !t.Snap.IsLocked(key) {
			return device.NewError(device.ErrValidation, "Setting is not locked: %s", key)
		}
		t.OnCommit(func(tx *sql.Tx) error {
			return s.store.CreateUnlockRequestTx(ctx, tx, req)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"request_id":  req.ID,
		"device_id":   deviceID,
		"setting_key": key,
	}).Info("Unlock request submitted")
	return req, nil
}

// Withdraw retracts a pending request. Only the requester may withdraw, and
// only while the request is still pending. Like Respond, the decision runs
// under the device's mutation lock so a withdrawal and an approval cannot
// both see the request as pending.
func (s *Service) Withdraw(ctx context.Context, requestID string, by device.Actor) (*device.UnlockRequest, error) {
	req, err := s.store.GetUnlockRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var withdrawn *device.UnlockRequest
	err = s.engine.Do(ctx, req.DeviceID, func(t *policy.Tx) error {
		current, err := s.store.GetUnlockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if !current.IsPending() {
			return device.NewError(device.ErrConflict, "unlock request is already %s", current.Status)
		}
		if current.RequestedBy != by.ID {
			return device.NewError(device.ErrPermission, "only the requester can withdraw an unlock request")
		}

		current.Status = device.UnlockWithdrawn
		t.OnCommit(func(tx *sql.Tx) error {
			return s.store.UpdateUnlockRequestTx(ctx, tx, current)
		})
		withdrawn = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithField("request_id", requestID).Info("Unlock request withdrawn")
	return withdrawn, nil
}

// Respond decides a pending request. Approval clears the lock and marks the
// request approved in one database transaction, under the same per-device
// serialization as every other settings mutation.
func (s *Service) Respond(ctx context.Context, requestID string, approve bool, message string, admin device.Actor) (*device.UnlockRequest, error) {
	if !admin.IsAdmin {
		return nil, device.NewError(device.ErrPermission, "only admins can respond to unlock requests")
	}

	req, err := s.store.GetUnlockRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var decided *device.UnlockRequest
	err = s.engine.Do(ctx, req.DeviceID, func(t *policy.Tx) error {
		// Reload under the device lock so concurrent responders cannot both
		// see the request as pending.
		current, err := s.store.GetUnlockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if !current.IsPending() {
			return device.NewError(device.ErrConflict, "unlock request is already %s", current.Status)
		}

		now := time.Now().UTC()
		current.Status = device.UnlockDenied
		if approve {
			current.Status = device.UnlockApproved
		}
		current.RespondedBy = admin.ID
		current.Response = message
		current.RespondedAt = &now

		if approve {
			t.Stage(t.Snap.WithLock(current.SettingKey, device.Lock{
				SettingKey: current.SettingKey,
			}))
			t.Record(&audit.Change{
				DeviceID:   current.DeviceID,
				SettingKey: current.SettingKey,
				Actor:      admin.ID,
				ChangeType: audit.ChangeUnlocked,
			})
		}
		t.OnCommit(func(tx *sql.Tx) error {
			return s.store.UpdateUnlockRequestTx(ctx, tx, current)
		})

		decided = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"status":     decided.Status,
	}).Info("Unlock request decided")
	return decided, nil
}

// Get returns one request by id.
func (s *Service) Get(ctx context.Context, requestID string) (*device.UnlockRequest, error) {
	return s.store.GetUnlockRequest(ctx, requestID)
}

// List returns requests matching the filters, newest first.
func (s *Service) List(ctx context.Context, filters store.UnlockRequestFilters) ([]*device.UnlockRequest, error) {
	return s.store.ListUnlockRequests(ctx, filters)
}

// Summary tallies requests by status, optionally scoped to one device.
func (s *Service) Summary(ctx context.Context, deviceID string) (device.UnlockSummary, error) {
	return s.store.CountUnlockRequests(ctx, store.UnlockRequestFilters{DeviceID: deviceID})
}
