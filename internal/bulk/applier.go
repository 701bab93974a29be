// Package bulk applies settings templates to many devices at once. Devices
// are processed in parallel and in isolation: one device failing, timing out
// or being offline never aborts the rest.
package bulk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetcfg/fleetcfg/internal/audit"
	"github.com/fleetcfg/fleetcfg/internal/device"
	"github.com/fleetcfg/fleetcfg/internal/policy"
)

// DefaultDeviceTimeout bounds the apply work for a single device.
const DefaultDeviceTimeout = 30 * time.Second

// Applier pushes template settings out to device sets.
type Applier struct {
	engine        *policy.Engine
	logger        *logrus.Logger
	deviceTimeout time.Duration
}

// NewApplier creates a bulk applier.
func NewApplier(engine *policy.Engine, logger *logrus.Logger) *Applier {
	return &Applier{
		engine:        engine,
		logger:        logger,
		deviceTimeout: DefaultDeviceTimeout,
	}
}

// SetDeviceTimeout overrides the per-device apply timeout.
func (a *Applier) SetDeviceTimeout(d time.Duration) { a.deviceTimeout = d }

// ApplyTemplate applies a template to every device in deviceIDs. Template
// application is admin-only. Result lists preserve the order of deviceIDs.
func (a *Applier) ApplyTemplate(ctx context.Context, tpl *device.Template, deviceIDs []string, admin device.Actor) (*device.BulkResult, error) {
	return a.Apply(ctx, tpl.Settings, tpl.LockedSettings, deviceIDs, admin)
}

// Apply sets the given values on every device in deviceIDs and locks the
// keys in lockKeys. Each device runs independently under its own timeout.
func (a *Applier) Apply(ctx context.Context, settings map[string]device.Value, lockKeys []string, deviceIDs []string, admin device.Actor) (*device.BulkResult, error) {
	if !admin.IsAdmin {
		return nil, device.NewError(device.ErrPermission, "only admins can apply templates")
	}

	results := make([]device.DeviceResult, len(deviceIDs))
	var wg sync.WaitGroup
	for i, deviceID := range deviceIDs {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			results[i] = a.applyToDevice(ctx, deviceID, settings, lockKeys, admin)
		}(i, deviceID)
	}
	wg.Wait()

	out := &device.BulkResult{}
	for _, r := range results {
		if r.Success {
			out.Successful = append(out.Successful, r)
		} else {
			out.Failed = append(out.Failed, r)
		}
	}

	a.logger.WithFields(logrus.Fields{
		"devices":   len(deviceIDs),
		"succeeded": out.SuccessCount(),
		"failed":    out.FailureCount(),
	}).Info("Bulk apply finished")
	return out, nil
}

// applyToDevice applies all values and locks to one device as a single unit
// of work, so reapplying the same template is idempotent.
func (a *Applier) applyToDevice(ctx context.Context, deviceID string, settings map[string]device.Value, lockKeys []string, admin device.Actor) device.DeviceResult {
	ctx, cancel := context.WithTimeout(ctx, a.deviceTimeout)
	defer cancel()

	applied := make(map[string]device.Value)
	err := a.engine.Do(ctx, deviceID, func(t *policy.Tx) error {
		reg := a.engine.Registry()
		next := t.Snap

		for _, key := range sortedKeys(settings) {
			value := settings[key]
			if err := reg.Validate(key, value); err != nil {
				return err
			}
			if stored, ok := next.Value(key); ok && stored.Equal(value) {
				continue
			}
			old, hadOld := next.Value(key)
			next = next.WithValue(key, value)
			applied[key] = value

			var oldPtr *device.Value
			if hadOld {
				oldPtr = &old
			}
			v := value
			t.Record(&audit.Change{
				DeviceID:   deviceID,
				SettingKey: key,
				OldValue:   oldPtr,
				NewValue:   &v,
				Actor:      admin.ID,
				ChangeType: audit.ChangeValueChanged,
			})
		}

		// A template only adds the locks it names; existing locks on other
		// keys stay untouched.
		for _, key := range lockKeys {
			if _, ok := reg.ForKey(key); !ok {
				return device.NewError(device.ErrValidation, "Unknown setting: %s", key)
			}
			if next.IsLocked(key) {
				continue
			}
			now := time.Now().UTC()
			next = next.WithLock(key, device.Lock{
				SettingKey: key,
				Locked:     true,
				LockedBy:   admin.ID,
				LockedAt:   &now,
			})
			t.Record(&audit.Change{
				DeviceID:   deviceID,
				SettingKey: key,
				Actor:      admin.ID,
				ChangeType: audit.ChangeLocked,
			})
		}

		if next != t.Snap {
			t.Stage(next)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			err = device.WrapError(device.ErrTimeout, err, "apply timed out for device %s", deviceID)
		}
		a.logger.WithError(err).WithField("device_id", deviceID).Warn("Bulk apply failed for device")
		return device.DeviceResult{DeviceID: deviceID, Error: err.Error()}
	}
	return device.DeviceResult{DeviceID: deviceID, Success: true, Applied: applied}
}

// sortedKeys gives the apply loop a deterministic key order.
func sortedKeys(m map[string]device.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
