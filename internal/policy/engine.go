// Package policy enforces who may change which setting. All mutations of a
// device's settings funnel through the Engine, which serializes them per
// device and checks locks, permissions and validation before anything is
// written.
package policy

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetcfg/fleetcfg/internal/audit"
	"github.com/fleetcfg/fleetcfg/internal/device"
	"github.com/fleetcfg/fleetcfg/internal/registry"
	"github.com/fleetcfg/fleetcfg/internal/store"
)

// Engine applies setting mutations under per-device serialization.
type Engine struct {
	store    *store.Store
	registry *registry.Registry
	audit    audit.Store
	logger   *logrus.Logger

	mu     sync.Mutex
	states map[string]*deviceState
}

// deviceState holds the mutation lock and cached snapshot for one device.
// The snapshot pointer is read lock-free; writers replace it only while
// holding mu.
type deviceState struct {
	mu   sync.Mutex
	snap atomic.Pointer[device.Snapshot]
}

// NewEngine creates a policy engine.
func NewEngine(st *store.Store, reg *registry.Registry, auditStore audit.Store, logger *logrus.Logger) *Engine {
	return &Engine{
		store:    st,
		registry: reg,
		audit:    auditStore,
		logger:   logger,
		states:   make(map[string]*deviceState),
	}
}

// Registry returns the setting catalog the engine validates against.
func (e *Engine) Registry() *registry.Registry { return e.registry }

func (e *Engine) state(deviceID string) *deviceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, ok := e.states[deviceID]
	if !ok {
		ds = &deviceState{}
		e.states[deviceID] = ds
	}
	return ds
}

// Enroll creates a settings record for a new device, populated with the
// registry defaults and no locks.
func (e *Engine) Enroll(ctx context.Context, deviceID string) (*device.Snapshot, error) {
	if deviceID == "" {
		return nil, device.NewError(device.ErrValidation, "device id must not be empty")
	}

	ds := e.state(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	snap := device.NewSnapshot(deviceID, e.registry.Defaults(), nil, time.Unix(0, 0).UTC())
	if err := e.store.CreateDevice(ctx, snap); err != nil {
		return nil, err
	}
	ds.snap.Store(snap)

	e.logger.WithField("device_id", deviceID).Info("Device enrolled with default settings")
	return snap, nil
}

// Snapshot returns the current settings snapshot for deviceID. Legacy keys
// in stored records are migrated to their canonical form on load.
func (e *Engine) Snapshot(ctx context.Context, deviceID string) (*device.Snapshot, error) {
	ds := e.state(deviceID)
	if snap := ds.snap.Load(); snap != nil {
		return snap, nil
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	return e.loadLocked(ctx, ds, deviceID)
}

// loadLocked loads and caches the snapshot; callers hold ds.mu.
func (e *Engine) loadLocked(ctx context.Context, ds *deviceState, deviceID string) (*device.Snapshot, error) {
	if snap := ds.snap.Load(); snap != nil {
		return snap, nil
	}
	snap, err := e.store.GetSnapshot(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	migrated := e.registry.MigrateValues(snap.Values)
	snap = device.NewSnapshot(snap.DeviceID, migrated, snap.Locks, snap.LastSyncedAt)
	ds.snap.Store(snap)
	return snap, nil
}

// EffectiveValue returns the stored value for key, falling back to the
// registry default when the device has no explicit value.
func (e *Engine) EffectiveValue(snap *device.Snapshot, key string) (device.Value, bool) {
	if v, ok := snap.Value(key); ok {
		return v, true
	}
	if def, ok := e.registry.ForKey(key); ok {
		return def.Default, true
	}
	return device.Value{}, false
}

// CanModify reports whether actor may change key on the given snapshot.
// Admins bypass locks; everyone else is blocked while the key is locked.
func (e *Engine) CanModify(snap *device.Snapshot, key string, actor device.Actor) bool {
	return actor.IsAdmin || !snap.IsLocked(key)
}

// Tx is the unit of work run under a device's mutation lock. fn stages the
// snapshot to persist and may attach extra work that commits in the same
// database transaction as the snapshot write.
type Tx struct {
	Snap *device.Snapshot

	next    *device.Snapshot
	hooks   []func(tx *sql.Tx) error
	changes []*audit.Change
}

// Stage records the snapshot to persist when the unit of work commits.
func (t *Tx) Stage(snap *device.Snapshot) { t.next = snap }

// OnCommit registers fn to run inside the commit transaction, after the
// staged snapshot is written.
func (t *Tx) OnCommit(fn func(tx *sql.Tx) error) { t.hooks = append(t.hooks, fn) }

// Record queues an audit entry to append once the unit of work commits.
func (t *Tx) Record(change *audit.Change) { t.changes = append(t.changes, change) }

// Do runs fn under deviceID's mutation lock with the current snapshot.
// When fn stages a snapshot or registers commit hooks, everything commits in
// one database transaction; the cached snapshot is replaced only after the
// commit succeeds.
func (e *Engine) Do(ctx context.Context, deviceID string, fn func(t *Tx) error) error {
	ds := e.state(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	snap, err := e.loadLocked(ctx, ds, deviceID)
	if err != nil {
		return err
	}

	t := &Tx{Snap: snap}
	if err := fn(t); err != nil {
		return err
	}
	if t.next == nil && len(t.hooks) == 0 {
		for _, change := range t.changes {
			e.record(ctx, change)
		}
		return nil
	}

	err = e.store.InTx(ctx, func(tx *sql.Tx) error {
		if t.next != nil {
			if err := e.store.SaveSnapshotTx(ctx, tx, t.next); err != nil {
				return err
			}
		}
		for _, hook := range t.hooks {
			if err := hook(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if t.next != nil {
		ds.snap.Store(t.next)
	}
	for _, change := range t.changes {
		e.record(ctx, change)
	}
	return nil
}

// ApplyChange attempts to set one setting on one device. Lock rejections and
// validation failures are reported in the result, not as errors; the error
// return is reserved for storage faults.
func (e *Engine) ApplyChange(ctx context.Context, deviceID, key string, value device.Value, actor device.Actor) (device.UpdateResult, error) {
	var result device.UpdateResult
	err := e.Do(ctx, deviceID, func(t *Tx) error {
		if !e.CanModify(t.Snap, key, actor) {
			result = device.UpdateResult{
				Error:     "Setting is locked by " + t.Snap.LockedBy(key),
				WasLocked: true,
			}
			return nil
		}
		if err := e.registry.Validate(key, value); err != nil {
			result = device.UpdateResult{Error: err.Error()}
			return nil
		}

		old, hadOld := e.EffectiveValue(t.Snap, key)
		if stored, ok := t.Snap.Value(key); ok && stored.Equal(value) {
			result = device.UpdateResult{Success: true, Unchanged: true}
			return nil
		}

		t.Stage(t.Snap.WithValue(key, value))
		result = device.UpdateResult{Success: true}

		var oldPtr *device.Value
		if hadOld {
			oldPtr = &old
		}
		t.Record(&audit.Change{
			DeviceID:   deviceID,
			SettingKey: key,
			OldValue:   oldPtr,
			NewValue:   &value,
			Actor:      actor.ID,
			ChangeType: audit.ChangeValueChanged,
		})
		return nil
	})
	if err != nil {
		return device.UpdateResult{Error: err.Error()}, err
	}
	return result, nil
}

// SetLock locks or unlocks one setting. Only admins may change locks.
func (e *Engine) SetLock(ctx context.Context, deviceID, key string, locked bool, actor device.Actor) error {
	if !actor.IsAdmin {
		return device.NewError(device.ErrPermission, "only admins can change setting locks")
	}
	if _, ok := e.registry.ForKey(key); !ok {
		return device.NewError(device.ErrValidation, "Unknown setting: %s", key)
	}

	return e.Do(ctx, deviceID, func(t *Tx) error {
		if t.Snap.IsLocked(key) == locked {
			return nil
		}

		lock := device.Lock{SettingKey: key, Locked: locked}
		changeType := audit.ChangeUnlocked
		if locked {
			now := time.Now().UTC()
			lock.LockedBy = actor.ID
			lock.LockedAt = &now
			changeType = audit.ChangeLocked
		}
		t.Stage(t.Snap.WithLock(key, lock))

		t.Record(&audit.Change{
			DeviceID:   deviceID,
			SettingKey: key,
			Actor:      actor.ID,
			ChangeType: changeType,
		})
		return nil
	})
}

// ResetToDefaults restores registry defaults on a device. Locked settings
// keep their value unless the actor is an admin; lock records survive the
// reset either way.
func (e *Engine) ResetToDefaults(ctx context.Context, deviceID string, actor device.Actor) (*device.Snapshot, error) {
	var out *device.Snapshot
	err := e.Do(ctx, deviceID, func(t *Tx) error {
		next := t.Snap
		for _, def := range e.registry.All() {
			if !e.CanModify(next, def.Key, actor) {
				continue
			}
			old, ok := next.Value(def.Key)
			if ok && old.Equal(def.Default) {
				continue
			}
			next = next.WithValue(def.Key, def.Default)

			var oldPtr *device.Value
			if ok {
				oldPtr = &old
			}
			defVal := def.Default
			t.Record(&audit.Change{
				DeviceID:   deviceID,
				SettingKey: def.Key,
				OldValue:   oldPtr,
				NewValue:   &defVal,
				Actor:      actor.ID,
				ChangeType: audit.ChangeReset,
			})
		}
		if next != t.Snap {
			t.Stage(next)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// record appends an audit entry. The trail lives in its own database, so a
// failed append is logged rather than failing the mutation.
func (e *Engine) record(ctx context.Context, change *audit.Change) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, change); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"device_id":   change.DeviceID,
			"setting_key": change.SettingKey,
		}).Warn("Failed to record setting change")
	}
}
