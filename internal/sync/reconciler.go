// Package sync reconciles locally stored device settings with the
// authoritative upstream. Server-side locks always win; pending local edits
// on unlocked keys are pushed upstream before the server value is adopted.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/fleetcfg/fleetcfg/internal/cache"
	"github.com/fleetcfg/fleetcfg/internal/device"
	"github.com/fleetcfg/fleetcfg/internal/policy"
	"github.com/fleetcfg/fleetcfg/internal/store"
)

// Client is the upstream transport. Implementations classify failures with
// device error kinds; network and timeout kinds are retried.
type Client interface {
	// FetchSettings returns the server's values and locks for deviceID.
	FetchSettings(ctx context.Context, deviceID string) (*device.Snapshot, error)

	// PushSettings uploads local edits for deviceID.
	PushSettings(ctx context.Context, deviceID string, changes map[string]device.Value) error
}

// DefaultMaxRetries bounds the backoff retry loop of one sync attempt.
const DefaultMaxRetries = 3

// Reconciler drives per-device synchronization.
type Reconciler struct {
	engine *policy.Engine
	store  *store.Store
	client Client
	cache  *cache.Cache
	logger *logrus.Logger

	maxRetries      uint64
	initialInterval time.Duration

	mu            sync.Mutex
	authenticated bool
	states        map[string]*syncState
}

// syncState tracks one device's position in the sync state machine.
type syncState struct {
	syncing   bool
	rerun     bool
	pending   map[string]device.Value
	lastError error
}

// NewReconciler creates a reconciler. The cache may be nil when offline
// serving is not needed.
func NewReconciler(engine *policy.Engine, st *store.Store, client Client, snapCache *cache.Cache, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		engine:          engine,
		store:           st,
		client:          client,
		cache:           snapCache,
		logger:          logger,
		maxRetries:      DefaultMaxRetries,
		initialInterval: 500 * time.Millisecond,
		states:          make(map[string]*syncState),
	}
}

// SetMaxRetries overrides the bounded retry count for transient failures.
func (r *Reconciler) SetMaxRetries(n uint64) { r.maxRetries = n }

// SetInitialInterval overrides the first backoff delay.
func (r *Reconciler) SetInitialInterval(d time.Duration) { r.initialInterval = d }

// SetAuthenticated flips the authentication gate. While unauthenticated no
// network calls are attempted and every device reports NOT_AUTHENTICATED.
func (r *Reconciler) SetAuthenticated(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authenticated = ok
}

func (r *Reconciler) state(deviceID string) *syncState {
	st, ok := r.states[deviceID]
	if !ok {
		st = &syncState{pending: make(map[string]device.Value)}
		r.states[deviceID] = st
	}
	return st
}

// Status derives the sync status of deviceID.
func (r *Reconciler) Status(deviceID string) device.SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.authenticated {
		return device.SyncNotAuthenticated
	}
	st := r.state(deviceID)
	switch {
	case st.syncing:
		return device.SyncSyncing
	case st.lastError != nil && device.IsKind(st.lastError, device.ErrNetwork):
		return device.SyncOffline
	case st.lastError != nil:
		return device.SyncError
	case len(st.pending) > 0:
		return device.SyncPending
	default:
		return device.SyncSynced
	}
}

// MarkLocalEdit records an unsynced local edit, moving the device to PENDING
// until the next successful sync pushes it upstream.
func (r *Reconciler) MarkLocalEdit(deviceID, key string, value device.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(deviceID).pending[key] = value
}

// PendingEdits returns a copy of the unsynced local edits for deviceID.
func (r *Reconciler) PendingEdits(deviceID string) map[string]device.Value {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(deviceID)
	out := make(map[string]device.Value, len(st.pending))
	for k, v := range st.pending {
		out[k] = v
	}
	return out
}

// LastMerged returns the last fully merged snapshot for deviceID from the
// offline cache.
func (r *Reconciler) LastMerged(deviceID string) (*device.Snapshot, error) {
	if r.cache == nil {
		return nil, device.NewError(device.ErrNotFound, "no cached snapshot for device: %s", deviceID)
	}
	return r.cache.GetSnapshot(deviceID)
}

// Sync reconciles one device with the upstream. Exactly one sync per device
// runs at a time; a trigger arriving mid-sync is coalesced into a rerun of
// the in-flight operation and returns immediately.
func (r *Reconciler) Sync(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	if !r.authenticated {
		r.mu.Unlock()
		return device.NewError(device.ErrAuth, "not authenticated")
	}
	st := r.state(deviceID)
	if st.syncing {
		st.rerun = true
		r.mu.Unlock()
		return nil
	}
	st.syncing = true
	st.rerun = false
	r.mu.Unlock()

	var err error
	for {
		err = r.syncOnce(ctx, deviceID, st)

		r.mu.Lock()
		st.lastError = err
		if !st.rerun || err != nil {
			st.syncing = false
			r.mu.Unlock()
			break
		}
		st.rerun = false
		r.mu.Unlock()
	}
	return err
}

// syncOnce performs one reconciliation attempt, retrying transient transport
// failures with exponential backoff up to the bounded attempt count.
func (r *Reconciler) syncOnce(ctx context.Context, deviceID string, st *syncState) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialInterval

	operation := func() error {
		err := r.reconcile(ctx, deviceID, st)
		if err != nil && !device.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, r.maxRetries), ctx))
	if err != nil {
		if ctx.Err() != nil && !device.IsTransient(err) {
			// A cancelled sync is a failed sync, never a partial success.
			err = device.WrapError(device.ErrTimeout, err, "sync cancelled for device %s", deviceID)
		}
		r.logger.WithError(err).WithField("device_id", deviceID).Warn("Sync failed")
		return err
	}
	return nil
}

// reconcile runs one pull-merge-push cycle. The merged snapshot and the
// cache write happen only after the push succeeds, so a failure at any point
// leaves both the store and the cache in the previous fully merged state.
func (r *Reconciler) reconcile(ctx context.Context, deviceID string, st *syncState) error {
	serverSnap, err := r.client.FetchSettings(ctx, deviceID)
	if err != nil {
		return err
	}

	pending := r.PendingEdits(deviceID)

	// Server locks win: drop pending edits for any key locked upstream.
	// What remains is pushed before the server's values are adopted.
	toPush := make(map[string]device.Value)
	for key, value := range pending {
		if !serverSnap.IsLocked(key) {
			toPush[key] = value
		}
	}
	if len(toPush) > 0 {
		if err := r.client.PushSettings(ctx, deviceID, toPush); err != nil {
			return err
		}
	}

	var merged *device.Snapshot
	err = r.engine.Do(ctx, deviceID, func(t *policy.Tx) error {
		values := make(map[string]device.Value, len(serverSnap.Values))
		for k, v := range serverSnap.Values {
			values[k] = v
		}
		for k, v := range toPush {
			values[k] = v
		}

		merged = device.NewSnapshot(deviceID, values, serverSnap.Locks, t.Snap.LastSyncedAt).
			WithSyncedAt(time.Now().UTC())
		t.Stage(merged)
		return nil
	})
	if err != nil {
		return err
	}

	if r.cache != nil {
		if err := r.cache.PutSnapshot(merged); err != nil {
			r.logger.WithError(err).WithField("device_id", deviceID).Warn("Failed to cache merged snapshot")
		}
	}

	// Clear the pending edits this cycle accounted for. Edits recorded after
	// the cycle started stay pending for the next one.
	r.mu.Lock()
	for key := range pending {
		if cur, ok := st.pending[key]; ok && cur.Equal(pending[key]) {
			delete(st.pending, key)
		}
	}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"pushed":    len(toPush),
	}).Debug("Device reconciled")
	return nil
}

// SyncAll reconciles every enrolled device, continuing past per-device
// failures. It returns the first error encountered.
func (r *Reconciler) SyncAll(ctx context.Context) error {
	ids, err := r.store.ListDeviceIDs(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, id := range ids {
		if err := r.Sync(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run reconciles all devices on a fixed interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SyncAll(ctx); err != nil {
				r.logger.WithError(err).Warn("Periodic sync pass failed")
			}
		}
	}
}
