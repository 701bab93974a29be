package device

import "time"

// Actor identifies who is performing an operation. Every mutation path takes
// an explicit Actor instead of consulting ambient authentication state.
type Actor struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

// UpdateResult reports the outcome of a single setting mutation attempt.
// A rejected mutation is never a silent no-op: Error carries the reason and
// WasLocked distinguishes lock rejections from validation failures.
type UpdateResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	WasLocked bool   `json:"was_locked,omitempty"`
	// Unchanged is true when the request succeeded but the stored value
	// already matched, so nothing was written.
	Unchanged bool `json:"unchanged,omitempty"`
}

// SyncStatus is the derived synchronization state of one device.
type SyncStatus string

const (
	SyncNotAuthenticated SyncStatus = "not_authenticated"
	SyncOffline          SyncStatus = "offline"
	SyncSyncing          SyncStatus = "syncing"
	SyncPending          SyncStatus = "pending"
	SyncError            SyncStatus = "error"
	SyncSynced           SyncStatus = "synced"
)

// Template is a named, reusable bundle of setting values plus the keys it
// locks when applied. Immutable once created; applying the same template to
// the same device twice yields the same snapshot.
type Template struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Settings       map[string]Value `json:"settings"`
	LockedSettings []string         `json:"locked_settings"`
	CreatedBy      string           `json:"created_by"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      *time.Time       `json:"updated_at,omitempty"`
}

// ShouldLock reports whether the template locks key when applied.
func (t *Template) ShouldLock(key string) bool {
	for _, k := range t.LockedSettings {
		if k == key {
			return true
		}
	}
	return false
}

// DeviceResult is the per-device outcome of a bulk operation.
type DeviceResult struct {
	DeviceID string           `json:"device_id"`
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
	Applied  map[string]Value `json:"applied_settings,omitempty"`
}

// BulkResult aggregates per-device outcomes of a bulk operation. It is
// transient; derived counts always equal the underlying list sizes.
type BulkResult struct {
	Successful []DeviceResult `json:"successful"`
	Failed     []DeviceResult `json:"failed"`
}

// SuccessCount returns the number of devices that applied cleanly.
func (r *BulkResult) SuccessCount() int { return len(r.Successful) }

// FailureCount returns the number of devices that failed.
func (r *BulkResult) FailureCount() int { return len(r.Failed) }

// TotalCount returns the number of devices processed.
func (r *BulkResult) TotalCount() int { return len(r.Successful) + len(r.Failed) }

// AllSuccessful reports whether no device failed.
func (r *BulkResult) AllSuccessful() bool { return len(r.Failed) == 0 }
