package device

import "time"

// Lock records the admin lock state of a single setting on a device.
// LockedBy and LockedAt are set iff Locked is true.
type Lock struct {
	SettingKey string     `json:"setting_key"`
	Locked     bool       `json:"is_locked"`
	LockedBy   string     `json:"locked_by,omitempty"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
}

// Snapshot is an immutable view of one device's settings and locks.
// Mutation methods return a new Snapshot; the receiver is never modified,
// so readers can hold a Snapshot without synchronization.
type Snapshot struct {
	DeviceID     string           `json:"device_id"`
	Values       map[string]Value `json:"settings"`
	Locks        map[string]Lock  `json:"locks"`
	LastSyncedAt time.Time        `json:"last_synced_at"`
}

// NewSnapshot builds a snapshot from copies of the supplied maps.
func NewSnapshot(deviceID string, values map[string]Value, locks map[string]Lock, lastSynced time.Time) *Snapshot {
	return &Snapshot{
		DeviceID:     deviceID,
		Values:       copyValues(values),
		Locks:        copyLocks(locks),
		LastSyncedAt: lastSynced,
	}
}

// IsLocked reports whether key is currently admin-locked.
func (s *Snapshot) IsLocked(key string) bool {
	lock, ok := s.Locks[key]
	return ok && lock.Locked
}

// GetLock returns the lock record for key, if any.
func (s *Snapshot) GetLock(key string) (Lock, bool) {
	lock, ok := s.Locks[key]
	return lock, ok
}

// LockedBy returns who locked key, or "" when it is not locked.
func (s *Snapshot) LockedBy(key string) string {
	if lock, ok := s.Locks[key]; ok && lock.Locked {
		return lock.LockedBy
	}
	return ""
}

// Value returns the stored value for key. Absent keys report ok=false and
// the caller falls back to the registry default.
func (s *Snapshot) Value(key string) (Value, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// LockedCount returns the number of settings currently locked.
func (s *Snapshot) LockedCount() int {
	n := 0
	for _, lock := range s.Locks {
		if lock.Locked {
			n++
		}
	}
	return n
}

// WithValue returns a new snapshot with key set to v.
func (s *Snapshot) WithValue(key string, v Value) *Snapshot {
	next := s.clone()
	next.Values[key] = v
	return next
}

// WithValues returns a new snapshot with every entry of values applied.
func (s *Snapshot) WithValues(values map[string]Value) *Snapshot {
	next := s.clone()
	for k, v := range values {
		next.Values[k] = v
	}
	return next
}

// WithLock returns a new snapshot with the lock record for key replaced.
func (s *Snapshot) WithLock(key string, lock Lock) *Snapshot {
	next := s.clone()
	next.Locks[key] = lock
	return next
}

// WithSyncedAt returns a new snapshot with LastSyncedAt advanced to t.
// The timestamp is monotonic: an earlier t leaves it unchanged.
func (s *Snapshot) WithSyncedAt(t time.Time) *Snapshot {
	next := s.clone()
	if t.After(next.LastSyncedAt) {
		next.LastSyncedAt = t
	}
	return next
}

func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{
		DeviceID:     s.DeviceID,
		Values:       copyValues(s.Values),
		Locks:        copyLocks(s.Locks),
		LastSyncedAt: s.LastSyncedAt,
	}
}

func copyValues(in map[string]Value) map[string]Value {
	out := make(map[string]Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyLocks(in map[string]Lock) map[string]Lock {
	out := make(map[string]Lock, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
