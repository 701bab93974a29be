package audit

import (
	"context"
	"time"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

// Change types
const (
	ChangeValueChanged = "value_changed"
	ChangeLocked       = "locked"
	ChangeUnlocked     = "unlocked"
	ChangeReset        = "reset"
)

// Change is one entry in the append-only setting change trail. Entries are
// never modified or deleted once written; retention purging is the only
// maintenance operation.
type Change struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id,omitempty"`
	SettingKey string        `json:"setting_key"`
	OldValue   *device.Value `json:"old_value,omitempty"`
	NewValue   *device.Value `json:"new_value,omitempty"`
	Actor      string        `json:"changed_by"`
	ChangeType string        `json:"change_type"`
	Timestamp  time.Time     `json:"changed_at"`
}

// Description renders a human-readable summary of the change.
func (c *Change) Description() string {
	switch c.ChangeType {
	case ChangeValueChanged:
		return "Changed from " + valueString(c.OldValue) + " to " + valueString(c.NewValue)
	case ChangeLocked:
		return "Locked by " + c.Actor
	case ChangeUnlocked:
		return "Unlocked by " + c.Actor
	case ChangeReset:
		return "Reset to default"
	}
	return c.ChangeType
}

func valueString(v *device.Value) string {
	if v == nil {
		return "<none>"
	}
	return v.String()
}

// Filters narrow change-history queries. Zero values match everything;
// Page is 1-based.
type Filters struct {
	DeviceID   string
	SettingKey string
	ChangeType string
	Actor      string
	Start      int64 // Unix seconds, inclusive
	End        int64 // Unix seconds, inclusive
	Page       int
	PageSize   int
}

// Store is the append-only change trail.
type Store interface {
	// Append records a change. The entry is assigned its id and timestamp
	// before insertion when they are unset.
	Append(ctx context.Context, change *Change) error

	// List returns matching changes newest-first plus the total match count
	// for pagination.
	List(ctx context.Context, filters *Filters) ([]*Change, int, error)

	// PurgeOlderThan deletes entries older than the given number of days and
	// returns how many were removed.
	PurgeOlderThan(ctx context.Context, days int) (int, error)

	// Close closes the store.
	Close() error
}
