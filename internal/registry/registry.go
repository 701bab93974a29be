// Package registry holds the static catalog of setting definitions: key,
// display name, category, value type, default and validation rule. The
// catalog is immutable after process start and safe for concurrent readers.
package registry

import (
	"github.com/fleetcfg/fleetcfg/internal/device"
)

// Category groups related settings for display.
type Category string

const (
	CategoryTracking      Category = "tracking"
	CategoryNotifications Category = "notifications"
	CategoryDisplay       Category = "display"
)

// ValueType is the declared type of a setting.
type ValueType string

const (
	TypeBoolean ValueType = "boolean"
	TypeInteger ValueType = "integer"
	TypeFloat   ValueType = "float"
	TypeString  ValueType = "string"
)

// Definition describes one setting.
type Definition struct {
	Key         string
	DisplayName string
	Description string
	Category    Category
	Type        ValueType
	Default     device.Value
	Validation  Validation // nil when the type check is sufficient
}

// Canonical setting keys. These must match the backend exactly.
const (
	KeyTrackingEnabled              = "tracking_enabled"
	KeyTrackingIntervalMinutes      = "tracking_interval_minutes"
	KeySecretModeEnabled            = "secret_mode_enabled"
	KeyMovementDetectionEnabled     = "movement_detection_enabled"
	KeyGeofenceNotificationsEnabled = "geofence_notifications_enabled"
	KeyNotificationSoundsEnabled    = "notification_sounds_enabled"
	KeySOSEnabled                   = "sos_enabled"
	KeyBatteryOptimizationEnabled   = "battery_optimization_enabled"

	// KeyTrackingIntervalSeconds is the legacy per-second interval key.
	// Minutes is the canonical unit; MigrateValues converts old records.
	KeyTrackingIntervalSeconds = "tracking_interval_seconds"
)

// Registry answers definition lookups and validates candidate values.
type Registry struct {
	defs  []Definition
	byKey map[string]*Definition
}

// New builds a registry over the default catalog.
func New() *Registry {
	return newWith(defaultCatalog())
}

func newWith(defs []Definition) *Registry {
	r := &Registry{defs: defs, byKey: make(map[string]*Definition, len(defs))}
	for i := range r.defs {
		r.byKey[r.defs[i].Key] = &r.defs[i]
	}
	return r
}

// ForKey returns the definition for key, if one exists.
func (r *Registry) ForKey(key string) (*Definition, bool) {
	d, ok := r.byKey[key]
	return d, ok
}

// All returns every definition in catalog order.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// ByCategory groups definitions by category, preserving catalog order
// within each group.
func (r *Registry) ByCategory() map[Category][]Definition {
	out := make(map[Category][]Definition)
	for _, d := range r.defs {
		out[d.Category] = append(out[d.Category], d)
	}
	return out
}

// Defaults returns the default value for every defined setting.
func (r *Registry) Defaults() map[string]device.Value {
	out := make(map[string]device.Value, len(r.defs))
	for _, d := range r.defs {
		out[d.Key] = d.Default
	}
	return out
}

// Validate checks a candidate value for key. It returns nil when the value
// is acceptable. The check order is fixed: unknown key, then declared type,
// then the definition's validation rule. Identical inputs always yield the
// identical result.
func (r *Registry) Validate(key string, value device.Value) error {
	def, ok := r.byKey[key]
	if !ok {
		return device.NewError(device.ErrValidation, "Unknown setting: %s", key)
	}
	if !typeMatches(def.Type, value) {
		return device.NewError(device.ErrValidation, "Invalid type for %s", def.DisplayName)
	}
	if def.Validation != nil {
		if msg, ok := def.Validation.Check(value); !ok {
			return device.NewError(device.ErrValidation, "%s", msg)
		}
	}
	return nil
}

// typeMatches applies the declared-type check. An integer setting accepts
// any numeric value whose fractional part is exactly zero; a float setting
// accepts any numeric value.
func typeMatches(t ValueType, v device.Value) bool {
	switch t {
	case TypeBoolean:
		return v.Kind() == device.KindBool
	case TypeInteger:
		_, ok := v.AsInt()
		return ok
	case TypeFloat:
		return v.IsNumeric()
	case TypeString:
		return v.Kind() == device.KindString
	}
	return false
}

// MigrateValues rewrites legacy keys in a raw settings map to their
// canonical form. The deprecated per-second tracking interval becomes the
// per-minute key, rounded to the nearest minute with a one-minute floor;
// an existing canonical value wins over the legacy one.
func (r *Registry) MigrateValues(values map[string]device.Value) map[string]device.Value {
	out := make(map[string]device.Value, len(values))
	for k, v := range values {
		if k == KeyTrackingIntervalSeconds {
			continue
		}
		out[k] = v
	}
	if legacy, ok := values[KeyTrackingIntervalSeconds]; ok {
		if _, exists := out[KeyTrackingIntervalMinutes]; !exists {
			if secs, ok := legacy.AsInt(); ok {
				minutes := (secs + 30) / 60
				if minutes < 1 {
					minutes = 1
				}
				out[KeyTrackingIntervalMinutes] = device.Int(minutes)
			}
		}
	}
	return out
}

// DisplayName returns the display name for key, falling back to the key
// itself for unknown settings.
func (r *Registry) DisplayName(key string) string {
	if d, ok := r.byKey[key]; ok {
		return d.DisplayName
	}
	return key
}

func defaultCatalog() []Definition {
	return []Definition{
		{
			Key:         KeyTrackingEnabled,
			DisplayName: "Location Tracking",
			Description: "Enable or disable location tracking",
			Category:    CategoryTracking,
			Type:        TypeBoolean,
			Default:     device.Bool(true),
		},
		{
			Key:         KeyTrackingIntervalMinutes,
			DisplayName: "Tracking Interval",
			Description: "How often to record location (in minutes)",
			Category:    CategoryTracking,
			Type:        TypeInteger,
			Default:     device.Int(5),
			Validation:  IntRange{Min: 1, Max: 60},
		},
		{
			Key:         KeySecretModeEnabled,
			DisplayName: "Secret Mode",
			Description: "Hide tracking notification",
			Category:    CategoryTracking,
			Type:        TypeBoolean,
			Default:     device.Bool(false),
		},
		{
			Key:         KeyMovementDetectionEnabled,
			DisplayName: "Movement Detection",
			Description: "Detect movement to optimize tracking",
			Category:    CategoryTracking,
			Type:        TypeBoolean,
			Default:     device.Bool(true),
		},
		{
			Key:         KeyGeofenceNotificationsEnabled,
			DisplayName: "Geofence Notifications",
			Description: "Show notifications when entering/leaving geofences",
			Category:    CategoryNotifications,
			Type:        TypeBoolean,
			Default:     device.Bool(true),
		},
		{
			Key:         KeyNotificationSoundsEnabled,
			DisplayName: "Notification Sounds",
			Description: "Play sounds for notifications",
			Category:    CategoryNotifications,
			Type:        TypeBoolean,
			Default:     device.Bool(true),
		},
		{
			Key:         KeySOSEnabled,
			DisplayName: "SOS Feature",
			Description: "Enable emergency SOS button",
			Category:    CategoryNotifications,
			Type:        TypeBoolean,
			Default:     device.Bool(true),
		},
		{
			Key:         KeyBatteryOptimizationEnabled,
			DisplayName: "Battery Optimization",
			Description: "Optimize battery usage for tracking",
			Category:    CategoryDisplay,
			Type:        TypeBoolean,
			Default:     device.Bool(true),
		},
	}
}
