package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

func TestDefaults(t *testing.T) {
	r := New()
	defaults := r.Defaults()

	assert.Len(t, defaults, 8)
	assert.Equal(t, device.Bool(true), defaults[KeyTrackingEnabled])
	assert.Equal(t, device.Int(5), defaults[KeyTrackingIntervalMinutes])
	assert.Equal(t, device.Bool(false), defaults[KeySecretModeEnabled])
}

func TestByCategory(t *testing.T) {
	r := New()
	grouped := r.ByCategory()

	assert.Len(t, grouped[CategoryTracking], 4)
	assert.Len(t, grouped[CategoryNotifications], 3)
	assert.Len(t, grouped[CategoryDisplay], 1)

	// Catalog order preserved within a category.
	assert.Equal(t, KeyTrackingEnabled, grouped[CategoryTracking][0].Key)
	assert.Equal(t, KeyTrackingIntervalMinutes, grouped[CategoryTracking][1].Key)
}

func TestValidate(t *testing.T) {
	r := New()

	tests := []struct {
		name    string
		key     string
		value   device.Value
		wantErr string
	}{
		{"valid bool", KeyTrackingEnabled, device.Bool(false), ""},
		{"valid interval", KeyTrackingIntervalMinutes, device.Int(30), ""},
		{"interval lower bound", KeyTrackingIntervalMinutes, device.Int(1), ""},
		{"interval upper bound", KeyTrackingIntervalMinutes, device.Int(60), ""},
		{"interval below range", KeyTrackingIntervalMinutes, device.Int(0), "Value must be between 1 and 60"},
		{"interval above range", KeyTrackingIntervalMinutes, device.Int(61), "Value must be between 1 and 60"},
		{"whole float as integer", KeyTrackingIntervalMinutes, device.Float(10.0), ""},
		{"fractional float as integer", KeyTrackingIntervalMinutes, device.Float(10.5), "Invalid type for Tracking Interval"},
		{"wrong type", KeyTrackingEnabled, device.Int(1), "Invalid type for Location Tracking"},
		{"unknown key", "no_such_setting", device.Bool(true), "Unknown setting: no_such_setting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.key, tt.value)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
			assert.Equal(t, device.ErrValidation, device.KindOf(err))
		})
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	r := New()
	first := r.Validate(KeyTrackingIntervalMinutes, device.Int(0))
	second := r.Validate(KeyTrackingIntervalMinutes, device.Int(0))
	require.Error(t, first)
	require.Error(t, second)
	assert.Equal(t, first.Error(), second.Error())
}

func TestMigrateValues(t *testing.T) {
	r := New()

	tests := []struct {
		name    string
		seconds int64
		want    int64
	}{
		{"rounds up", 90, 2},
		{"rounds down", 89, 1},
		{"exact minutes", 300, 5},
		{"floors at one minute", 10, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.MigrateValues(map[string]device.Value{
				KeyTrackingIntervalSeconds: device.Int(tt.seconds),
			})
			_, hasLegacy := out[KeyTrackingIntervalSeconds]
			assert.False(t, hasLegacy)
			assert.Equal(t, device.Int(tt.want), out[KeyTrackingIntervalMinutes])
		})
	}
}

func TestMigrateValuesCanonicalWins(t *testing.T) {
	r := New()
	out := r.MigrateValues(map[string]device.Value{
		KeyTrackingIntervalSeconds: device.Int(600),
		KeyTrackingIntervalMinutes: device.Int(3),
	})
	assert.Equal(t, device.Int(3), out[KeyTrackingIntervalMinutes])
}

func TestDisplayNameFallsBackToKey(t *testing.T) {
	r := New()
	assert.Equal(t, "SOS Feature", r.DisplayName(KeySOSEnabled))
	assert.Equal(t, "mystery_key", r.DisplayName("mystery_key"))
}

func TestValidationDescribe(t *testing.T) {
	assert.Equal(t, "integer between 1 and 60", IntRange{Min: 1, Max: 60}.Describe())
	assert.Equal(t, "number between 0.5 and 2", FloatRange{Min: 0.5, Max: 2}.Describe())
	assert.Equal(t, "string of 1 to 10 characters", StringLength{Min: 1, Max: 10}.Describe())
}
