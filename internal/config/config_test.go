package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, ":8080", v.GetString("listen"))
	assert.Equal(t, "info", v.GetString("log_level"))
	assert.False(t, v.GetBool("enable_tls"))
}

func TestSetDefaults_Auth(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	// Auth should be enabled by default
	assert.True(t, v.GetBool("auth.enable_auth"))
}

func TestSetDefaults_Sync(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "", v.GetString("sync.upstream_url"))
	assert.Equal(t, 300, v.GetInt("sync.interval_seconds"))
	assert.Equal(t, 3, v.GetInt("sync.max_retries"))
	assert.Equal(t, 15, v.GetInt("sync.timeout_seconds"))
}

func TestSetDefaults_Metrics(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.True(t, v.GetBool("metrics.enable"))
	assert.Equal(t, "/metrics", v.GetString("metrics.path"))
}

func TestSetDefaults_Audit(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, 365, v.GetInt("audit.retention_days"))
}

func TestValidate_RequiresDataDir(t *testing.T) {
	cfg := Config{
		Listen: ":8080",
		Sync:   SyncConfig{IntervalSeconds: 300, TimeoutSeconds: 15},
		Bulk:   BulkConfig{DeviceTimeoutSeconds: 30},
	}

	err := validate(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_dir is required")
}

func TestValidate_TLSNeedsCertAndKey(t *testing.T) {
	cfg := Config{
		DataDir:   t.TempDir(),
		EnableTLS: true,
		Sync:      SyncConfig{IntervalSeconds: 300, TimeoutSeconds: 15},
		Bulk:      BulkConfig{DeviceTimeoutSeconds: 30},
	}

	err := validate(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS enabled")
}

func TestValidate_GeneratesJWTSecret(t *testing.T) {
	cfg := Config{
		DataDir: t.TempDir(),
		Auth:    AuthConfig{EnableAuth: true},
		Sync:    SyncConfig{IntervalSeconds: 300, TimeoutSeconds: 15},
		Bulk:    BulkConfig{DeviceTimeoutSeconds: 30},
	}

	require.NoError(t, validate(&cfg))
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
}

func TestValidate_RejectsNonPositiveIntervals(t *testing.T) {
	cfg := Config{
		DataDir: t.TempDir(),
		Sync:    SyncConfig{IntervalSeconds: 0, TimeoutSeconds: 15},
		Bulk:    BulkConfig{DeviceTimeoutSeconds: 30},
	}
	assert.Error(t, validate(&cfg))

	cfg.Sync = SyncConfig{IntervalSeconds: 300, TimeoutSeconds: 15}
	cfg.Bulk = BulkConfig{DeviceTimeoutSeconds: 0}
	assert.Error(t, validate(&cfg))
}

func TestGenerateSecret(t *testing.T) {
	first, err := generateSecret(32)
	require.NoError(t, err)
	assert.Len(t, first, 64) // hex-encoded

	second, err := generateSecret(32)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
