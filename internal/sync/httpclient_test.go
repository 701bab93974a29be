package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

func TestHTTPClientFetchSettings(t *testing.T) {
	snap := device.NewSnapshot("device-1",
		map[string]device.Value{"tracking_enabled": device.Bool(false)},
		nil, time.Unix(100, 0).UTC())

	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/api/v1/devices/device-1/settings", r.URL.Path)
		json.NewEncoder(w).Encode(snap)
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "upstream-token", 5*time.Second)
	fetched, err := c.FetchSettings(context.Background(), "device-1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer upstream-token", gotAuth)
	assert.Equal(t, "device-1", fetched.DeviceID)
	v, ok := fetched.Value("tracking_enabled")
	require.True(t, ok)
	assert.Equal(t, device.Bool(false), v)
}

func TestHTTPClientPushSettings(t *testing.T) {
	var gotBody map[string]map[string]device.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "", 5*time.Second)
	err := c.PushSettings(context.Background(), "device-1",
		map[string]device.Value{"sos_enabled": device.Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, device.Bool(true), gotBody["settings"]["sos_enabled"])
}

func TestHTTPClientStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   device.ErrorKind
	}{
		{http.StatusUnauthorized, device.ErrAuth},
		{http.StatusForbidden, device.ErrAuth},
		{http.StatusNotFound, device.ErrNotFound},
		{http.StatusInternalServerError, device.ErrNetwork},
		{http.StatusBadRequest, device.ErrValidation},
	}

	for _, tt := range tests {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := NewHTTPClient(ts.URL, "", 5*time.Second)
		_, err := c.FetchSettings(context.Background(), "device-1")
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.want, device.KindOf(err), "status %d", tt.status)
		ts.Close()
	}
}

func TestHTTPClientNetworkErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // connection refused from here on

	c := NewHTTPClient(ts.URL, "", time.Second)
	_, err := c.FetchSettings(context.Background(), "device-1")
	require.Error(t, err)
	assert.True(t, device.IsTransient(err))
}

func TestHTTPClientTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "", 20*time.Millisecond)
	_, err := c.FetchSettings(context.Background(), "device-1")
	require.Error(t, err)
	assert.Equal(t, device.ErrTimeout, device.KindOf(err))
}
