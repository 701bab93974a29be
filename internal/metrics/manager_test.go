package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := NewManager()

	m.RecordSettingChange("applied")
	m.RecordSettingChange("rejected_locked")
	m.RecordLockToggle(true)
	m.RecordSync(true, 120*time.Millisecond)
	m.RecordBulkApply(2, 1)
	m.RecordUnlockDecision("approved")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `fleetcfg_setting_changes_total{outcome="applied"} 1`)
	assert.Contains(t, body, `fleetcfg_setting_changes_total{outcome="rejected_locked"} 1`)
	assert.Contains(t, body, `fleetcfg_lock_toggles_total{action="lock"} 1`)
	assert.Contains(t, body, `fleetcfg_sync_runs_total{outcome="success"} 1`)
	assert.Contains(t, body, `fleetcfg_bulk_devices_total{outcome="success"} 2`)
	assert.Contains(t, body, `fleetcfg_bulk_devices_total{outcome="failure"} 1`)
	assert.Contains(t, body, `fleetcfg_unlock_decisions_total{decision="approved"} 1`)
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	m := NewManager()

	handler := m.Middleware(func(r *http.Request) string { return "/api/devices/{id}" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/devices/device-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	m.Handler().ServeHTTP(metricsRec, metricsReq)

	assert.Contains(t, metricsRec.Body.String(),
		`fleetcfg_http_requests_total{method="GET",path="/api/devices/{id}",status="404"} 1`)
}
