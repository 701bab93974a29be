package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcfg/fleetcfg/internal/audit"
	"github.com/fleetcfg/fleetcfg/internal/auth"
	"github.com/fleetcfg/fleetcfg/internal/bulk"
	"github.com/fleetcfg/fleetcfg/internal/device"
	"github.com/fleetcfg/fleetcfg/internal/metrics"
	"github.com/fleetcfg/fleetcfg/internal/policy"
	"github.com/fleetcfg/fleetcfg/internal/registry"
	"github.com/fleetcfg/fleetcfg/internal/store"
	"github.com/fleetcfg/fleetcfg/internal/unlock"
)

type testAPI struct {
	server     *httptest.Server
	engine     *policy.Engine
	adminToken string
	userToken  string
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "settings.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auditStore, err := audit.NewSQLiteStore(filepath.Join(dir, "audit.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	engine := policy.NewEngine(st, registry.New(), auditStore, logger)
	unlockSvc := unlock.NewService(engine, st, logger)
	applier := bulk.NewApplier(engine, logger)
	authManager := auth.NewManager("test-secret", true, logger)
	metricsManager := metrics.NewManager()

	handler := NewHandler(engine, unlockSvc, applier, nil, st, auditStore, metricsManager, logger)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Use(authManager.Middleware)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	adminToken, err := authManager.IssueToken(device.Actor{ID: "admin-1", IsAdmin: true}, time.Hour)
	require.NoError(t, err)
	userToken, err := authManager.IssueToken(device.Actor{ID: "user-1"}, time.Hour)
	require.NoError(t, err)

	return &testAPI{server: server, engine: engine, adminToken: adminToken, userToken: userToken}
}

func (a *testAPI) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (a *testAPI) enroll(t *testing.T, deviceID string) {
	t.Helper()
	resp := a.request(t, http.MethodPost, "/api/v1/devices", a.adminToken, map[string]string{"device_id": deviceID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func TestEnrollAndGetSettings(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")

	resp := a.request(t, http.MethodGet, "/api/v1/devices/device-1/settings", a.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		DeviceID string                  `json:"device_id"`
		Settings map[string]device.Value `json:"settings"`
	}
	decode(t, resp, &snap)
	assert.Equal(t, "device-1", snap.DeviceID)

	v, ok := snap.Settings[registry.KeyTrackingIntervalMinutes]
	require.True(t, ok)
	iv, ok := v.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(5), iv)
}

func TestEnrollDuplicateConflicts(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")

	resp := a.request(t, http.MethodPost, "/api/v1/devices", a.adminToken, map[string]string{"device_id": "device-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetSettingsUnknownDevice(t *testing.T) {
	a := setupAPI(t)

	resp := a.request(t, http.MethodGet, "/api/v1/devices/nope/settings", a.userToken, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateSetting(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")

	resp := a.request(t, http.MethodPut,
		"/api/v1/devices/device-1/settings/"+registry.KeyTrackingIntervalMinutes,
		a.userToken, map[string]any{"value": 20})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result device.UpdateResult
	decode(t, resp, &result)
	assert.True(t, result.Success)
}

func TestUpdateSettingValidationError(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")

	resp := a.request(t, http.MethodPut,
		"/api/v1/devices/device-1/settings/"+registry.KeyTrackingIntervalMinutes,
		a.userToken, map[string]any{"value": 999})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var result device.UpdateResult
	decode(t, resp, &result)
	assert.False(t, result.Success)
	assert.Equal(t, "Value must be between 1 and 60", result.Error)
}

func TestUpdateLockedSettingReturnsLocked(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")

	resp := a.request(t, http.MethodPut,
		"/api/v1/devices/device-1/locks/"+registry.KeyTrackingEnabled,
		a.adminToken, map[string]any{"locked": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = a.request(t, http.MethodPut,
		"/api/v1/devices/device-1/settings/"+registry.KeyTrackingEnabled,
		a.userToken, map[string]any{"value": false})
	require.Equal(t, http.StatusLocked, resp.StatusCode)

	var result device.UpdateResult
	decode(t, resp, &result)
	assert.False(t, result.Success)
	assert.True(t, result.WasLocked)
}

func TestSetLockRequiresAdmin(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")

	resp := a.request(t, http.MethodPut,
		"/api/v1/devices/device-1/locks/"+registry.KeyTrackingEnabled,
		a.userToken, map[string]any{"locked": true})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRequestsWithoutTokenRejected(t *testing.T) {
	a := setupAPI(t)

	resp := a.request(t, http.MethodGet, "/api/v1/devices", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListDefinitions(t *testing.T) {
	a := setupAPI(t)

	resp := a.request(t, http.MethodGet, "/api/v1/definitions", a.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Definitions []definitionResponse `json:"definitions"`
	}
	decode(t, resp, &body)
	assert.Len(t, body.Definitions, 8)

	resp = a.request(t, http.MethodGet, "/api/v1/definitions?category=tracking", a.userToken, nil)
	decode(t, resp, &body)
	assert.Len(t, body.Definitions, 4)
	for _, d := range body.Definitions {
		assert.Equal(t, registry.CategoryTracking, d.Category)
	}
}

func TestTemplateLifecycleAndApply(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")
	a.enroll(t, "device-2")

	tpl := map[string]any{
		"name": "Strict",
		"settings": map[string]any{
			registry.KeyTrackingEnabled:         map[string]any{"type": "bool", "value": true},
			registry.KeyTrackingIntervalMinutes: map[string]any{"type": "int", "value": 2},
		},
		"locked_settings": []string{registry.KeyTrackingEnabled},
	}
	resp := a.request(t, http.MethodPost, "/api/v1/templates", a.adminToken, tpl)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created device.Template
	decode(t, resp, &created)
	require.NotEmpty(t, created.ID)

	// device-3 is unknown, so it fails while the others succeed.
	resp = a.request(t, http.MethodPost, "/api/v1/templates/"+created.ID+"/apply", a.adminToken,
		map[string]any{"device_ids": []string{"device-1", "device-2", "device-3"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		SuccessCount  int  `json:"success_count"`
		FailureCount  int  `json:"failure_count"`
		TotalCount    int  `json:"total_count"`
		AllSuccessful bool `json:"all_successful"`
	}
	decode(t, resp, &result)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	assert.Equal(t, 3, result.TotalCount)
	assert.False(t, result.AllSuccessful)
}

func TestCreateTemplateRejectsInvalidValues(t *testing.T) {
	a := setupAPI(t)

	tpl := map[string]any{
		"name": "Broken",
		"settings": map[string]any{
			registry.KeyTrackingIntervalMinutes: map[string]any{"type": "int", "value": 999},
		},
	}
	resp := a.request(t, http.MethodPost, "/api/v1/templates", a.adminToken, tpl)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTemplateApplyRequiresAdmin(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")

	tpl := map[string]any{"name": "Plain", "settings": map[string]any{}}
	resp := a.request(t, http.MethodPost, "/api/v1/templates", a.adminToken, tpl)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created device.Template
	decode(t, resp, &created)

	resp = a.request(t, http.MethodPost, "/api/v1/templates/"+created.ID+"/apply", a.userToken,
		map[string]any{"device_ids": []string{"device-1"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnlockRequestFlow(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")

	resp := a.request(t, http.MethodPut,
		"/api/v1/devices/device-1/locks/"+registry.KeyTrackingEnabled,
		a.adminToken, map[string]any{"locked": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = a.request(t, http.MethodPost, "/api/v1/unlock-requests", a.userToken, map[string]any{
		"device_id":   "device-1",
		"setting_key": registry.KeyTrackingEnabled,
		"reason":      "Need tracking off for a school trip",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var req device.UnlockRequest
	decode(t, resp, &req)
	assert.Equal(t, device.UnlockPending, req.Status)

	resp = a.request(t, http.MethodPost, "/api/v1/unlock-requests/"+req.ID+"/respond",
		a.adminToken, map[string]any{"approve": true, "message": "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decided device.UnlockRequest
	decode(t, resp, &decided)
	assert.Equal(t, device.UnlockApproved, decided.Status)

	// Lock is gone and the summary reflects the decision.
	resp = a.request(t, http.MethodGet, "/api/v1/devices/device-1/settings", a.userToken, nil)
	var snap struct {
		Locks map[string]device.Lock `json:"locks"`
	}
	decode(t, resp, &snap)
	assert.False(t, snap.Locks[registry.KeyTrackingEnabled].Locked)

	resp = a.request(t, http.MethodGet, "/api/v1/unlock-requests/summary?device_id=device-1", a.userToken, nil)
	var summary struct {
		ApprovedCount int `json:"approved_count"`
		TotalCount    int `json:"total_count"`
	}
	decode(t, resp, &summary)
	assert.Equal(t, 1, summary.ApprovedCount)
	assert.Equal(t, 1, summary.TotalCount)

	// A second respond on the same id conflicts.
	resp = a.request(t, http.MethodPost, "/api/v1/unlock-requests/"+req.ID+"/respond",
		a.adminToken, map[string]any{"approve": false})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestChangesEndpoint(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")

	for i := 1; i <= 3; i++ {
		resp := a.request(t, http.MethodPut,
			"/api/v1/devices/device-1/settings/"+registry.KeyTrackingIntervalMinutes,
			a.userToken, map[string]any{"value": 10 * i})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := a.request(t, http.MethodGet,
		fmt.Sprintf("/api/v1/changes?device_id=device-1&change_type=%s&page=1&page_size=2", audit.ChangeValueChanged),
		a.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Changes []json.RawMessage `json:"changes"`
		Total   int               `json:"total"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 3, body.Total)
	assert.Len(t, body.Changes, 2)
}

func TestResetEndpoint(t *testing.T) {
	a := setupAPI(t)
	a.enroll(t, "device-1")

	resp := a.request(t, http.MethodPut,
		"/api/v1/devices/device-1/settings/"+registry.KeyTrackingIntervalMinutes,
		a.userToken, map[string]any{"value": 42})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = a.request(t, http.MethodPost, "/api/v1/devices/device-1/settings/reset", a.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		Settings map[string]device.Value `json:"settings"`
	}
	decode(t, resp, &snap)
	iv, _ := snap.Settings[registry.KeyTrackingIntervalMinutes].AsInt()
	assert.Equal(t, int64(5), iv)
}
