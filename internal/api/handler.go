// Package api exposes the settings service over HTTP: device settings and
// locks, the setting catalog, templates and bulk apply, unlock requests,
// sync triggers and the change history.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/fleetcfg/fleetcfg/internal/audit"
	"github.com/fleetcfg/fleetcfg/internal/auth"
	"github.com/fleetcfg/fleetcfg/internal/bulk"
	"github.com/fleetcfg/fleetcfg/internal/device"
	"github.com/fleetcfg/fleetcfg/internal/metrics"
	"github.com/fleetcfg/fleetcfg/internal/policy"
	"github.com/fleetcfg/fleetcfg/internal/registry"
	"github.com/fleetcfg/fleetcfg/internal/store"
	syncpkg "github.com/fleetcfg/fleetcfg/internal/sync"
	"github.com/fleetcfg/fleetcfg/internal/unlock"

	"github.com/google/uuid"
)

// Handler handles settings API requests.
type Handler struct {
	engine     *policy.Engine
	unlock     *unlock.Service
	applier    *bulk.Applier
	reconciler *syncpkg.Reconciler
	store      *store.Store
	audit      audit.Store
	metrics    *metrics.Manager
	logger     *logrus.Logger
}

// NewHandler creates an API handler. reconciler and metricsManager may be
// nil when the corresponding subsystem is disabled.
func NewHandler(
	engine *policy.Engine,
	unlockSvc *unlock.Service,
	applier *bulk.Applier,
	reconciler *syncpkg.Reconciler,
	st *store.Store,
	auditStore audit.Store,
	metricsManager *metrics.Manager,
	logger *logrus.Logger,
) *Handler {
	return &Handler{
		engine:     engine,
		unlock:     unlockSvc,
		applier:    applier,
		reconciler: reconciler,
		store:      st,
		audit:      auditStore,
		metrics:    metricsManager,
		logger:     logger,
	}
}

// RegisterRoutes registers all settings API routes.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/ready", h.handleHealth).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	// Setting catalog
	api.HandleFunc("/definitions", h.handleListDefinitions).Methods("GET")

	// Devices
	api.HandleFunc("/devices", h.handleEnrollDevice).Methods("POST")
	api.HandleFunc("/devices", h.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{deviceID}/settings", h.handleGetSettings).Methods("GET")
	api.HandleFunc("/devices/{deviceID}/settings/reset", h.handleResetSettings).Methods("POST")
	api.HandleFunc("/devices/{deviceID}/settings/{key}", h.handleUpdateSetting).Methods("PUT")
	api.HandleFunc("/devices/{deviceID}/locks/{key}", h.handleSetLock).Methods("PUT")
	api.HandleFunc("/devices/{deviceID}/sync", h.handleTriggerSync).Methods("POST")
	api.HandleFunc("/devices/{deviceID}/sync-status", h.handleSyncStatus).Methods("GET")

	// Templates
	api.HandleFunc("/templates", h.handleCreateTemplate).Methods("POST")
	api.HandleFunc("/templates", h.handleListTemplates).Methods("GET")
	api.HandleFunc("/templates/{id}", h.handleGetTemplate).Methods("GET")
	api.HandleFunc("/templates/{id}", h.handleDeleteTemplate).Methods("DELETE")
	api.HandleFunc("/templates/{id}/apply", h.handleApplyTemplate).Methods("POST")

	// Unlock requests
	api.HandleFunc("/unlock-requests", h.handleSubmitUnlockRequest).Methods("POST")
	api.HandleFunc("/unlock-requests", h.handleListUnlockRequests).Methods("GET")
	api.HandleFunc("/unlock-requests/summary", h.handleUnlockSummary).Methods("GET")
	api.HandleFunc("/unlock-requests/{id}", h.handleGetUnlockRequest).Methods("GET")
	api.HandleFunc("/unlock-requests/{id}/respond", h.handleRespondUnlockRequest).Methods("POST")
	api.HandleFunc("/unlock-requests/{id}/withdraw", h.handleWithdrawUnlockRequest).Methods("POST")

	// Change history
	api.HandleFunc("/changes", h.handleListChanges).Methods("GET")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==================== Catalog ====================

type definitionResponse struct {
	Key         string             `json:"key"`
	DisplayName string             `json:"display_name"`
	Description string             `json:"description,omitempty"`
	Category    registry.Category  `json:"category"`
	Type        registry.ValueType `json:"type"`
	Default     device.Value       `json:"default"`
	Validation  string             `json:"validation,omitempty"`
}

func (h *Handler) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs := h.engine.Registry().All()
	if c := r.URL.Query().Get("category"); c != "" {
		filtered := defs[:0]
		for _, d := range defs {
			if d.Category == registry.Category(c) {
				filtered = append(filtered, d)
			}
		}
		defs = filtered
	}

	out := make([]definitionResponse, 0, len(defs))
	for _, d := range defs {
		resp := definitionResponse{
			Key:         d.Key,
			DisplayName: d.DisplayName,
			Description: d.Description,
			Category:    d.Category,
			Type:        d.Type,
			Default:     d.Default,
		}
		if d.Validation != nil {
			resp.Validation = d.Validation.Describe()
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": out})
}

// ==================== Devices ====================

func (h *Handler) handleEnrollDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, device.NewError(device.ErrValidation, "invalid request body"))
		return
	}

	snap, err := h.engine.Enroll(r.Context(), body.DeviceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListDeviceIDs(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": ids})
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]

	snap, err := h.engine.Snapshot(r.Context(), deviceID)
	if err != nil {
		// When the store is unreachable, fall back to the last fully merged
		// snapshot so reads keep working offline.
		if h.reconciler != nil && !device.IsKind(err, device.ErrNotFound) {
			if cached, cacheErr := h.reconciler.LastMerged(deviceID); cacheErr == nil {
				writeJSON(w, http.StatusOK, cached)
				return
			}
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, key := vars["deviceID"], vars["key"]

	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, device.NewError(device.ErrAuth, "not authenticated"))
		return
	}

	var body struct {
		Value device.Value `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, device.NewError(device.ErrValidation, "invalid request body: %v", err))
		return
	}

	result, err := h.engine.ApplyChange(r.Context(), deviceID, key, body.Value, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.recordChangeOutcome(result)
	if result.Success && !result.Unchanged && h.reconciler != nil {
		h.reconciler.MarkLocalEdit(deviceID, key, body.Value)
	}

	status := http.StatusOK
	if !result.Success {
		if result.WasLocked {
			status = http.StatusLocked
		} else {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, result)
}

func (h *Handler) recordChangeOutcome(result device.UpdateResult) {
	if h.metrics == nil {
		return
	}
	switch {
	case result.Success && result.Unchanged:
		h.metrics.RecordSettingChange("unchanged")
	case result.Success:
		h.metrics.RecordSettingChange("applied")
	case result.WasLocked:
		h.metrics.RecordSettingChange("rejected_locked")
	default:
		h.metrics.RecordSettingChange("rejected_validation")
	}
}

func (h *Handler) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]

	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, device.NewError(device.ErrAuth, "not authenticated"))
		return
	}

	snap, err := h.engine.ResetToDefaults(r.Context(), deviceID, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleSetLock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, key := vars["deviceID"], vars["key"]

	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, device.NewError(device.ErrAuth, "not authenticated"))
		return
	}

	var body struct {
		Locked bool `json:"locked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, device.NewError(device.ErrValidation, "invalid request body"))
		return
	}

	if err := h.engine.SetLock(r.Context(), deviceID, key, body.Locked, actor); err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordLockToggle(body.Locked)
	}

	snap, err := h.engine.Snapshot(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]
	if h.reconciler == nil {
		h.writeError(w, device.NewError(device.ErrValidation, "sync is not configured"))
		return
	}

	start := time.Now()
	err := h.reconciler.Sync(r.Context(), deviceID)
	if h.metrics != nil {
		h.metrics.RecordSync(err == nil, time.Since(start))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": h.reconciler.Status(deviceID),
	})
}

func (h *Handler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]
	if h.reconciler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": device.SyncSynced})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        h.reconciler.Status(deviceID),
		"pending_edits": len(h.reconciler.PendingEdits(deviceID)),
	})
}

// ==================== Templates ====================

func (h *Handler) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, device.NewError(device.ErrAuth, "not authenticated"))
		return
	}
	if !actor.IsAdmin {
		h.writeError(w, device.NewError(device.ErrPermission, "only admins can manage templates"))
		return
	}

	var tpl device.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		h.writeError(w, device.NewError(device.ErrValidation, "invalid request body: %v", err))
		return
	}
	if tpl.Name == "" {
		h.writeError(w, device.NewError(device.ErrValidation, "template name is required"))
		return
	}

	// Template values are validated at creation so a bad template is caught
	// before it is ever applied.
	reg := h.engine.Registry()
	for key, value := range tpl.Settings {
		if err := reg.Validate(key, value); err != nil {
			h.writeError(w, err)
			return
		}
	}
	for _, key := range tpl.LockedSettings {
		if _, ok := reg.ForKey(key); !ok {
			h.writeError(w, device.NewError(device.ErrValidation, "Unknown setting: %s", key))
			return
		}
	}

	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	tpl.CreatedBy = actor.ID
	tpl.CreatedAt = time.Now().UTC()

	if err := h.store.SaveTemplate(r.Context(), &tpl); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &tpl)
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if templates == nil {
		templates = []*device.Template{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (h *Handler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.store.GetTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *Handler) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok || !actor.IsAdmin {
		h.writeError(w, device.NewError(device.ErrPermission, "only admins can manage templates"))
		return
	}
	if err := h.store.DeleteTemplate(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleApplyTemplate(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, device.NewError(device.ErrAuth, "not authenticated"))
		return
	}

	tpl, err := h.store.GetTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	var body struct {
		DeviceIDs []string `json:"device_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, device.NewError(device.ErrValidation, "invalid request body"))
		return
	}
	if len(body.DeviceIDs) == 0 {
		h.writeError(w, device.NewError(device.ErrValidation, "device_ids is required"))
		return
	}

	result, err := h.applier.ApplyTemplate(r.Context(), tpl, body.DeviceIDs, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordBulkApply(result.SuccessCount(), result.FailureCount())
	}
	writeJSON(w, http.StatusOK, bulkResponse(result))
}

func bulkResponse(result *device.BulkResult) map[string]any {
	successful := result.Successful
	if successful == nil {
		successful = []device.DeviceResult{}
	}
	failed := result.Failed
	if failed == nil {
		failed = []device.DeviceResult{}
	}
	return map[string]any{
		"successful":     successful,
		"failed":         failed,
		"success_count":  result.SuccessCount(),
		"failure_count":  result.FailureCount(),
		"total_count":    result.TotalCount(),
		"all_successful": result.AllSuccessful(),
	}
}

// ==================== Unlock requests ====================

func (h *Handler) handleSubmitUnlockRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, device.NewError(device.ErrAuth, "not authenticated"))
		return
	}

	var body struct {
		DeviceID   string `json:"device_id"`
		SettingKey string `json:"setting_key"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, device.NewError(device.ErrValidation, "invalid request body"))
		return
	}

	req, err := h.unlock.Submit(r.Context(), body.DeviceID, body.SettingKey, body.Reason, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordUnlockDecision("submitted")
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) handleListUnlockRequests(w http.ResponseWriter, r *http.Request) {
	filters := store.UnlockRequestFilters{
		DeviceID: r.URL.Query().Get("device_id"),
		Status:   device.UnlockStatus(r.URL.Query().Get("status")),
	}
	requests, err := h.unlock.List(r.Context(), filters)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if requests == nil {
		requests = []*device.UnlockRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (h *Handler) handleUnlockSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.unlock.Summary(r.Context(), r.URL.Query().Get("device_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending_count":   summary.PendingCount,
		"approved_count":  summary.ApprovedCount,
		"denied_count":    summary.DeniedCount,
		"withdrawn_count": summary.WithdrawnCount,
		"total_count":     summary.TotalCount(),
	})
}

func (h *Handler) handleGetUnlockRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.unlock.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleRespondUnlockRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, device.NewError(device.ErrAuth, "not authenticated"))
		return
	}

	var body struct {
		Approve bool   `json:"approve"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, device.NewError(device.ErrValidation, "invalid request body"))
		return
	}

	req, err := h.unlock.Respond(r.Context(), mux.Vars(r)["id"], body.Approve, body.Message, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordUnlockDecision(string(req.Status))
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleWithdrawUnlockRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, device.NewError(device.ErrAuth, "not authenticated"))
		return
	}

	req, err := h.unlock.Withdraw(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordUnlockDecision("withdrawn")
	}
	writeJSON(w, http.StatusOK, req)
}

// ==================== Change history ====================

func (h *Handler) handleListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := &audit.Filters{
		DeviceID:   q.Get("device_id"),
		SettingKey: q.Get("setting_key"),
		ChangeType: q.Get("change_type"),
		Actor:      q.Get("actor"),
		Page:       intParam(q.Get("page"), 1),
		PageSize:   intParam(q.Get("page_size"), 50),
	}

	changes, total, err := h.audit.List(r.Context(), filters)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if changes == nil {
		changes = []*audit.Change{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changes":   changes,
		"total":     total,
		"page":      filters.Page,
		"page_size": filters.PageSize,
	})
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// ==================== Helpers ====================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps classified errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := device.KindOf(err)
	switch kind {
	case device.ErrValidation:
		status = http.StatusBadRequest
	case device.ErrLocked:
		status = http.StatusLocked
	case device.ErrPermission:
		status = http.StatusForbidden
	case device.ErrConflict:
		status = http.StatusConflict
	case device.ErrNotFound:
		status = http.StatusNotFound
	case device.ErrAuth:
		status = http.StatusUnauthorized
	case device.ErrNetwork:
		status = http.StatusBadGateway
	case device.ErrTimeout:
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  kind,
	})
}
