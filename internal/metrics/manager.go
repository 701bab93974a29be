// Package metrics exposes Prometheus instrumentation for the settings
// service: HTTP traffic, setting mutations, sync outcomes, bulk applies and
// unlock request decisions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns a private Prometheus registry and the service's collectors.
type Manager struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	settingChangesTotal  *prometheus.CounterVec
	lockTogglesTotal     *prometheus.CounterVec
	syncRunsTotal        *prometheus.CounterVec
	syncDuration         prometheus.Histogram
	bulkDevicesTotal     *prometheus.CounterVec
	unlockDecisionsTotal *prometheus.CounterVec
}

// NewManager creates a metrics manager with all collectors registered.
func NewManager() *Manager {
	m := &Manager{registry: prometheus.NewRegistry()}

	m.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcfg_http_requests_total",
		Help: "Total HTTP requests by method, path and status code",
	}, []string{"method", "path", "status"})

	m.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetcfg_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.settingChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcfg_setting_changes_total",
		Help: "Setting mutation attempts by outcome",
	}, []string{"outcome"})

	m.lockTogglesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcfg_lock_toggles_total",
		Help: "Lock and unlock operations",
	}, []string{"action"})

	m.syncRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcfg_sync_runs_total",
		Help: "Sync operations by outcome",
	}, []string{"outcome"})

	m.syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetcfg_sync_duration_seconds",
		Help:    "Duration of sync operations",
		Buckets: prometheus.DefBuckets,
	})

	m.bulkDevicesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcfg_bulk_devices_total",
		Help: "Per-device outcomes of bulk template applies",
	}, []string{"outcome"})

	m.unlockDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcfg_unlock_decisions_total",
		Help: "Unlock request lifecycle events",
	}, []string{"decision"})

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.settingChangesTotal,
		m.lockTogglesTotal,
		m.syncRunsTotal,
		m.syncDuration,
		m.bulkDevicesTotal,
		m.unlockDecisionsTotal,
	)
	return m
}

// RecordSettingChange counts one mutation attempt.
// Outcome is one of applied, unchanged, rejected_locked, rejected_validation.
func (m *Manager) RecordSettingChange(outcome string) {
	m.settingChangesTotal.WithLabelValues(outcome).Inc()
}

// RecordLockToggle counts a lock or unlock action.
func (m *Manager) RecordLockToggle(locked bool) {
	action := "unlock"
	if locked {
		action = "lock"
	}
	m.lockTogglesTotal.WithLabelValues(action).Inc()
}

// RecordSync counts one sync run and its duration.
func (m *Manager) RecordSync(success bool, duration time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.syncRunsTotal.WithLabelValues(outcome).Inc()
	m.syncDuration.Observe(duration.Seconds())
}

// RecordBulkApply counts the per-device outcomes of a bulk operation.
func (m *Manager) RecordBulkApply(succeeded, failed int) {
	m.bulkDevicesTotal.WithLabelValues("success").Add(float64(succeeded))
	m.bulkDevicesTotal.WithLabelValues("failure").Add(float64(failed))
}

// RecordUnlockDecision counts an unlock request lifecycle event.
// Decision is one of submitted, approved, denied, withdrawn.
func (m *Manager) RecordUnlockDecision(decision string) {
	m.unlockDecisionsTotal.WithLabelValues(decision).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments HTTP requests. Path is the route template, not the
// raw URL, to keep label cardinality bounded.
func (m *Manager) Middleware(routePath func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			path := routePath(r)
			m.httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			m.httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
