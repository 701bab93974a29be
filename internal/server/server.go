// Package server wires the settings service together: stores, the policy
// engine, the unlock workflow, bulk apply, the sync reconciler and the HTTP
// API, plus the background loops that keep them healthy.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/fleetcfg/fleetcfg/internal/api"
	"github.com/fleetcfg/fleetcfg/internal/audit"
	"github.com/fleetcfg/fleetcfg/internal/auth"
	"github.com/fleetcfg/fleetcfg/internal/bulk"
	"github.com/fleetcfg/fleetcfg/internal/cache"
	"github.com/fleetcfg/fleetcfg/internal/config"
	"github.com/fleetcfg/fleetcfg/internal/metrics"
	"github.com/fleetcfg/fleetcfg/internal/middleware"
	"github.com/fleetcfg/fleetcfg/internal/policy"
	"github.com/fleetcfg/fleetcfg/internal/registry"
	"github.com/fleetcfg/fleetcfg/internal/store"
	syncpkg "github.com/fleetcfg/fleetcfg/internal/sync"
	"github.com/fleetcfg/fleetcfg/internal/unlock"
)

// Server is the main fleetcfg server.
type Server struct {
	config *config.Config
	logger *logrus.Logger

	store      *store.Store
	auditStore *audit.SQLiteStore
	snapCache  *cache.Cache

	registry   *registry.Registry
	engine     *policy.Engine
	unlockSvc  *unlock.Service
	applier    *bulk.Applier
	reconciler *syncpkg.Reconciler

	authManager    *auth.Manager
	metricsManager *metrics.Manager

	httpServer *http.Server
}

// New creates a server with all subsystems initialized.
func New(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	s := &Server{
		config: cfg,
		logger: logger,
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "settings.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings store: %w", err)
	}
	s.store = st

	auditStore, err := audit.NewSQLiteStore(filepath.Join(cfg.DataDir, "audit.db"), logger)
	if err != nil {
		s.store.Close()
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	s.auditStore = auditStore

	snapCache, err := cache.Open(filepath.Join(cfg.DataDir, "cache"), logger)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to open snapshot cache: %w", err)
	}
	s.snapCache = snapCache

	s.registry = registry.New()
	s.engine = policy.NewEngine(s.store, s.registry, s.auditStore, logger)
	s.unlockSvc = unlock.NewService(s.engine, s.store, logger)

	s.applier = bulk.NewApplier(s.engine, logger)
	s.applier.SetDeviceTimeout(time.Duration(cfg.Bulk.DeviceTimeoutSeconds) * time.Second)

	if cfg.Sync.UpstreamURL != "" {
		client := syncpkg.NewHTTPClient(cfg.Sync.UpstreamURL, cfg.Sync.UpstreamToken,
			time.Duration(cfg.Sync.TimeoutSeconds)*time.Second)
		s.reconciler = syncpkg.NewReconciler(s.engine, s.store, client, s.snapCache, logger)
		s.reconciler.SetMaxRetries(uint64(cfg.Sync.MaxRetries))
		s.reconciler.SetAuthenticated(true)
		logger.WithField("upstream", cfg.Sync.UpstreamURL).Info("Sync reconciler enabled")
	} else {
		logger.Info("No upstream configured, sync reconciler disabled")
	}

	s.authManager = auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.EnableAuth, logger)
	if cfg.Metrics.Enable {
		s.metricsManager = metrics.NewManager()
	}

	return s, nil
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"listen":   s.config.Listen,
		"data_dir": s.config.DataDir,
		"tls":      s.config.EnableTLS,
	}).Info("Starting fleetcfg server")

	if s.reconciler != nil {
		go s.reconciler.Run(ctx, time.Duration(s.config.Sync.IntervalSeconds)*time.Second)
	}
	if s.config.Audit.RetentionDays > 0 {
		go s.runAuditRetention(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.startAPIServer()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		return s.shutdown()
	}
}

func (s *Server) startAPIServer() error {
	router := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var err error
	if s.config.EnableTLS {
		err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()

	if s.metricsManager != nil {
		router.Handle(s.config.Metrics.Path, s.metricsManager.Handler()).Methods("GET")
	}

	handler := api.NewHandler(s.engine, s.unlockSvc, s.applier, s.reconciler,
		s.store, s.auditStore, s.metricsManager, s.logger)
	handler.RegisterRoutes(router)

	router.Use(middleware.Logging(s.logger))
	router.Use(middleware.CORS())
	if s.metricsManager != nil {
		router.Use(s.metricsManager.Middleware(routeTemplate))
	}
	router.Use(s.apiAuth)

	recovery := gorillahandlers.RecoveryHandler(
		gorillahandlers.RecoveryLogger(s.logger),
		gorillahandlers.PrintRecoveryStack(true),
	)
	return recovery(gorillahandlers.CompressHandler(router))
}

// apiAuth enforces bearer tokens on /api/v1 only; health, readiness and
// metrics stay open for probes and scrapers.
func (s *Server) apiAuth(next http.Handler) http.Handler {
	authed := s.authManager.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/v1/") {
			authed.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// runAuditRetention purges old change entries once a day.
func (s *Server) runAuditRetention(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.auditStore.PurgeOlderThan(ctx, s.config.Audit.RetentionDays)
			if err != nil {
				s.logger.WithError(err).Error("Failed to purge change history")
				continue
			}
			if purged > 0 {
				s.logger.WithField("purged", purged).Info("Purged old change entries")
			}
		}
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shut down API server gracefully")
		}
	}

	s.closeStores()
	s.logger.Info("Server stopped")
	return nil
}

func (s *Server) closeStores() {
	if s.snapCache != nil {
		if err := s.snapCache.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close snapshot cache")
		}
	}
	if s.auditStore != nil {
		if err := s.auditStore.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close audit store")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close settings store")
		}
	}
}
