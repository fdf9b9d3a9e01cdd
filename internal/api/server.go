// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/media-vault/internal/circuitbreaker"
	"github.com/media-vault/internal/logging"
	"github.com/media-vault/internal/models"
	"github.com/media-vault/internal/ratelimit"
	"github.com/media-vault/internal/service"
)

// Service interfaces for dependency injection and testing

// DownloadServiceInterface defines the interface for download operations
type DownloadServiceInterface interface {
	Submit(ctx context.Context, input *service.SubmitInput) (*models.DownloadJob, error)
	Get(ctx context.Context, userID, jobID string) (*service.DownloadView, error)
	List(ctx context.Context, userID string, limit int) ([]*models.DownloadJob, error)
	Cancel(ctx context.Context, userID, jobID string) error
	Archive(ctx context.Context, userID, jobID string) error
	Unarchive(ctx context.Context, userID, jobID string) error
	DownloadLink(ctx context.Context, userID, jobID string) (string, error)
}

// ReconcilerInterface defines the interface for the operator reconcile trigger
type ReconcilerInterface interface {
	ReconcileBatch(ctx context.Context, limit int) (*models.SweepReport, error)
}

// RetentionInterface defines the interface for operator retention triggers
type RetentionInterface interface {
	RunBatchCleanup(ctx context.Context) (*models.CleanupRun, error)
	MaintainAllUserQuotas(ctx context.Context) (*models.QuotaMaintenanceReport, error)
	EmergencyCleanup(ctx context.Context, olderThan time.Duration) (*models.CleanupRun, error)
}

// BreakerStatsProvider exposes circuit breaker state for the admin surface
type BreakerStatsProvider interface {
	GetAllStats() map[string]*circuitbreaker.Stats
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	downloads  DownloadServiceInterface
	reconciler ReconcilerInterface
	retention  RetentionInterface
	breakers   BreakerStatsProvider
	limiter    *ratelimit.Limiter
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new API server instance. reconciler, retention,
// breakers and limiter are optional.
func NewServer(
	config *ServerConfig,
	downloads DownloadServiceInterface,
	reconciler ReconcilerInterface,
	retention RetentionInterface,
	breakers BreakerStatsProvider,
	limiter *ratelimit.Limiter,
) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		downloads:  downloads,
		reconciler: reconciler,
		retention:  retention,
		breakers:   breakers,
		limiter:    limiter,
		config:     config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Order matters: logging wraps recovery so panics still produce a log line.
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	if s.limiter != nil {
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Download endpoints
	api.HandleFunc("/downloads", s.handleSubmitDownload).Methods("POST")
	api.HandleFunc("/downloads", s.handleListDownloads).Methods("GET")
	api.HandleFunc("/downloads/{id}", s.handleGetDownload).Methods("GET")
	api.HandleFunc("/downloads/{id}", s.handleCancelDownload).Methods("DELETE")
	api.HandleFunc("/downloads/{id}/archive", s.handleArchiveDownload).Methods("POST")
	api.HandleFunc("/downloads/{id}/archive", s.handleUnarchiveDownload).Methods("DELETE")
	api.HandleFunc("/downloads/{id}/link", s.handleDownloadLink).Methods("GET")

	// Operator endpoints (no per-user rate limiting headers expected)
	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/reconcile", s.handleTriggerReconcile).Methods("POST")
	admin.HandleFunc("/cleanup", s.handleTriggerCleanup).Methods("POST")
	admin.HandleFunc("/cleanup/emergency", s.handleEmergencyCleanup).Methods("POST")
	admin.HandleFunc("/quotas", s.handleMaintainQuotas).Methods("POST")
	admin.HandleFunc("/breakers", s.handleBreakerStats).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "media-vault",
	})
}

// Router exposes the configured router. Used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
