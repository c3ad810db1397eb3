// Package server exposes the engine over HTTP: ingestion, queries,
// websocket streaming, and the admin/lifecycle surface.
package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/espwatch/espwatch/internal/config"
	"github.com/espwatch/espwatch/internal/logging"
	"github.com/espwatch/espwatch/internal/telemetry"
)

var log = logging.Component("server")

// Server is the HTTP surface over a telemetry service.
type Server struct {
	cfg  *config.Config
	svc  *telemetry.Service
	auth Authorizer
	http *http.Server
}

// New creates the server. A nil authorizer falls back to the role-header
// authorizer.
func New(cfg *config.Config, svc *telemetry.Service, auth Authorizer) *Server {
	if auth == nil {
		auth = RoleAuthorizer{}
	}

	s := &Server{cfg: cfg, svc: svc, auth: auth}

	s.http = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	// Ingestion.
	r.HandleFunc("/v1/readings", s.guard(OpIngest, s.handleIngest)).Methods(http.MethodPost)

	// Queries.
	r.HandleFunc("/v1/telemetry", s.guard(OpQuery, s.handleTelemetry)).Methods(http.MethodGet)
	r.HandleFunc("/v1/diagnoses", s.guard(OpQuery, s.handleDiagnoses)).Methods(http.MethodGet)
	r.HandleFunc("/v1/entities", s.guard(OpQuery, s.handleEntities)).Methods(http.MethodGet)
	r.HandleFunc("/v1/chunks", s.guard(OpQuery, s.handleChunks)).Methods(http.MethodGet)

	// Streaming.
	r.HandleFunc("/v1/stream", s.guard(OpStream, s.handleStream)).Methods(http.MethodGet)

	// Admin / lifecycle.
	r.HandleFunc("/v1/admin/backups", s.guard(OpAdmin, s.handleCreateBackup)).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/backups", s.guard(OpAdmin, s.handleListBackups)).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/backups/{id}/verify", s.guard(OpAdmin, s.handleVerifyBackup)).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/restore", s.guard(OpAdmin, s.handleRestore)).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/lifecycle/run", s.guard(OpAdmin, s.handleRunCycle)).Methods(http.MethodPost)
	r.HandleFunc("/v1/lifecycle/status", s.guard(OpQuery, s.handleLifecycleStatus)).Methods(http.MethodGet)

	// Health.
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	return r
}

// guard wraps a handler with authorization.
func (s *Server) guard(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Authorize(r, op); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

// ListenAndServe serves until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	log.Info("http server listening", "addr", s.cfg.Server.Listen)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
