// Package server is the HTTP surface of coworkerd.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/api"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/audit"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/auth"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/coworker"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/observability"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/persona"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Options configures the middleware chain.
type Options struct {
	// Validator enables bearer authentication. Nil means header identity.
	Validator *auth.JWTValidator
	// Limiter and TenantPolicy throttle authenticated callers per tenant.
	Limiter      auth.LimiterStore
	TenantPolicy auth.Policy
	// GlobalRPS and GlobalBurst bound each client address before auth.
	GlobalRPS   int
	GlobalBurst int
	CORSOrigins []string
	Idempotency api.IdempotencyStorer
	Logger      *slog.Logger
}

// Server defines the HTTP server for the coworker API.
type Server struct {
	svc      *coworker.Service
	registry *persona.Registry
	exporter *audit.Exporter
	auditor  audit.Logger
	obs      *observability.Provider
	checks   map[string]ReadinessCheck
	opts     Options
	logger   *slog.Logger
}

// New creates a Server. exporter and auditor may be nil.
func New(svc *coworker.Service, registry *persona.Registry, exporter *audit.Exporter, auditor audit.Logger, obs *observability.Provider, opts Options) *Server {
	if obs == nil {
		obs = observability.Noop()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:      svc,
		registry: registry,
		exporter: exporter,
		auditor:  auditor,
		obs:      obs,
		checks:   make(map[string]ReadinessCheck),
		opts:     opts,
		logger:   logger.With("component", "server"),
	}
}

// AddReadinessCheck registers a dependency checked by /readiness.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checks[name] = check
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/personas", s.handlePersonas)
	mux.HandleFunc("GET /v1/actions", s.handleListActions)
	mux.HandleFunc("GET /v1/actions/{id}", s.handleGetAction)
	mux.HandleFunc("POST /v1/actions/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/actions/{id}/reject", s.handleReject)
	mux.HandleFunc("GET /v1/audit/export", s.handleAuditExport)
	mux.HandleFunc("GET /v1/slo", s.handleSLOStatus)

	var h http.Handler = mux
	h = api.IdempotencyMiddleware(s.opts.Idempotency, tenantScope)(h)
	h = auth.RateLimitMiddleware(s.opts.Limiter, s.opts.TenantPolicy)(h)
	h = auth.NewMiddleware(s.opts.Validator)(h)
	if len(s.opts.CORSOrigins) > 0 {
		h = auth.CORSMiddleware(s.opts.CORSOrigins)(h)
	}
	if s.opts.GlobalRPS > 0 {
		h = api.NewGlobalRateLimiter(s.opts.GlobalRPS, s.opts.GlobalBurst).Middleware(h)
	}
	h = api.RequestLogger(s.logger)(h)
	h = auth.RequestIDMiddleware(h)
	return api.Recoverer(h)
}

// ListenAndServe serves on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("coworker API listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("shutting down coworker API")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func tenantScope(r *http.Request) string {
	tenantID, _ := auth.GetTenantID(r.Context())
	return tenantID
}
