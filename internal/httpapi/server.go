// Package httpapi is the node's admin and diagnostics surface: token
// issuance, status, connection and session listings, health, and the
// Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relayfabric/relayfabric/internal/cloudroute"
	"github.com/relayfabric/relayfabric/internal/registry"
	"github.com/relayfabric/relayfabric/internal/session"
	"github.com/relayfabric/relayfabric/pkg/fabric"
)

// Config holds the server wiring.
type Config struct {
	Addr   string
	NodeID string
	Scope  string

	// Secret signs admin API tokens.
	Secret string

	// NoAuth bypasses token checks on non-admin endpoints.
	NoAuth bool

	Registry *registry.Registry
	Sessions *session.Store
	Cloud    *cloudroute.Manager

	// Diagnosables are polled for the status report.
	Diagnosables []fabric.Diagnosable

	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer

	Log *zap.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg        Config
	log        *zap.Logger
	auth       *TokenAuth
	middleware *Middleware
	handlers   *Handlers
	server     *http.Server
	started    time.Time
}

// NewServer builds the server; call Start to begin listening.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	auth := NewTokenAuth(cfg.Secret)
	middleware := NewMiddleware(auth, cfg.Log, cfg.NoAuth)

	s := &Server{
		cfg:        cfg,
		log:        cfg.Log,
		auth:       auth,
		middleware: middleware,
		started:    time.Now(),
	}
	s.handlers = NewHandlers(s)

	s.server = &http.Server{
		Addr:           cfg.Addr,
		Handler:        s.routes(),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Start blocks serving until Stop or a listener error.
func (s *Server) Start() error {
	s.log.Info("admin api listening", zap.String("addr", s.cfg.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully drains the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.ContentType(h)))
	}

	mux.Handle("/v1/auth/token", wrap(s.handlers.IssueToken))
	mux.Handle("/v1/status", wrap(s.middleware.AuthRequired(s.handlers.Status)))
	mux.Handle("/v1/connections", wrap(s.middleware.AuthRequired(s.handlers.Connections)))
	mux.Handle("/v1/sessions", wrap(s.middleware.AdminRequired(s.handlers.Sessions)))
	mux.Handle("/healthz", wrap(s.handlers.Health))

	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
