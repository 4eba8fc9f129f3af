package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"idemgate/internal/adapters/http/middleware"
	"idemgate/internal/adapters/http/perf"
	store "idemgate/internal/adapters/storage/idempotency"
	"idemgate/internal/application/orchestrators"
)

// RecoveryRunner runs one recovery tick on demand.
type RecoveryRunner interface {
	RunNow(ctx context.Context) (orchestrators.RecoveryReport, error)
}

// Config wires a Server.
type Config struct {
	Store store.Store
	// Engine carries the optional clock, stall alerter and tracer; its Store
	// field is overwritten with Store.
	Engine orchestrators.EngineDeps
	// Recovery backs POST /admin/recovery/run; nil answers 503.
	Recovery  RecoveryRunner
	Collector *perf.Collector
	// AdminTokenHash is a bcrypt hash; admin routes are not mounted when empty.
	AdminTokenHash []byte
	// RateLimitRPS is the per-IP budget; 0 disables limiting.
	RateLimitRPS float64
	SlowRequest  time.Duration
}

// Server serves the idemgate HTTP API.
type Server struct {
	engine    orchestrators.EngineDeps
	store     store.Store
	recovery  RecoveryRunner
	collector *perf.Collector
	adminHash []byte
	limiter   *middleware.IPRateLimiter
	slow      time.Duration
	docs      []byte
}

// NewServer builds a Server from cfg.
// PRE: cfg.Store is non-nil
// POST: Returns a server whose Handler is ready to mount
func NewServer(cfg Config) *Server {
	engine := cfg.Engine
	engine.Store = cfg.Store

	s := &Server{
		engine:    engine,
		store:     cfg.Store,
		recovery:  cfg.Recovery,
		collector: cfg.Collector,
		adminHash: cfg.AdminTokenHash,
		slow:      cfg.SlowRequest,
		docs:      renderDocs(),
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = middleware.NewIPRateLimiter(cfg.RateLimitRPS, 0)
	}
	return s
}

// Handler returns the routed, middleware-wrapped API.
// Middleware order (outer to inner): Recover, RequestID, Timing,
// SecurityHeaders, RateLimit.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recover,
		middleware.RequestID,
		middleware.Timing(s.collector, s.slow),
		middleware.SecurityHeaders,
		middleware.RateLimit(s.limiter),
	)

	r.Post("/acquire", s.handleAcquire)
	r.Post("/complete", s.handleComplete)
	r.Get("/health", s.handleHealth)
	r.Get("/docs", s.handleDocs)

	if len(s.adminHash) > 0 {
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminAuth(s.adminHash))
			r.Get("/records", s.handleAdminListRecords)
			r.Get("/records/{scope}/{key}", s.handleAdminGetRecord)
			r.Post("/recovery/run", s.handleAdminRunRecovery)
			r.Get("/perf", s.handleAdminPerf)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
