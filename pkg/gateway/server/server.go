package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/voxly/interview-gateway/pkg/gateway/call"
	"github.com/voxly/interview-gateway/pkg/gateway/config"
	"github.com/voxly/interview-gateway/pkg/gateway/flow"
	"github.com/voxly/interview-gateway/pkg/gateway/guard"
	"github.com/voxly/interview-gateway/pkg/gateway/handlers"
	"github.com/voxly/interview-gateway/pkg/gateway/lifecycle"
	"github.com/voxly/interview-gateway/pkg/gateway/live/sessions"
	"github.com/voxly/interview-gateway/pkg/gateway/metrics"
	"github.com/voxly/interview-gateway/pkg/gateway/mw"
	"github.com/voxly/interview-gateway/pkg/gateway/ratelimit"
	"github.com/voxly/interview-gateway/pkg/gateway/store"
	"github.com/voxly/interview-gateway/pkg/gateway/token"
)

// Deps are the external collaborators the server routes traffic to. The
// caller owns their lifetimes; the server only wires them together.
type Deps struct {
	Tokens   *token.Store
	Ledger   handlers.Ledger
	Vendor   call.Vendor
	Attempts store.Store
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps      Deps
	guards    *guard.Chain
	flows     *flow.Registry
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	live      *sessions.Tracker
	limiter   *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		deps:      deps,
		guards:    guard.NewChain(cfg, deps.Tokens),
		metrics:   metrics.New(cfg.MetricsNamespace),
		lifecycle: &lifecycle.Lifecycle{},
		live:      sessions.NewTracker(),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:   cfg.LimitRPS,
			Burst: cfg.LimitBurst,
		}),
	}
	// Abandoning a flow invalidates any unspent session token for that
	// client session.
	s.flows = flow.NewRegistry(func(ctx context.Context, clientSession string) {
		if err := deps.Tokens.Consume(ctx, clientSession); err != nil {
			logger.Warn("abandon token consume failed", "error", err)
		}
	})

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/interviews/setup", handlers.SetupHandler{
		Config:   s.cfg,
		Guards:   s.guards,
		Flows:    s.flows,
		Tokens:   s.deps.Tokens,
		Ledger:   s.deps.Ledger,
		Attempts: s.deps.Attempts,
		Metrics:  s.metrics,
		Logger:   s.logger,
	})
	s.mux.Handle("/v1/interviews/live", handlers.LiveHandler{
		Config:       s.cfg,
		Guards:       s.guards,
		Flows:        s.flows,
		Tokens:       s.deps.Tokens,
		Ledger:       s.deps.Ledger,
		Vendor:       s.deps.Vendor,
		Attempts:     s.deps.Attempts,
		Metrics:      s.metrics,
		Logger:       s.logger,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.live,
	})
	s.mux.Handle("/v1/interviews/reset", handlers.ResetHandler{
		Config:  s.cfg,
		Guards:  s.guards,
		Flows:   s.flows,
		Metrics: s.metrics,
		Logger:  s.logger,
	})
	s.mux.Handle("/v1/interviews/attempts/{id}", handlers.AttemptHandler{
		Config:   s.cfg,
		Guards:   s.guards,
		Attempts: s.deps.Attempts,
		Metrics:  s.metrics,
		Logger:   s.logger,
	})
	s.mux.Handle("/v1/billing/balance", handlers.BalanceHandler{
		Config:  s.cfg,
		Guards:  s.guards,
		Ledger:  s.deps.Ledger,
		Metrics: s.metrics,
		Logger:  s.logger,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, h)
	h = mw.Identity(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Drain runs graceful shutdown of live connections: new live upgrades are
// refused, connected clients get a warning frame and the grace period to
// finish, then whatever remains is canceled.
func (s *Server) Drain(ctx context.Context) {
	s.lifecycle.BeginDrain()

	if n := s.live.WarnAll("draining", "the service is restarting, your interview will end shortly"); n > 0 {
		s.logger.Info("warned live connections", "count", n)
	}
	if s.live.Wait(ctx) {
		return
	}
	if n := s.live.CancelAll(); n > 0 {
		s.logger.Warn("canceled live connections at shutdown", "count", n)
	}
	s.live.Wait(context.Background())
}
