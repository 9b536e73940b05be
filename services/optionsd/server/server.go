package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nhboptions/gateway/middleware"
	nativecommon "nhboptions/native/common"
	"nhboptions/native/options"
	"nhboptions/observability"
	"nhboptions/services/optionsd/storage"
)

const (
	// ScopeAdmin guards treasury and operator endpoints.
	ScopeAdmin = "options:admin"
	// ScopeSettle guards settlement.
	ScopeSettle = "options:settle"

	serviceName = "optionsd"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress  string
	AllowCredit    bool
	AllowedOrigins []string
}

// Ledger exposes the balance ledger behind the engine.
type Ledger interface {
	Balance(addr common.Address) (uint64, error)
	Credit(addr common.Address, amount uint64) error
}

// Journal reads back committed engine events.
type Journal interface {
	ListEvents(ctx context.Context, after int64, limit int) ([]storage.JournalEntry, error)
	EscrowEvents(ctx context.Context, escrowID [32]byte) ([]storage.JournalEntry, error)
}

// Deps carries the collaborators the server fronts.
type Deps struct {
	Engine  *options.Engine
	Ledger  Ledger
	Pauses  *nativecommon.PauseSet
	Journal Journal
	Stream  *Stream
	Auth    *middleware.Authenticator
	Limiter *middleware.RateLimiter
	Logger  *slog.Logger
	Metrics *observability.OptionsMetrics
}

// Server exposes the options engine over JSON HTTP.
type Server struct {
	cfg     Config
	engine  *options.Engine
	ledger  Ledger
	pauses  *nativecommon.PauseSet
	journal Journal
	stream  *Stream
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	logger  *slog.Logger
	metrics *observability.OptionsMetrics
}

// New constructs a new HTTP server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if deps.Pauses == nil {
		deps.Pauses = nativecommon.NewPauseSet()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		engine:  deps.Engine,
		ledger:  deps.Ledger,
		pauses:  deps.Pauses,
		journal: deps.Journal,
		stream:  deps.Stream,
		auth:    deps.Auth,
		limiter: deps.Limiter,
		logger:  deps.Logger.With(slog.String("component", "server")),
		metrics: deps.Metrics,
	}, nil
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Observe(serviceName, s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware())
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Route("/v1", func(r chi.Router) {
			r.Get("/treasury", s.handleTreasury)
			r.With(middleware.RequireScopes(ScopeAdmin)).Post("/treasury/initialize", s.handleInitialize)
			r.With(middleware.RequireScopes(ScopeAdmin)).Post("/treasury/withdraw", s.handleTreasuryWithdraw)

			r.Post("/escrows", s.handleCreate)
			r.Route("/escrows/{id}", func(r chi.Router) {
				r.Get("/", s.handleEscrow)
				r.Post("/match", s.handleMatch)
				r.With(middleware.RequireScopes(ScopeSettle)).Post("/settle", s.handleSettle)
				r.Post("/withdraw", s.handleWithdraw)
			})

			r.Get("/accounts/{address}", s.handleAccount)
			r.Get("/events", s.handleEvents)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireScopes(ScopeAdmin))
			r.Post("/credit", s.handleCredit)
			r.Post("/pause", s.handlePause)
		})
	})

	return otelhttp.NewHandler(r, serviceName)
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.stream != nil {
			s.stream.Close()
		}
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("address", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.pauses.IsPaused(options.ModuleName) {
		status = "paused"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// requestID propagates X-Request-ID, minting a uuid when the caller sent none.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(chimw.RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(chimw.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), chimw.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
