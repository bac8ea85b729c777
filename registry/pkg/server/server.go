package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/fleetlake/registry/pkg/ingest"
	"github.com/malbeclabs/fleetlake/registry/pkg/metrics"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	"github.com/malbeclabs/fleetlake/registry/pkg/query"
	"github.com/malbeclabs/fleetlake/registry/pkg/regularization"
)

// Registry is the service the API exposes.
type Registry interface {
	Ready() bool
	Partition() periods.Partition
	SetPartition(ctx context.Context, p periods.Partition) (<-chan error, error)
	Refresh(ctx context.Context) (<-chan error, error)
	Ingest(ctx context.Context, raw []ingest.RawRecord) (ingest.Result, error)
	Query(ctx context.Context, channel string, spec query.FilterSpec) (query.Result, error)
	CanonicalHierarchy(ctx context.Context) (regularization.CanonicalHierarchy, error)
	UncuratedPairs(ctx context.Context, includeExactMatches bool) ([]regularization.UncuratedPair, error)
	Summary(ctx context.Context) (regularization.Summary, error)
	SaveMapping(ctx context.Context, in regularization.MappingInput) (regularization.Mapping, error)
	CreateMapping(ctx context.Context, in regularization.MappingInput) (regularization.Mapping, error)
	DeleteMapping(ctx context.Context, pair regularization.Pair, period *int) error
	Mappings(ctx context.Context, pair regularization.Pair) ([]regularization.Mapping, error)
	AllMappings(ctx context.Context) ([]regularization.Mapping, error)
	Suggest(ctx context.Context, pair regularization.Pair) (regularization.MappingInput, bool, error)
	AutoRegularize(ctx context.Context) (regularization.AutoResult, error)
}

type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger         *slog.Logger
	Registry       Registry
	ListenAddr     string
	AllowedOrigins []string
	// QueryRate and QueryBurst limit query and ingest requests per client IP.
	QueryRate       rate.Limit
	QueryBurst      int
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	Build           BuildInfo
	Clock           clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:8080"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if cfg.QueryRate == 0 {
		cfg.QueryRate = rate.Every(time.Minute / 100)
	}
	if cfg.QueryBurst == 0 {
		cfg.QueryBurst = 20
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server is the registry HTTP API.
type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	limiter *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: NewRateLimiter(cfg.Clock, cfg.QueryRate, cfg.QueryBurst),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", queryChannelHeader},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequestSize(s.cfg.MaxBodyBytes))

		r.With(RateLimitMiddleware(s.limiter)).Post("/ingest", s.handleIngest)
		r.With(RateLimitMiddleware(s.limiter)).Post("/query", s.handleQuery)

		r.Route("/regularization", func(r chi.Router) {
			r.Get("/hierarchy", s.handleHierarchy)
			r.Get("/pairs", s.handlePairs)
			r.Get("/summary", s.handleSummary)
			r.Get("/suggest", s.handleSuggest)
			r.Get("/mappings", s.handleListMappings)
			r.Put("/mappings", s.handleSaveMapping)
			r.Post("/mappings", s.handleCreateMapping)
			r.Delete("/mappings", s.handleDeleteMapping)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/auto", s.handleAutoRegularize)
		})

		r.Get("/config/periods", s.handleGetPeriods)
		r.Put("/config/periods", s.handleSetPeriods)
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	s.limiter.StartCleanup(gctx)
	g.Go(func() error {
		s.log.Info("server: listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("server: shutting down", "timeout", s.cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
