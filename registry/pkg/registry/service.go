package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fleetlake/registry/pkg/cache"
	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/ingest"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	"github.com/malbeclabs/fleetlake/registry/pkg/postgres"
	"github.com/malbeclabs/fleetlake/registry/pkg/query"
	"github.com/malbeclabs/fleetlake/registry/pkg/regularization"
	"github.com/malbeclabs/fleetlake/utils/pkg/retry"
)

// errRebuildSuperseded ends a rebuild whose partition was replaced while it
// ran.
var errRebuildSuperseded = fmt.Errorf("%w: partition changed during cache rebuild", query.ErrSuperseded)

type Config struct {
	Logger    *slog.Logger
	DB        postgres.DB
	Partition periods.Partition
	// CacheBackend defaults to the materialized_cache table in DB.
	CacheBackend        cache.Backend
	VehicleTypePriority []string
	RoadWear            *query.RoadWearConfig
	Retry               retry.Config
	Clock               clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if err := cfg.Partition.Validate(); err != nil {
		return fmt.Errorf("invalid partition: %w", err)
	}
	if cfg.CacheBackend == nil {
		cfg.CacheBackend = cache.NewPostgresBackend(cfg.DB)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service ties the registry components to one period partition. Every
// read and edit runs under the partition current at its start.
type Service struct {
	log        *slog.Logger
	cfg        Config
	store      *dimension.Store
	resolver   *regularization.Resolver
	translator *query.Translator
	ingester   *ingest.Ingester
	sequencers query.Sequencers

	mu        sync.RWMutex
	partition periods.Partition
	// epoch is bumped on every partition change.
	epoch uint64

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	store, err := dimension.NewStore(dimension.StoreConfig{Logger: cfg.Logger, DB: cfg.DB})
	if err != nil {
		return nil, fmt.Errorf("failed to create dimension store: %w", err)
	}
	resolver, err := regularization.NewResolver(regularization.Config{
		Logger:              cfg.Logger,
		Store:               store,
		CacheBackend:        cfg.CacheBackend,
		VehicleTypePriority: cfg.VehicleTypePriority,
		Clock:               cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}
	translator, err := query.NewTranslator(query.Config{
		Logger:   cfg.Logger,
		Store:    store,
		Mappings: resolver,
		RoadWear: cfg.RoadWear,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create translator: %w", err)
	}
	ingester, err := ingest.NewIngester(ingest.Config{
		Logger: cfg.Logger,
		Store:  store,
		Retry:  cfg.Retry,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingester: %w", err)
	}

	return &Service{
		log:        cfg.Logger,
		cfg:        cfg,
		store:      store,
		resolver:   resolver,
		translator: translator,
		ingester:   ingester,
		partition:  cfg.Partition,
		readyCh:    make(chan struct{}),
	}, nil
}

func (s *Service) Resolver() *regularization.Resolver { return s.resolver }

func (s *Service) Store() *dimension.Store { return s.store }

// Partition returns the current period partition.
func (s *Service) Partition() periods.Partition {
	p, _ := s.current()
	return p
}

func (s *Service) current() (periods.Partition, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partition, s.epoch
}

func (s *Service) superseded(epoch uint64) error {
	if _, current := s.current(); current != epoch {
		return errRebuildSuperseded
	}
	return nil
}

func (s *Service) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

func (s *Service) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for registry: %w", ctx.Err())
	}
}

// Start warms both caches for the configured partition off the caller's
// goroutine. The service becomes ready once the warm-up succeeds.
func (s *Service) Start(ctx context.Context) {
	go func() {
		p, epoch := s.current()
		s.log.Info("registry: warming caches", "curated", p.Curated, "uncurated", p.Uncurated)
		err := retry.Do(ctx, s.cfg.Retry, func() error {
			return s.warm(ctx, p, epoch)
		})
		if err != nil {
			s.reportRebuildFailure(err, "start")
		}
	}()
}

// SetPartition replaces the period partition. Both caches are invalidated
// before it returns; the rebuild runs in the background and its outcome is
// delivered once on the returned channel. A rebuild still running for an
// earlier partition stops without storing and reports a superseded error.
func (s *Service) SetPartition(ctx context.Context, p periods.Partition) (<-chan error, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.resolver.InvalidateFor(ctx, p); err != nil {
		// Point the caches back at the partition still in force.
		if rerr := s.resolver.InvalidateFor(ctx, s.partition); rerr != nil {
			s.log.Error("registry: failed to restore cache target", "error", rerr)
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to invalidate caches: %w", err)
	}
	s.epoch++
	epoch := s.epoch
	s.partition = p
	s.mu.Unlock()

	s.log.Info("registry: partition changed", "curated", p.Curated, "uncurated", p.Uncurated)
	return s.rebuildAsync(ctx, p, epoch, "set_partition"), nil
}

// Refresh invalidates and rebuilds both caches under the current partition,
// for use after new facts are ingested.
func (s *Service) Refresh(ctx context.Context) (<-chan error, error) {
	s.mu.RLock()
	p, epoch := s.partition, s.epoch
	err := s.resolver.InvalidateFor(ctx, p)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to invalidate caches: %w", err)
	}
	return s.rebuildAsync(ctx, p, epoch, "refresh"), nil
}

func (s *Service) rebuildAsync(ctx context.Context, p periods.Partition, epoch uint64, reason string) <-chan error {
	done := make(chan error, 1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		err := s.warm(ctx, p, epoch)
		if err != nil {
			s.reportRebuildFailure(err, reason)
		}
		done <- err
	}()
	return done
}

// warm reads both caches, building whatever is missing, and marks the
// service ready on success. It gives up between steps once epoch is no
// longer current.
func (s *Service) warm(ctx context.Context, p periods.Partition, epoch uint64) error {
	start := s.cfg.Clock.Now()
	if err := s.superseded(epoch); err != nil {
		return err
	}
	if _, err := s.resolver.CanonicalHierarchy(ctx, p); err != nil {
		return fmt.Errorf("failed to build canonical hierarchy: %w", err)
	}
	if err := s.superseded(epoch); err != nil {
		return err
	}
	if _, err := s.resolver.UncuratedPairs(ctx, p, false); err != nil {
		return fmt.Errorf("failed to build uncurated pairs: %w", err)
	}
	if err := s.superseded(epoch); err != nil {
		return err
	}
	s.readyOnce.Do(func() {
		close(s.readyCh)
		s.log.Info("registry: service is now ready")
	})
	s.log.Info("registry: caches warmed", "duration", s.cfg.Clock.Since(start))
	return nil
}

func (s *Service) reportRebuildFailure(err error, reason string) {
	if errors.Is(err, errRebuildSuperseded) {
		s.log.Info("registry: cache rebuild superseded by a newer partition", "reason", reason)
		return
	}
	s.log.Error("registry: cache rebuild failed", "reason", reason, "error", err)
	hub := sentry.CurrentHub().Clone()
	hub.Scope().SetTag("component", "registry")
	hub.Scope().SetTag("rebuild_reason", reason)
	hub.CaptureException(err)
}

// Ingest writes one batch of raw records. Caches are left as they are;
// callers refresh once a load is complete.
func (s *Service) Ingest(ctx context.Context, raw []ingest.RawRecord) (ingest.Result, error) {
	return s.ingester.IngestBatch(ctx, raw)
}

// Query runs spec under the current partition. A non-empty channel name
// sequences the request against earlier ones on the same channel.
func (s *Service) Query(ctx context.Context, channel string, spec query.FilterSpec) (query.Result, error) {
	p := s.Partition()
	if channel == "" {
		return s.translator.Execute(ctx, p, spec)
	}
	return s.translator.ExecuteSequenced(ctx, s.sequencers.For(channel), p, spec)
}

func (s *Service) CanonicalHierarchy(ctx context.Context) (regularization.CanonicalHierarchy, error) {
	return s.resolver.CanonicalHierarchy(ctx, s.Partition())
}

func (s *Service) UncuratedPairs(ctx context.Context, includeExactMatches bool) ([]regularization.UncuratedPair, error) {
	return s.resolver.UncuratedPairs(ctx, s.Partition(), includeExactMatches)
}

func (s *Service) Summary(ctx context.Context) (regularization.Summary, error) {
	return s.resolver.Summary(ctx, s.Partition())
}

// Mapping edits hold the read lock so a partition change cannot land
// between the write and its status update.

func (s *Service) SaveMapping(ctx context.Context, in regularization.MappingInput) (regularization.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver.SaveMapping(ctx, s.partition, in)
}

func (s *Service) CreateMapping(ctx context.Context, in regularization.MappingInput) (regularization.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver.CreateMapping(ctx, s.partition, in)
}

func (s *Service) DeleteMapping(ctx context.Context, pair regularization.Pair, period *int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver.DeleteMapping(ctx, s.partition, pair, period)
}

func (s *Service) Mappings(ctx context.Context, pair regularization.Pair) ([]regularization.Mapping, error) {
	return s.resolver.Mappings(ctx, pair)
}

func (s *Service) AllMappings(ctx context.Context) ([]regularization.Mapping, error) {
	return s.resolver.AllMappings(ctx)
}

func (s *Service) Suggest(ctx context.Context, pair regularization.Pair) (regularization.MappingInput, bool, error) {
	return s.resolver.Suggest(ctx, s.Partition(), pair)
}

func (s *Service) AutoRegularize(ctx context.Context) (regularization.AutoResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver.AutoRegularize(ctx, s.partition)
}
