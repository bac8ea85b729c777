package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/malbeclabs/fleetlake/registry/pkg/metrics"
)

// BuildFunc computes a payload from scratch.
type BuildFunc[V any] func(ctx context.Context) (V, error)

// Result is delivered by RefreshAsync.
type Result[V any] struct {
	Value V
	Err   error
}

type Config struct {
	Logger  *slog.Logger
	Backend Backend
	Key     string
	Clock   clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.Key == "" {
		return errors.New("key is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type memEntry[V any] struct {
	fingerprint Fingerprint
	value       V
}

type updateFunc[V any] func(V) (V, error)

// Cache is a materialized aggregate stored under one key. A payload is valid
// only while its fingerprint equals the caller's current fingerprint, and the
// fingerprint is re-checked on every read.
//
// Invalidate must be called before rebuilding for a new configuration.
// Refresh does both in that order and is the rebuild entry point for callers.
type Cache[V any] struct {
	log   *slog.Logger
	cfg   Config
	group singleflight.Group

	// writeMu serializes every change to the persisted entry and the memory
	// copy. gen is bumped by Invalidate so builds that started earlier never
	// store their result. A non-empty target is the only fingerprint builds
	// may store until the next invalidation.
	writeMu sync.Mutex
	mu      sync.RWMutex
	mem     *memEntry[V]
	gen     uint64
	target  Fingerprint

	// building maps the fingerprint of each in-flight build to its
	// generation; pending holds updates that arrived while it ran. Both are
	// guarded by writeMu.
	building map[Fingerprint]uint64
	pending  map[Fingerprint][]updateFunc[V]
}

func New[V any](cfg Config) (*Cache[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Cache[V]{
		log:      cfg.Logger.With("cache", cfg.Key),
		cfg:      cfg,
		building: make(map[Fingerprint]uint64),
		pending:  make(map[Fingerprint][]updateFunc[V]),
	}, nil
}

func (c *Cache[V]) Key() string {
	return c.cfg.Key
}

// Read returns the payload valid for fp, rebuilding it when neither the
// memory copy nor the persisted entry carries fp. Concurrent misses share one
// build. A cancelled caller returns early; the build itself keeps running and
// still populates the cache.
func (c *Cache[V]) Read(ctx context.Context, fp Fingerprint, build BuildFunc[V]) (V, error) {
	var zero V

	if v, ok := c.fromMemory(fp); ok {
		metrics.CacheReadsTotal.WithLabelValues(c.cfg.Key, "memory").Inc()
		return v, nil
	}

	gen := c.generation()
	entry, err := c.cfg.Backend.Load(ctx, c.cfg.Key)
	switch {
	case err == nil && entry.Fingerprint == fp:
		var v V
		if err := json.Unmarshal(entry.Payload, &v); err != nil {
			// A payload that no longer decodes is treated like a miss.
			c.log.Warn("cache: failed to decode persisted payload, rebuilding", "error", err)
			break
		}
		c.setMemory(gen, fp, v)
		metrics.CacheReadsTotal.WithLabelValues(c.cfg.Key, "persisted").Inc()
		return v, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return zero, err
	}

	metrics.CacheReadsTotal.WithLabelValues(c.cfg.Key, "rebuild").Inc()
	ch := c.group.DoChan(strconv.FormatUint(gen, 10)+"|"+string(fp), func() (any, error) {
		return c.build(context.WithoutCancel(ctx), gen, fp, build)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// Invalidate drops the memory copy and the persisted entry unconditionally.
func (c *Cache[V]) Invalidate(ctx context.Context) error {
	return c.invalidate(ctx, "")
}

// InvalidateFor is Invalidate for a move to fingerprint fp. Until the next
// invalidation, builds for any other fingerprint return their result to
// their caller without storing it.
func (c *Cache[V]) InvalidateFor(ctx context.Context, fp Fingerprint) error {
	return c.invalidate(ctx, fp)
}

func (c *Cache[V]) invalidate(ctx context.Context, target Fingerprint) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.gen++
	c.mem = nil
	c.target = target
	c.mu.Unlock()
	clear(c.building)
	clear(c.pending)

	metrics.CacheInvalidationsTotal.WithLabelValues(c.cfg.Key).Inc()
	if err := c.cfg.Backend.Delete(ctx, c.cfg.Key); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", c.cfg.Key, err)
	}
	c.log.Debug("cache: invalidated")
	return nil
}

// Refresh invalidates and then rebuilds for fp.
func (c *Cache[V]) Refresh(ctx context.Context, fp Fingerprint, build BuildFunc[V]) (V, error) {
	if err := c.Invalidate(ctx); err != nil {
		var zero V
		return zero, err
	}
	return c.Read(ctx, fp, build)
}

// RefreshAsync runs Refresh on its own goroutine. The returned channel
// receives exactly one result and is then closed.
func (c *Cache[V]) RefreshAsync(ctx context.Context, fp Fingerprint, build BuildFunc[V]) <-chan Result[V] {
	out := make(chan Result[V], 1)
	go func() {
		defer close(out)
		v, err := c.Refresh(ctx, fp, build)
		out <- Result[V]{Value: v, Err: err}
	}()
	return out
}

// Update rewrites a valid payload in place. While a build for fp is in
// flight, fn is also queued and applied to the built payload before it is
// stored. Update reports false when nothing is stored or building for fp,
// and false when fn returns ErrSkipUpdate. fn must not mutate its argument
// and must be safe to apply to a payload that already reflects its change.
func (c *Cache[V]) Update(ctx context.Context, fp Fingerprint, fn func(V) (V, error)) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	queued := false
	if gen, ok := c.building[fp]; ok && gen == c.generation() {
		c.pending[fp] = append(c.pending[fp], fn)
		queued = true
	}

	current, ok := c.fromMemory(fp)
	if !ok {
		entry, err := c.cfg.Backend.Load(ctx, c.cfg.Key)
		if errors.Is(err, ErrNotFound) {
			return queued, nil
		}
		if err != nil {
			return queued, err
		}
		if entry.Fingerprint != fp {
			return queued, nil
		}
		if err := json.Unmarshal(entry.Payload, &current); err != nil {
			return false, fmt.Errorf("failed to decode %s payload: %w", c.cfg.Key, err)
		}
	}

	next, err := fn(current)
	if errors.Is(err, ErrSkipUpdate) {
		return queued, nil
	}
	if err != nil {
		return queued, err
	}
	if err := c.persist(ctx, fp, next); err != nil {
		return queued, err
	}
	c.mu.Lock()
	c.mem = &memEntry[V]{fingerprint: fp, value: next}
	c.mu.Unlock()
	return true, nil
}

// Stored returns the fingerprint of the persisted entry, if any.
func (c *Cache[V]) Stored(ctx context.Context) (Fingerprint, bool, error) {
	entry, err := c.cfg.Backend.Load(ctx, c.cfg.Key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Fingerprint, true, nil
}

func (c *Cache[V]) build(ctx context.Context, gen uint64, fp Fingerprint, build BuildFunc[V]) (v V, err error) {
	start := c.cfg.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while building %s: %v", c.cfg.Key, r)
			c.writeMu.Lock()
			if g, ok := c.building[fp]; ok && g == gen {
				delete(c.building, fp)
				delete(c.pending, fp)
			}
			c.writeMu.Unlock()
		}
		metrics.RecordCacheRebuild(c.cfg.Key, c.cfg.Clock.Since(start), err)
		if err != nil {
			c.log.Error("cache: rebuild failed", "error", err)
		}
	}()

	c.writeMu.Lock()
	if c.generation() == gen {
		c.building[fp] = gen
	}
	c.writeMu.Unlock()

	c.log.Info("cache: rebuilding")
	v, err = build(ctx)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	edits := c.pending[fp]
	if g, ok := c.building[fp]; ok && g == gen {
		delete(c.building, fp)
		delete(c.pending, fp)
	} else {
		edits = nil
	}
	if err != nil {
		return v, fmt.Errorf("failed to build %s: %w", c.cfg.Key, err)
	}
	if c.generation() != gen {
		c.log.Info("cache: invalidated during rebuild, discarding result")
		return v, nil
	}
	if !c.accepts(fp) {
		c.log.Info("cache: built for a superseded fingerprint, not storing")
		return v, nil
	}
	v = c.applyPending(v, edits)
	if err := c.persist(ctx, fp, v); err != nil {
		return v, err
	}
	c.mu.Lock()
	c.mem = &memEntry[V]{fingerprint: fp, value: v}
	c.mu.Unlock()
	c.log.Info("cache: rebuilt", "duration", c.cfg.Clock.Since(start).String())
	return v, nil
}

func (c *Cache[V]) persist(ctx context.Context, fp Fingerprint, v V) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", c.cfg.Key, err)
	}
	return c.cfg.Backend.Store(ctx, c.cfg.Key, Entry{Fingerprint: fp, Payload: payload})
}

func (c *Cache[V]) fromMemory(fp Fingerprint) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mem == nil || c.mem.fingerprint != fp {
		var zero V
		return zero, false
	}
	return c.mem.value, true
}

// applyPending runs updates queued during a build, in arrival order.
func (c *Cache[V]) applyPending(v V, edits []updateFunc[V]) V {
	for _, fn := range edits {
		next, err := fn(v)
		if errors.Is(err, ErrSkipUpdate) {
			continue
		}
		if err != nil {
			c.log.Warn("cache: failed to apply update queued during rebuild", "error", err)
			continue
		}
		v = next
	}
	if len(edits) > 0 {
		c.log.Debug("cache: applied queued updates", "count", len(edits))
	}
	return v
}

func (c *Cache[V]) setMemory(gen uint64, fp Fingerprint, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen && (c.target == "" || c.target == fp) {
		c.mem = &memEntry[V]{fingerprint: fp, value: v}
	}
}

func (c *Cache[V]) accepts(fp Fingerprint) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target == "" || c.target == fp
}

func (c *Cache[V]) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}
