package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/fleetlake/registry/pkg/postgres"
)

// ErrNotFound is returned by a Backend when no entry is stored for a key.
var ErrNotFound = errors.New("cache entry not found")

// ErrSkipUpdate may be returned by an Update func to leave the entry as is.
var ErrSkipUpdate = errors.New("skip update")

// Fingerprint identifies the configuration a payload was computed under.
type Fingerprint string

// Entry is a persisted cache payload together with its fingerprint.
type Entry struct {
	Fingerprint Fingerprint
	Payload     []byte
	UpdatedAt   time.Time
}

// Backend persists cache entries. Payloads are JSON documents.
type Backend interface {
	Load(ctx context.Context, key string) (Entry, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
}

// PostgresBackend stores entries in the materialized_cache table, next to the
// fact data, so they survive restarts.
type PostgresBackend struct {
	db postgres.Querier
}

func NewPostgresBackend(db postgres.Querier) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Load(ctx context.Context, key string) (Entry, error) {
	var (
		e  Entry
		fp string
	)
	err := b.db.QueryRow(ctx,
		`SELECT fingerprint, payload, updated_at FROM materialized_cache WHERE cache_key = $1`,
		key,
	).Scan(&fp, &e.Payload, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load cache entry %q: %w", key, err)
	}
	e.Fingerprint = Fingerprint(fp)
	return e, nil
}

func (b *PostgresBackend) Store(ctx context.Context, key string, entry Entry) error {
	_, err := b.db.Exec(ctx, `
		INSERT INTO materialized_cache (cache_key, fingerprint, payload, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (cache_key) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint,
		    payload = EXCLUDED.payload,
		    updated_at = EXCLUDED.updated_at`,
		key, string(entry.Fingerprint), string(entry.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %q: %w", key, err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM materialized_cache WHERE cache_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry %q: %w", key, err)
	}
	return nil
}

// MemoryBackend keeps entries in process memory. Used by tests and by
// deployments that accept paying the first build on every launch.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (b *MemoryBackend) Load(_ context.Context, key string) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Payload = append([]byte(nil), e.Payload...)
	return e, nil
}

func (b *MemoryBackend) Store(_ context.Context, key string, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry.Payload = append([]byte(nil), entry.Payload...)
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	b.entries[key] = entry
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}
