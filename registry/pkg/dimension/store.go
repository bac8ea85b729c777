package dimension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/fleetlake/registry/pkg/postgres"
)

type StoreConfig struct {
	Logger *slog.Logger
	DB     postgres.DB
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("postgres connection is required")
	}
	return nil
}

// Store assigns and resolves surrogate keys for every dimension.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// DB returns the connection the store reads from.
func (s *Store) DB() postgres.DB {
	return s.cfg.DB
}

// GetOrCreateID returns the id of value in dim, inserting it on first sight.
// Callers creating keys inside a batch must hold the dimension's key lock
// (see LockKeyCreation) so creation is linearized.
func (s *Store) GetOrCreateID(ctx context.Context, q postgres.Querier, dim Dimension, value string) (int32, error) {
	if !dim.Valid() {
		return 0, fmt.Errorf("unknown dimension %q", dim)
	}
	value = NormalizeValue(value)
	if value == "" {
		return 0, fmt.Errorf("empty %s value", dim)
	}

	query := fmt.Sprintf(`
		WITH ins AS (
			INSERT INTO %[1]s (value) VALUES ($1)
			ON CONFLICT (value) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM %[1]s WHERE value = $1
		LIMIT 1`, dim.Table())

	var id int32
	if err := q.QueryRow(ctx, query, value).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get or create %s id for %q: %w", dim, value, err)
	}
	return id, nil
}

// LockKeyCreation takes a transaction-scoped advisory lock serializing key
// creation for dim across concurrent batches.
func (s *Store) LockKeyCreation(ctx context.Context, tx pgx.Tx, dim Dimension) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", dim.Table()); err != nil {
		return fmt.Errorf("failed to lock %s key creation: %w", dim, err)
	}
	return nil
}

// Preload loads every value→id pair of dim.
func (s *Store) Preload(ctx context.Context, q postgres.Querier, dim Dimension) (map[string]int32, error) {
	rows, err := q.Query(ctx, fmt.Sprintf("SELECT id, value FROM %s", dim.Table()))
	if err != nil {
		return nil, fmt.Errorf("failed to preload %s: %w", dim, err)
	}
	defer rows.Close()

	ids := make(map[string]int32)
	for rows.Next() {
		var (
			id    int32
			value string
		)
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", dim, err)
		}
		ids[value] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", dim, err)
	}
	return ids, nil
}

// LookupIDs resolves values without creating anything. Values with no
// surrogate key are returned in missing.
func (s *Store) LookupIDs(ctx context.Context, dim Dimension, values []string) (map[string]int32, []string, error) {
	found := make(map[string]int32, len(values))
	if len(values) == 0 {
		return found, nil, nil
	}

	normalized := make([]string, 0, len(values))
	for _, v := range values {
		if v = NormalizeValue(v); v != "" {
			normalized = append(normalized, v)
		}
	}

	rows, err := s.cfg.DB.Query(ctx,
		fmt.Sprintf("SELECT id, value FROM %s WHERE value = ANY($1)", dim.Table()),
		normalized)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up %s ids: %w", dim, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int32
			value string
		)
		if err := rows.Scan(&id, &value); err != nil {
			return nil, nil, fmt.Errorf("failed to scan %s row: %w", dim, err)
		}
		found[value] = id
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating %s rows: %w", dim, err)
	}

	var missing []string
	for _, v := range normalized {
		if _, ok := found[v]; !ok && !slices.Contains(missing, v) {
			missing = append(missing, v)
		}
	}
	return found, missing, nil
}

// LookupID resolves a single value. ok is false when it has no key.
func (s *Store) LookupID(ctx context.Context, dim Dimension, value string) (int32, bool, error) {
	found, _, err := s.LookupIDs(ctx, dim, []string{value})
	if err != nil {
		return 0, false, err
	}
	id, ok := found[NormalizeValue(value)]
	return id, ok, nil
}

// Labels returns the id→value map of dim.
func (s *Store) Labels(ctx context.Context, dim Dimension) (map[int32]string, error) {
	ids, err := s.Preload(ctx, s.cfg.DB, dim)
	if err != nil {
		return nil, err
	}
	labels := make(map[int32]string, len(ids))
	for value, id := range ids {
		labels[id] = value
	}
	return labels, nil
}

// VerifyIndexes fails when a dimension table has no index led by id.
// Without it every surrogate-key join degrades to a full scan.
func (s *Store) VerifyIndexes(ctx context.Context) error {
	const query = `
		SELECT count(*)
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = i.indkey[0]
		WHERE c.relname = $1 AND a.attname = 'id'`

	var missing []string
	for _, dim := range All {
		var n int
		if err := s.cfg.DB.QueryRow(ctx, query, dim.Table()).Scan(&n); err != nil {
			return fmt.Errorf("failed to inspect indexes of %s: %w", dim.Table(), err)
		}
		if n == 0 {
			missing = append(missing, dim.Table())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("dimension tables without an id index: %v", missing)
	}
	return nil
}
