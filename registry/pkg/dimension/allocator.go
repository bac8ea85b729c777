package dimension

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Allocator hands out surrogate keys for one ingestion batch. It holds the
// key-creation lock of every dimension it serves for the lifetime of the
// transaction and answers known values from memory.
type Allocator struct {
	store   *Store
	tx      pgx.Tx
	ids     map[Dimension]map[string]int32
	created map[Dimension]int
}

// NewAllocator locks and preloads dims (in All order) on tx.
func (s *Store) NewAllocator(ctx context.Context, tx pgx.Tx, dims ...Dimension) (*Allocator, error) {
	if len(dims) == 0 {
		dims = All
	}
	want := make(map[Dimension]bool, len(dims))
	for _, d := range dims {
		if !d.Valid() {
			return nil, fmt.Errorf("unknown dimension %q", d)
		}
		want[d] = true
	}

	a := &Allocator{
		store:   s,
		tx:      tx,
		ids:     make(map[Dimension]map[string]int32, len(dims)),
		created: make(map[Dimension]int),
	}
	for _, d := range All {
		if !want[d] {
			continue
		}
		if err := s.LockKeyCreation(ctx, tx, d); err != nil {
			return nil, err
		}
		ids, err := s.Preload(ctx, tx, d)
		if err != nil {
			return nil, err
		}
		a.ids[d] = ids
	}
	return a, nil
}

// ID returns the key of value, creating it inside the batch transaction if
// this is its first sight.
func (a *Allocator) ID(ctx context.Context, dim Dimension, value string) (int32, error) {
	known, ok := a.ids[dim]
	if !ok {
		return 0, fmt.Errorf("allocator does not serve dimension %q", dim)
	}
	value = NormalizeValue(value)
	if id, ok := known[value]; ok {
		return id, nil
	}
	id, err := a.store.GetOrCreateID(ctx, a.tx, dim, value)
	if err != nil {
		return 0, err
	}
	known[value] = id
	a.created[dim]++
	return id, nil
}

// OptionalID is ID for nullable references; empty values map to nil.
func (a *Allocator) OptionalID(ctx context.Context, dim Dimension, value string) (*int32, error) {
	if NormalizeValue(value) == "" {
		return nil, nil
	}
	id, err := a.ID(ctx, dim, value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Created reports how many new keys were created per dimension.
func (a *Allocator) Created() map[Dimension]int {
	out := make(map[Dimension]int, len(a.created))
	for d, n := range a.created {
		out[d] = n
	}
	return out
}
