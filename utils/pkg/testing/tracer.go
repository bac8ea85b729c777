package laketesting

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// PauseTracer is a pgx query tracer that, once armed, holds the first
// matching query at its end until Release is called. Tests use it to stop a
// build after it has read its inputs and before it returns.
type PauseTracer struct {
	match   func(sql string) bool
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func NewPauseTracer(match func(sql string) bool) *PauseTracer {
	return &PauseTracer{
		match:   match,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

type tracedSQLKey struct{}

// Arm makes the next matching query pause.
func (p *PauseTracer) Arm() {
	p.armed.Store(true)
}

// WaitPaused blocks until a query is held, failing the test after timeout.
func (p *PauseTracer) WaitPaused(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-p.reached:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for the traced query to pause")
	}
}

// Release lets the held query finish.
func (p *PauseTracer) Release() {
	close(p.release)
}

func (p *PauseTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, tracedSQLKey{}, data.SQL)
}

func (p *PauseTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryEndData) {
	sql, _ := ctx.Value(tracedSQLKey{}).(string)
	if !p.match(sql) || !p.armed.CompareAndSwap(true, false) {
		return
	}
	close(p.reached)
	<-p.release
}

// NewTracedTestPool is NewTestPool with tracer installed on every connection.
func NewTracedTestPool(t *testing.T, db *DB, tracer pgx.QueryTracer) *pgxpool.Pool {
	t.Helper()
	tdb := NewTestDatabase(t, db)

	cfg, err := pgxpool.ParseConfig(tdb.ConnStr)
	require.NoError(t, err)
	cfg.MaxConns = 8
	cfg.ConnConfig.Tracer = tracer

	pool, err := pgxpool.NewWithConfig(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}
