package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/metrics"
	"github.com/malbeclabs/fleetlake/registry/pkg/postgres"
	"github.com/malbeclabs/fleetlake/utils/pkg/retry"
)

var factColumns = []string{
	"period_id", "make_id", "model_id",
	"fuel_type_id", "vehicle_type_id", "region_id",
	"model_year", "mass_kg", "axle_count",
	"batch_id",
}

type Config struct {
	Logger *slog.Logger
	Store  *dimension.Store
	Retry  retry.Config
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("dimension store is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Result describes one committed batch.
type Result struct {
	BatchID     uuid.UUID                   `json:"batch_id"`
	Written     int                         `json:"written"`
	Skipped     map[SkipReason]int          `json:"skipped"`
	KeysCreated map[dimension.Dimension]int `json:"keys_created"`
	Duration    time.Duration               `json:"-"`
}

func (r Result) SkippedTotal() int {
	return ParsedBatch{Skipped: r.Skipped}.SkippedTotal()
}

// Ingester writes registration batches. Each batch is one transaction: its
// new surrogate keys become visible together with its facts or not at all.
type Ingester struct {
	log *slog.Logger
	cfg Config
}

func NewIngester(cfg Config) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Ingester{log: cfg.Logger, cfg: cfg}, nil
}

// IngestBatch parses and writes one batch.
func (i *Ingester) IngestBatch(ctx context.Context, raw []RawRecord) (Result, error) {
	return i.Write(ctx, Parse(raw))
}

// Write commits an already parsed batch, retrying the whole transaction on
// transient errors.
func (i *Ingester) Write(ctx context.Context, batch ParsedBatch) (Result, error) {
	start := i.cfg.Clock.Now()
	res := Result{
		BatchID: uuid.New(),
		Written: batch.Len(),
		Skipped: batch.Skipped,
	}

	if batch.Len() > 0 {
		err := retry.Do(ctx, i.cfg.Retry, func() error {
			created, err := i.write(ctx, res.BatchID, batch.records)
			if err != nil {
				return err
			}
			res.KeysCreated = created
			return nil
		})
		if err != nil {
			metrics.RecordIngestBatch(i.cfg.Clock.Since(start), 0, nil, err)
			return Result{}, fmt.Errorf("failed to write batch %s: %w", res.BatchID, err)
		}
	}

	res.Duration = i.cfg.Clock.Since(start)
	skipped := make(map[string]int, len(res.Skipped))
	for reason, n := range res.Skipped {
		skipped[string(reason)] = n
	}
	metrics.RecordIngestBatch(res.Duration, res.Written, skipped, nil)
	for d, n := range res.KeysCreated {
		metrics.DimensionKeysCreatedTotal.WithLabelValues(string(d)).Add(float64(n))
	}

	i.log.Info("ingest: batch committed",
		"batch", res.BatchID,
		"written", res.Written,
		"skipped", res.SkippedTotal(),
		"duration", res.Duration.String())
	return res, nil
}

func (i *Ingester) write(ctx context.Context, batchID uuid.UUID, records []record) (map[dimension.Dimension]int, error) {
	var created map[dimension.Dimension]int
	err := postgres.InTx(ctx, i.cfg.Store.DB(), func(tx pgx.Tx) error {
		alloc, err := i.cfg.Store.NewAllocator(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to prepare key allocation: %w", err)
		}

		rows := make([][]any, 0, len(records))
		for _, rec := range records {
			row, err := factRow(ctx, alloc, rec, batchID)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}

		n, err := tx.CopyFrom(ctx, pgx.Identifier{"fact_registration"}, factColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy facts: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("copied %d of %d facts", n, len(rows))
		}
		created = alloc.Created()
		return nil
	})
	return created, err
}

func factRow(ctx context.Context, alloc *dimension.Allocator, rec record, batchID uuid.UUID) ([]any, error) {
	periodID, err := alloc.ID(ctx, dimension.Period, rec.period)
	if err != nil {
		return nil, err
	}
	makeID, err := alloc.ID(ctx, dimension.Make, rec.make)
	if err != nil {
		return nil, err
	}
	modelID, err := alloc.ID(ctx, dimension.Model, rec.model)
	if err != nil {
		return nil, err
	}
	fuelID, err := alloc.OptionalID(ctx, dimension.FuelType, rec.fuelType)
	if err != nil {
		return nil, err
	}
	vehicleID, err := alloc.OptionalID(ctx, dimension.VehicleType, rec.vehicleType)
	if err != nil {
		return nil, err
	}
	regionID, err := alloc.OptionalID(ctx, dimension.Region, rec.region)
	if err != nil {
		return nil, err
	}
	return []any{
		periodID, makeID, modelID,
		fuelID, vehicleID, regionID,
		rec.modelYear, rec.massKg, rec.axleCount,
		batchID,
	}, nil
}

// Pipeline ingests batches in order, parsing the next batch while the
// previous one commits. Commits never overlap. It stops at the first failed
// batch and returns the results committed so far.
func (i *Ingester) Pipeline(ctx context.Context, batches <-chan []RawRecord) ([]Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	parsed := make(chan ParsedBatch, 1)

	g.Go(func() error {
		defer close(parsed)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case raw, ok := <-batches:
				if !ok {
					return nil
				}
				select {
				case parsed <- Parse(raw):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	var results []Result
	g.Go(func() error {
		for batch := range parsed {
			res, err := i.Write(ctx, batch)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
