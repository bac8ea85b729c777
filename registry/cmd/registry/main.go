package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/metrics"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	"github.com/malbeclabs/fleetlake/registry/pkg/postgres"
	"github.com/malbeclabs/fleetlake/registry/pkg/query"
	"github.com/malbeclabs/fleetlake/registry/pkg/registry"
	"github.com/malbeclabs/fleetlake/registry/pkg/server"
	"github.com/malbeclabs/fleetlake/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", "0.0.0.0:8080", "address to serve the API on (or set LISTEN_ADDR env var)")
	curatedFlag := flag.String("curated-periods", "", "curated periods, e.g. 2011-2016 (or set CURATED_PERIODS env var)")
	uncuratedFlag := flag.String("uncurated-periods", "", "uncurated periods, e.g. 2017-2019 (or set UNCURATED_PERIODS env var)")
	priorityFlag := flag.StringSlice("vehicle-type-priority", nil, "vehicle types in the order ambiguous suggestions prefer them (or set VEHICLE_TYPE_PRIORITY env var)")
	roadWearFlag := flag.String("road-wear-config", "", "YAML road wear calibration file; the index is disabled without it (or set ROAD_WEAR_CONFIG env var)")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS origins allowed to call the API")
	queryRateFlag := flag.Int("query-rate", 100, "queries per minute allowed per client IP")
	queryBurstFlag := flag.Int("query-burst", 20, "query burst allowed per client IP")
	skipMigrationsFlag := flag.Bool("skip-migrations", false, "do not apply pending migrations on start")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for in-flight requests during shutdown")

	flag.Parse()

	log := logger.New(*verboseFlag)

	overrideFromEnv(listenAddrFlag, "LISTEN_ADDR")
	overrideFromEnv(curatedFlag, "CURATED_PERIODS")
	overrideFromEnv(uncuratedFlag, "UNCURATED_PERIODS")
	overrideFromEnv(roadWearFlag, "ROAD_WEAR_CONFIG")
	if env := os.Getenv("VEHICLE_TYPE_PRIORITY"); env != "" {
		*priorityFlag = strings.Split(env, ",")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Environment: env, Release: version}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized", "environment", env)
	}

	partition, err := parsePartition(*curatedFlag, *uncuratedFlag)
	if err != nil {
		return err
	}

	var roadWear *query.RoadWearConfig
	if *roadWearFlag != "" {
		if roadWear, err = query.LoadRoadWearConfig(*roadWearFlag); err != nil {
			return err
		}
		log.Info("road wear calibration loaded", "path", *roadWearFlag, "axle_counts", len(roadWear.Coefficients))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg := postgres.ConfigFromEnv()
	if err := pgCfg.Validate(); err != nil {
		return err
	}
	if !*skipMigrationsFlag {
		if err := postgres.Up(ctx, log, pgCfg.ConnString()); err != nil {
			return err
		}
	}
	pool, err := postgres.NewPool(ctx, log, pgCfg.ConnString(), pgCfg.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc, err := registry.New(registry.Config{
		Logger:              log,
		DB:                  pool,
		Partition:           partition,
		VehicleTypePriority: *priorityFlag,
		RoadWear:            roadWear,
	})
	if err != nil {
		return err
	}
	if err := verifyIndexes(ctx, svc.Store()); err != nil {
		return err
	}
	svc.Start(ctx)

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	srv, err := server.New(server.Config{
		Logger:          log,
		Registry:        svc,
		ListenAddr:      *listenAddrFlag,
		AllowedOrigins:  *allowedOriginsFlag,
		QueryRate:       rate.Every(time.Minute / time.Duration(max(*queryRateFlag, 1))),
		QueryBurst:      *queryBurstFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		Build:           server.BuildInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return err
	}

	log.Info("registry starting", "version", version, "curated", partition.Curated, "uncurated", partition.Uncurated)
	return srv.Run(ctx)
}

func overrideFromEnv(flagValue *string, name string) {
	if env := os.Getenv(name); env != "" {
		*flagValue = env
	}
}

func parsePartition(curated, uncurated string) (periods.Partition, error) {
	c, err := periods.ParseList(curated)
	if err != nil {
		return periods.Partition{}, fmt.Errorf("invalid curated periods: %w", err)
	}
	u, err := periods.ParseList(uncurated)
	if err != nil {
		return periods.Partition{}, fmt.Errorf("invalid uncurated periods: %w", err)
	}
	return periods.NewPartition(c, u)
}

// verifyIndexes refuses to serve without the fact indexes every query
// depends on.
func verifyIndexes(ctx context.Context, store *dimension.Store) error {
	if err := store.VerifyIndexes(ctx); err != nil {
		return fmt.Errorf("fact table is missing required indexes, run migrations: %w", err)
	}
	return nil
}
