package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/fleetlake/admin/internal/admin"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	"github.com/malbeclabs/fleetlake/registry/pkg/postgres"
	"github.com/malbeclabs/fleetlake/utils/pkg/logger"
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

	// Commands
	migrateFlag := flag.Bool("migrate", false, "run postgres migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "show postgres migration status")
	resetDBFlag := flag.Bool("reset-db", false, "roll back every migration, dropping all registry tables")
	rebuildCachesFlag := flag.Bool("rebuild-caches", false, "rebuild the persisted canonical hierarchy and uncurated pair caches (refresh a running registry afterwards)")
	autoRegularizeFlag := flag.Bool("auto-regularize", false, "save suggested mappings for unassigned pairs that match curated data exactly")

	// Options
	dryRunFlag := flag.Bool("dry-run", false, "dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "skip confirmation prompt (use with caution)")
	curatedFlag := flag.String("curated-periods", "", "curated periods, e.g. 2011-2016 (or set CURATED_PERIODS env var)")
	uncuratedFlag := flag.String("uncurated-periods", "", "uncurated periods, e.g. 2017-2019 (or set UNCURATED_PERIODS env var)")
	priorityFlag := flag.StringSlice("vehicle-type-priority", nil, "vehicle types in the order suggestions prefer them (or set VEHICLE_TYPE_PRIORITY env var)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("CURATED_PERIODS"); env != "" {
		*curatedFlag = env
	}
	if env := os.Getenv("UNCURATED_PERIODS"); env != "" {
		*uncuratedFlag = env
	}
	if env := os.Getenv("VEHICLE_TYPE_PRIORITY"); env != "" {
		*priorityFlag = strings.Split(env, ",")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg := postgres.ConfigFromEnv()
	if err := pgCfg.Validate(); err != nil {
		return err
	}
	connString := pgCfg.ConnString()

	if *migrateFlag {
		return postgres.Up(ctx, log, connString)
	}

	if *migrateStatusFlag {
		return postgres.MigrationStatus(ctx, log, connString)
	}

	pool, err := postgres.NewPool(ctx, log, connString, pgCfg.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	if *resetDBFlag {
		return admin.ResetDB(ctx, log, pool, connString, admin.ResetDBConfig{
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})
	}

	if *rebuildCachesFlag || *autoRegularizeFlag {
		curated, err := periods.ParseList(*curatedFlag)
		if err != nil {
			return fmt.Errorf("invalid --curated-periods: %w", err)
		}
		uncurated, err := periods.ParseList(*uncuratedFlag)
		if err != nil {
			return fmt.Errorf("invalid --uncurated-periods: %w", err)
		}
		p, err := periods.NewPartition(curated, uncurated)
		if err != nil {
			return err
		}
		if *autoRegularizeFlag {
			if err := admin.AutoRegularize(ctx, log, pool, p, *priorityFlag, os.Stdout); err != nil {
				return err
			}
		}
		if *rebuildCachesFlag {
			return admin.RebuildCaches(ctx, log, pool, p, os.Stdout)
		}
		return nil
	}

	flag.Usage()
	return nil
}
