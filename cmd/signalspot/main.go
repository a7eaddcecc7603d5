// Command signalspot runs the Signal Spot API and its maintenance tasks.
//
// Usage:
//
//	signalspot serve
//	signalspot migrate
//	signalspot sweep
//	signalspot moderate <spot-id> --reason spam
//	signalspot token <user-id> --verified
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/api"
	"github.com/signalspot/backend/internal/config"
	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/notify"
	"github.com/signalspot/backend/internal/repository"
)

const version = "1.0.0"

// store is everything the services need from a storage backend.
type store interface {
	domain.SpotRepository
	domain.SparkRepository
	domain.LocationRepository
	api.DeviceRegistry
	api.Pinger
	notify.TokenSource
}

// app carries what every subcommand shares.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
	store  store
}

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	a := &app{}
	root := &cobra.Command{
		Use:           "signalspot",
		Short:         "Signal Spot location-based messaging backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	root.AddCommand(serveCmd(a))
	root.AddCommand(migrateCmd(a))
	root.AddCommand(sweepCmd(a))
	root.AddCommand(moderateCmd(a))
	root.AddCommand(tokenCmd(a))

	if err := root.Execute(); err != nil {
		if a.logger != nil {
			a.logger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		a.close()
		os.Exit(1)
	}
}

func (a *app) init() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// openStore connects the configured backend. Only commands that touch data call it.
func (a *app) openStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Store.Backend {
	case "memory":
		a.logger.Warn("using in-memory store; data is lost on exit")
		a.store = repository.NewMemoryRepository()
	default:
		pool, err := initDatabase(ctx, a.cfg.Database)
		if err != nil {
			return err
		}
		a.logger.Info("Connected to database")
		a.pool = pool
		a.store = repository.NewPostgresRepository(pool, a.cfg.Store.Timeout, a.logger)
	}
	return nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// services wires the domain layer on top of the store.
func (a *app) services(events domain.EventPublisher) (*domain.SpotService, *domain.SparkService, *domain.Detector) {
	limits := domain.NewLimitEnforcer(a.store, a.store, domain.LimitConfig{
		SpotDailyCap:  a.cfg.Spot.DailyCap,
		SparkDailyCap: a.cfg.Spark.DailyCap,
		Location:      a.cfg.Location(),
	})
	spots := domain.NewSpotService(a.store, limits, events, a.logger)
	sparks := domain.NewSparkService(a.store, events, a.logger)

	detectorCfg := domain.DefaultDetectorConfig()
	detectorCfg.Bands = domain.DefaultProximityBands(a.cfg.Spark.ProximityMeters)
	detectorCfg.Cooldown = domain.CooldownRule{
		Window:            a.cfg.Spark.CooldownWindow,
		RequireSeparation: a.cfg.Spark.RequireSeparation,
	}
	detectorCfg.SparkTTL = a.cfg.Spark.TTL
	detectorCfg.FreshWindow = a.cfg.Detector.FreshWindow
	detectorCfg.StationaryMeters = a.cfg.Detector.StationaryMeters
	detectorCfg.SeparationMeters = a.cfg.Detector.SeparationMeters
	detectorCfg.MaxCandidates = a.cfg.Detector.MaxCandidates
	detectorCfg.Concurrency = a.cfg.Detector.Concurrency
	detector := domain.NewDetector(a.store, a.store, limits, events, detectorCfg, a.logger)

	return spots, sparks, detector
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
