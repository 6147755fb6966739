// Command maintenance runs the KineCare scheduled maintenance worker: the
// cron scheduler for the nightly and weekly jobs plus the ops HTTP server for
// health probes and manual triggers.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib"

	"kinecare/internal/config"
	"kinecare/internal/db"
	"kinecare/internal/db/migrations"
	"kinecare/internal/ops"
	"kinecare/internal/scheduler"
	"kinecare/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting maintenance worker",
		"service", cfg.Service,
		"environment", cfg.Environment,
		"timezone", cfg.Jobs.Timezone,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runMigrations(cfg); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	logger.Info("database schema up to date")

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	s3Client, err := newS3Client(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating storage client: %w", err)
	}
	store := storage.NewClient(s3Client, cfg.Storage, logger)

	loc, err := cfg.Jobs.Location()
	if err != nil {
		return fmt.Errorf("resolving jobs timezone: %w", err)
	}

	registry := scheduler.Registry{
		Completions: scheduler.NewCompletionNotifier(db.NewCompletionStore(pool), cfg.Jobs.BatchLimit, logger),
		Archiver:    scheduler.NewProgrammeArchiver(db.NewProgrammeRepository(pool), cfg.Jobs.BatchLimit, logger),
		Purger: scheduler.NewArchivedPurger(
			db.NewProgrammeRepository(pool),
			store,
			cfg.Storage.SnapshotPrefix,
			cfg.Jobs.PurgeRetentionMonths,
			cfg.Jobs.BatchLimit,
			logger,
		),
		Reaper: scheduler.NewOrphanReaper(store, db.NewExerciseRepository(pool), cfg.Jobs.ReapGracePeriod, logger),
	}

	sched, err := scheduler.NewScheduler(
		loc,
		registry,
		scheduler.NewExecutor(logger, cfg.Jobs.RetryBackoff),
		db.NewJobHistoryRepository(pool),
		scheduler.Timeouts{
			Notifications: cfg.Jobs.NotificationTimeout,
			Archive:       cfg.Jobs.ArchiveTimeout,
			Purge:         cfg.Jobs.PurgeTimeout,
			Reap:          cfg.Jobs.ReapTimeout,
		},
		cfg.Jobs.RequeueDelay,
		logger,
	)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	opsServer := ops.NewServer(sched, pool, cfg.Server.AdminAPIKey, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: opsServer.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	g.Go(func() error {
		logger.Info("ops server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("maintenance worker stopped")
	return nil
}

// newLogger builds the process-wide structured JSON logger.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(
		"service", cfg.Service,
		"env", cfg.Environment,
	)
}

// runMigrations opens a short-lived database/sql handle through the pgx
// stdlib driver, applies pending migrations, and closes it. The worker's pgx
// pool is created afterwards.
func runMigrations(cfg *config.Config) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer sqlDB.Close()

	return migrations.Up(sqlDB)
}

// newS3Client builds the S3 client, honoring the endpoint override used for
// local development against MinIO or LocalStack.
func newS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws configuration: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = &cfg.EndpointURL
			o.UsePathStyle = true
		}
	}), nil
}
