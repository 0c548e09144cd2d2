package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/batch-analyzer/internal/bootstrap"
	"github.com/kursadbilgin/batch-analyzer/internal/config"
	"github.com/kursadbilgin/batch-analyzer/internal/handler"
	"github.com/kursadbilgin/batch-analyzer/internal/infra/postgresql"
	"github.com/kursadbilgin/batch-analyzer/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/batch-analyzer/internal/infra/redis"
	"github.com/kursadbilgin/batch-analyzer/internal/observability"
	"github.com/kursadbilgin/batch-analyzer/internal/queue"
	"github.com/kursadbilgin/batch-analyzer/internal/repository"
	"github.com/kursadbilgin/batch-analyzer/internal/service"
	"github.com/kursadbilgin/batch-analyzer/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.EventBus == config.EventBusMemory {
		return fmt.Errorf("EVENT_BUS=%s runs the worker inside the api process", config.EventBusMemory)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.DefaultPoolOptions(), logger)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	defer publisher.Close()

	metrics := observability.NewMetrics()

	cache, err := infraredis.NewProgressCache(rdb, cfg.ProgressCacheTTL())
	if err != nil {
		return err
	}
	bus, err := infraredis.NewEventBus(rdb, logger)
	if err != nil {
		return err
	}

	batchRepo := repository.NewGormBatchRepo(db)

	progress, err := service.NewProgressService(batchRepo, cache, logger)
	if err != nil {
		return err
	}
	progress.SetMetrics(metrics)

	relay, err := service.NewRelay(progress, bus, cfg.HeartbeatInterval(), cfg.SubscriptionMaxLifetime(), logger)
	if err != nil {
		return err
	}
	relay.SetMetrics(metrics)

	batches, err := service.NewBatchService(
		repository.NewGormProjectRepo(db),
		batchRepo,
		repository.NewGormPhotoRepo(db),
		repository.NewGormJobRepo(db),
		publisher,
		relay,
		logger,
	)
	if err != nil {
		return err
	}
	batches.SetMetrics(metrics)

	worker, err := bootstrap.NewWorker(bootstrap.WorkerDeps{
		Config:   cfg,
		DB:       db,
		Redis:    rdb,
		RabbitMQ: rabbit,
		Batches:  batches,
		Relay:    relay,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer worker.Close()

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(groupCtx)
	})
	g.Go(func() error {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.MetricsPort)); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("batch-analyzer worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("analyzer", worker.AnalyzerName()),
		zap.Int("metricsPort", cfg.MetricsPort),
	)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("batch-analyzer worker stopped")
	return nil
}
