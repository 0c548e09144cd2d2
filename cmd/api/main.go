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
	"github.com/gofiber/fiber/v2/middleware/recover"
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
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
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
	bus, closeBus, err := bootstrap.NewEventBus(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer closeBus() //nolint:errcheck

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

	errCh := make(chan error, 2)

	// The in-process bus only reaches subscribers here, so the worker runs
	// alongside the API.
	if cfg.EventBus == config.EventBusMemory {
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

		go func() {
			logger.Info("embedded worker started",
				zap.Int("concurrency", cfg.WorkerConcurrency),
				zap.String("analyzer", worker.AnalyzerName()),
			)
			if err := worker.Run(ctx); err != nil {
				errCh <- fmt.Errorf("embedded worker: %w", err)
			}
		}()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	// Live streams end with the process context.
	app.Use(func(c *fiber.Ctx) error {
		c.SetUserContext(ctx)
		return c.Next()
	})
	app.Use(observability.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterBatchRoutes(app, batches, progress, relay); err != nil {
		return err
	}

	go func() {
		logger.Info("batch-analyzer api started",
			zap.Int("port", cfg.APIPort),
			zap.String("eventBus", cfg.EventBus),
		)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	logger.Info("batch-analyzer api stopped")
	return nil
}
