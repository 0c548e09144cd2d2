package bootstrap

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/batch-analyzer/internal/config"
	"github.com/kursadbilgin/batch-analyzer/internal/inference"
	infraredis "github.com/kursadbilgin/batch-analyzer/internal/infra/redis"
	"github.com/kursadbilgin/batch-analyzer/internal/observability"
	"github.com/kursadbilgin/batch-analyzer/internal/queue"
	"github.com/kursadbilgin/batch-analyzer/internal/repository"
	"github.com/kursadbilgin/batch-analyzer/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const recoveryScanLimit = 100

type WorkerDeps struct {
	Config   *config.Config
	DB       *gorm.DB
	Redis    *goredis.Client
	RabbitMQ *queue.RabbitMQ
	Batches  *service.BatchService
	Relay    *service.Relay
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Worker is the analysis side of the pipeline: the queue consumers and the
// recovery scanner.
type Worker struct {
	service  *service.WorkerService
	scanner  *service.RecoveryScanner
	consumer *queue.RabbitMQConsumer
	analyzer inference.Analyzer
}

func NewWorker(d WorkerDeps) (*Worker, error) {
	if d.Config == nil || d.DB == nil || d.Redis == nil || d.RabbitMQ == nil {
		return nil, fmt.Errorf("config, database, redis and rabbitmq are required")
	}
	if d.Batches == nil || d.Relay == nil {
		return nil, fmt.Errorf("batch service and relay are required")
	}
	cfg := d.Config

	limiter, err := infraredis.NewInferenceLimiter(d.Redis, infraredis.InferenceLimits{
		Default:     cfg.InferenceRateLimitPerSec,
		PerProvider: cfg.InferenceProviderLimits(),
	})
	if err != nil {
		return nil, err
	}
	limiter.SetMetrics(d.Metrics)

	analyzer, err := inference.NewAnalyzer(inference.Options{
		Provider:    cfg.InferenceProvider,
		URL:         cfg.InferenceURL,
		Timeout:     cfg.InferenceTimeout(),
		MaxAttempts: cfg.InferenceMaxAttempts,
	}, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("inference initialization failed: %w", err)
	}

	photoRepo := repository.NewGormPhotoRepo(d.DB)
	jobRepo := repository.NewGormJobRepo(d.DB)
	consumer := queue.NewRabbitMQConsumer(d.RabbitMQ, cfg.WorkerConcurrency, d.Logger)

	worker, err := service.NewWorkerService(
		repository.NewGormBatchRepo(d.DB),
		photoRepo,
		jobRepo,
		consumer,
		analyzer,
		limiter,
		d.Relay,
		cfg.WorkerConcurrency,
		d.Logger,
	)
	if err != nil {
		return nil, err
	}
	worker.SetMetrics(d.Metrics)

	scanner, err := service.NewRecoveryScanner(
		photoRepo,
		jobRepo,
		d.Batches,
		cfg.RecoveryScanInterval(),
		cfg.StaleProcessingAfter(),
		recoveryScanLimit,
		d.Logger,
	)
	if err != nil {
		return nil, err
	}
	scanner.SetMetrics(d.Metrics)

	return &Worker{
		service:  worker,
		scanner:  scanner,
		consumer: consumer,
		analyzer: analyzer,
	}, nil
}

func (w *Worker) AnalyzerName() string {
	return w.analyzer.Name()
}

// Run consumes the analysis queue and scans for stuck work until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.service.Start(groupCtx)
	})
	g.Go(func() error {
		return w.scanner.Start(groupCtx)
	})
	return g.Wait()
}

func (w *Worker) Close() error {
	return w.consumer.Close()
}
