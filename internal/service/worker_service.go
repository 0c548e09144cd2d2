package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"github.com/kursadbilgin/batch-analyzer/internal/inference"
	"github.com/kursadbilgin/batch-analyzer/internal/observability"
	"github.com/kursadbilgin/batch-analyzer/internal/queue"
	"github.com/kursadbilgin/batch-analyzer/internal/ratelimit"
	"github.com/kursadbilgin/batch-analyzer/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

type WorkerService struct {
	batches     repository.BatchRepository
	photos      repository.PhotoRepository
	jobs        repository.JobRepository
	consumer    queue.Consumer
	analyzer    inference.Analyzer
	rateLimiter ratelimit.RateLimiter
	notifier    NotifyPort
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	now         func() time.Time
}

func NewWorkerService(
	batches repository.BatchRepository,
	photos repository.PhotoRepository,
	jobs repository.JobRepository,
	consumer queue.Consumer,
	analyzer inference.Analyzer,
	rateLimiter ratelimit.RateLimiter,
	notifier NotifyPort,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if batches == nil || photos == nil || jobs == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		batches:     batches,
		photos:      photos,
		jobs:        jobs,
		consumer:    consumer,
		analyzer:    analyzer,
		rateLimiter: rateLimiter,
		notifier:    notifier,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}, nil
}

// Start runs competing consumers on the analysis queue until context cancellation.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.AnalysisQueue),
			)

			err := s.consumer.Consume(groupCtx, queue.AnalysisQueue, s.processMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queue.AnalysisQueue),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.AnalysisQueue),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage analyzes one photo. A nil return acks the message; an error
// leaves the photo and job in a state that is safe to redeliver.
func (s *WorkerService) processMessage(ctx context.Context, msg queue.AnalysisJobMessage) error {
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("jobId", msg.JobID),
		zap.String("photoId", msg.PhotoID),
	)

	job, err := s.jobs.GetByID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("analysis job not found, dropping message")
			return nil
		}
		return fmt.Errorf("failed to load analysis job: %w", err)
	}
	if !job.State.IsOpen() {
		s.metrics.IncDuplicateDelivery()
		logger.Info("analysis job already finished, skipping",
			zap.String("state", job.State.String()),
		)
		return nil
	}

	photo, err := s.photos.GetByID(ctx, msg.PhotoID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("photo not found, dropping analysis job")
			return s.finishJob(ctx, job.ID, domain.JobStateFailed, "photo not found")
		}
		return fmt.Errorf("failed to load photo: %w", err)
	}

	force := msg.Force || job.Force
	if photo.Status.IsTerminal() && !force {
		return s.skipAnalyzed(ctx, logger, job, photo)
	}

	resuming := job.State == domain.JobStateActive && photo.Status == domain.PhotoStatusProcessing
	if err := s.jobs.MarkActive(ctx, job.ID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.metrics.IncDuplicateDelivery()
			logger.Info("analysis job finished concurrently, skipping")
			return nil
		}
		return fmt.Errorf("failed to mark analysis job active: %w", err)
	}

	if resuming {
		logger.Info("resuming analysis after redelivery")
	} else {
		claim := domain.PhotoTransition{
			PhotoID: photo.ID,
			From:    []domain.PhotoStatus{domain.PhotoStatusPending},
			To:      domain.PhotoStatusProcessing,
		}
		if force {
			claim.From = append(claim.From, domain.PhotoStatusDone, domain.PhotoStatusError)
		}

		res, err := s.photos.Transition(ctx, claim)
		if err != nil {
			return fmt.Errorf("failed to claim photo: %w", err)
		}
		if !res.Applied {
			logger.Warn("photo not claimable, dropping analysis job",
				zap.String("status", res.Photo.Status.String()),
			)
			return s.finishJob(ctx, job.ID, domain.JobStateFailed, "photo is "+res.Photo.Status.String())
		}
		photo = res.Photo
		s.notifyBatch(ctx, res.Batch)
	}

	s.metrics.IncWorkerInFlight()
	defer s.metrics.DecWorkerInFlight()

	if err := s.rateLimiter.Wait(ctx, s.analyzer.Name()); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	start := s.now()
	result, analyzeErr := s.analyzer.Analyze(ctx, photo.Ref(msg.RoomType))
	s.metrics.ObserveInferenceDuration(s.analyzer.Name(), s.now().Sub(start))
	if analyzeErr == nil && result == nil {
		analyzeErr = &inference.AnalysisError{
			Code:    inference.CodeInvalidResponse,
			Message: "analyzer returned no result",
		}
	}

	// Shutdown mid-call: leave the photo PROCESSING for redelivery.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Recovery may have taken the photo over while inference was running.
	current, err := s.jobs.GetByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to reload analysis job: %w", err)
	}
	if !current.State.IsOpen() {
		logger.Warn("analysis job finished elsewhere, discarding result")
		return nil
	}

	outcome := domain.PhotoTransition{
		PhotoID: photo.ID,
		From:    []domain.PhotoStatus{domain.PhotoStatusProcessing},
	}
	jobState := domain.JobStateCompleted
	reason := ""
	if analyzeErr != nil {
		code, message := inference.Classify(analyzeErr)
		outcome.To = domain.PhotoStatusError
		outcome.ErrorCode = &code
		outcome.ErrorMessage = &message
		jobState = domain.JobStateFailed
		reason = code + ": " + message

		s.metrics.IncAnalysisError(code)
		logger.Warn("photo analysis failed",
			zap.String("errorCode", code),
			zap.Error(analyzeErr),
		)
	} else {
		outcome.To = domain.PhotoStatusDone
		outcome.Analysis = result
		outcome.RoomType = &result.RoomType
	}

	res, err := s.photos.Transition(ctx, outcome)
	if err != nil {
		return fmt.Errorf("failed to persist analysis outcome: %w", err)
	}
	if !res.Applied {
		logger.Warn("photo left PROCESSING during analysis, discarding result",
			zap.String("status", res.Photo.Status.String()),
		)
		return s.finishJob(ctx, job.ID, domain.JobStateFailed, "photo is "+res.Photo.Status.String())
	}
	s.metrics.IncPhotoAnalyzed(string(outcome.To))
	s.notifyBatch(ctx, res.Batch)

	logger.Info("photo analyzed",
		zap.String("status", outcome.To.String()),
		zap.Int("items", res.Photo.Analysis.ItemCount()),
	)

	return s.finishJob(ctx, job.ID, jobState, reason)
}

// skipAnalyzed handles a delivery for a photo that already has a result. The
// batch counters are rebuilt from the photo rows in case an earlier delivery
// wrote the photo but never got to the batch.
func (s *WorkerService) skipAnalyzed(
	ctx context.Context,
	logger *zap.Logger,
	job *domain.AnalysisJob,
	photo *domain.Photo,
) error {
	logger.Info("photo already analyzed, skipping",
		zap.String("status", photo.Status.String()),
	)

	if photo.BatchID != nil {
		batch, err := s.batches.Reconcile(ctx, *photo.BatchID)
		if err != nil {
			return fmt.Errorf("failed to reconcile batch counters: %w", err)
		}
		s.notifyBatch(ctx, batch)
	}

	return s.finishJob(ctx, job.ID, domain.JobStateCompleted, "")
}

func (s *WorkerService) notifyBatch(ctx context.Context, batch *domain.Batch) {
	if batch == nil {
		return
	}
	s.notifier.NotifyBatchUpdate(ctx, batch.ID)
}

func (s *WorkerService) finishJob(ctx context.Context, jobID string, state domain.JobState, reason string) error {
	var r *string
	if reason != "" {
		r = &reason
	}
	if err := s.jobs.Finish(ctx, jobID, state, r); err != nil {
		return fmt.Errorf("failed to finish analysis job: %w", err)
	}
	return nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}
