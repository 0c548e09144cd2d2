package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"github.com/kursadbilgin/batch-analyzer/internal/observability"
	"github.com/kursadbilgin/batch-analyzer/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRecoveryScanInterval = 30 * time.Second
	defaultStaleProcessingAfter = 10 * time.Minute
	defaultRecoveryScanLimit    = 100
)

// Requeuer puts stuck work back on the queue: photos left in PROCESSING by a
// lost worker and open jobs whose message never led to a claim.
type Requeuer interface {
	RequeuePhoto(ctx context.Context, photo *domain.Photo) (*domain.AnalysisJob, error)
	RequeueJob(ctx context.Context, job *domain.AnalysisJob) (*domain.AnalysisJob, error)
}

// RecoveryScanner periodically re-enqueues photos whose worker went away after
// claiming them, and photos whose job message was lost before a claim, so every
// batch still reaches a terminal status.
type RecoveryScanner struct {
	photos     repository.PhotoRepository
	jobs       repository.JobRepository
	requeuer   Requeuer
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewRecoveryScanner(
	photos repository.PhotoRepository,
	jobs repository.JobRepository,
	requeuer Requeuer,
	interval time.Duration,
	staleAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*RecoveryScanner, error) {
	if photos == nil {
		return nil, fmt.Errorf("photo repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if requeuer == nil {
		return nil, fmt.Errorf("requeuer is required")
	}
	if interval <= 0 {
		interval = defaultRecoveryScanInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleProcessingAfter
	}
	if limit <= 0 {
		limit = defaultRecoveryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RecoveryScanner{
		photos:     photos,
		jobs:       jobs,
		requeuer:   requeuer,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      limit,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RecoveryScanner) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

func (s *RecoveryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Photos orphaned by a crash before this process started are picked up right away.
	if err := s.scanStale(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("recovery scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanStale(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("recovery scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *RecoveryScanner) scanStale(ctx context.Context) error {
	cutoff := s.now().Add(-s.staleAfter)
	// Stalled jobs go first so jobs created by this scan are not picked up again.
	if err := s.scanStalledJobs(ctx, cutoff); err != nil {
		return err
	}

	stale, err := s.photos.ListStaleProcessing(ctx, cutoff, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch stale photos: %w", err)
	}

	for i := range stale {
		photo := &stale[i]
		job, err := s.requeuer.RequeuePhoto(ctx, photo)
		if err != nil {
			s.logger.Error("failed to requeue stale photo",
				zap.String("photoId", photo.ID),
				zap.Error(err),
			)
			continue
		}
		if job == nil {
			continue
		}

		s.metrics.IncRecoveryRequeued()
		s.logger.Info("stale photo requeued",
			zap.String("photoId", photo.ID),
			zap.String("jobId", job.ID),
			zap.Time("stuckSince", photo.UpdatedAt),
		)
	}

	return nil
}

func (s *RecoveryScanner) scanStalledJobs(ctx context.Context, cutoff time.Time) error {
	stalled, err := s.jobs.ListStalePending(ctx, cutoff, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch stalled jobs: %w", err)
	}

	for i := range stalled {
		stale := &stalled[i]
		job, err := s.requeuer.RequeueJob(ctx, stale)
		if err != nil {
			s.logger.Error("failed to requeue stalled job",
				zap.String("jobId", stale.ID),
				zap.String("photoId", stale.PhotoID),
				zap.Error(err),
			)
			continue
		}
		if job == nil {
			continue
		}

		s.metrics.IncRecoveryRequeued()
		s.logger.Info("stalled job requeued",
			zap.String("photoId", stale.PhotoID),
			zap.String("staleJobId", stale.ID),
			zap.String("jobId", job.ID),
			zap.Time("stuckSince", stale.UpdatedAt),
		)
	}

	return nil
}
