package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"github.com/kursadbilgin/batch-analyzer/internal/observability"
	"github.com/kursadbilgin/batch-analyzer/internal/repository"
	"go.uber.org/zap"
)

// ProgressService projects batches into progress snapshots, cache-first on request.
type ProgressService struct {
	batches repository.BatchRepository
	cache   ProgressCache
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewProgressService(
	batches repository.BatchRepository,
	cache ProgressCache,
	logger *zap.Logger,
) (*ProgressService, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProgressService{
		batches: batches,
		cache:   cache,
		logger:  logger,
	}, nil
}

func (s *ProgressService) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// ComputeBatchProgress returns the progress of a batch. With useCache a cached
// snapshot is returned when present; otherwise the snapshot is rebuilt from the
// store and written back to the cache. Cache failures degrade to a store read.
func (s *ProgressService) ComputeBatchProgress(ctx context.Context, batchID string, useCache bool) (*domain.BatchProgress, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("batchId", batchID))

	if useCache && s.cache != nil {
		cached, found, err := s.cache.Get(ctx, batchID)
		switch {
		case err != nil:
			s.metrics.IncProgressCache("error")
			logger.Warn("progress cache read failed, falling back to store", zap.Error(err))
		case found:
			s.metrics.IncProgressCache("hit")
			return cached, nil
		default:
			s.metrics.IncProgressCache("miss")
		}
	}

	batch, err := s.batches.GetWithPhotos(ctx, batchID)
	if err != nil {
		return nil, err
	}

	progress, consistent := domain.NewBatchProgress(batch, batch.Photos)
	if !consistent {
		logger.Warn("batch counters disagree with photo rows, using photo-derived counters",
			zap.Int("storedTotal", batch.Counters.Total()),
			zap.Int("photoCount", len(batch.Photos)),
		)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, progress); err != nil {
			logger.Warn("failed to write progress cache", zap.Error(err))
		}
	}

	return progress, nil
}

// Invalidate drops the cached snapshot of a batch.
func (s *ProgressService) Invalidate(ctx context.Context, batchID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, batchID)
}
