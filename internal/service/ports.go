package service

import (
	"context"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
)

// ProgressCache holds disposable batch progress snapshots.
type ProgressCache interface {
	// Get reports found=false on a miss.
	Get(ctx context.Context, batchID string) (progress *domain.BatchProgress, found bool, err error)
	Set(ctx context.Context, progress *domain.BatchProgress) error
	Delete(ctx context.Context, batchID string) error
}

// NotifyPort is told about every photo-level write that touched a batch.
// Implementations must not fail the caller.
type NotifyPort interface {
	NotifyBatchUpdate(ctx context.Context, batchID string)
}

type nopNotifier struct{}

func (nopNotifier) NotifyBatchUpdate(context.Context, string) {}
