package inference

import (
	"context"
	"math/rand"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"go.uber.org/zap"
)

const (
	baseRetryDelay       = time.Second
	maxRetryDelay        = 30 * time.Second
	maxRetryJitterMillis = 250
)

// RetryingAnalyzer retries transient failures of the wrapped analyzer with
// exponential backoff.
type RetryingAnalyzer struct {
	next        Analyzer
	maxAttempts int
	logger      *zap.Logger
	randIntn    func(n int) int
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRetryingAnalyzer(next Analyzer, maxAttempts int, logger *zap.Logger) *RetryingAnalyzer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryingAnalyzer{
		next:        next,
		maxAttempts: maxAttempts,
		logger:      logger,
		randIntn:    rand.Intn,
		sleep:       sleepContext,
	}
}

func (r *RetryingAnalyzer) Name() string { return r.next.Name() }

func (r *RetryingAnalyzer) Analyze(ctx context.Context, photo domain.PhotoRef) (*domain.AnalysisResult, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		result, err := r.next.Analyze(ctx, photo)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == r.maxAttempts {
			break
		}

		delay := r.computeRetryDelay(attempt)
		r.logger.Warn("inference attempt failed, retrying",
			zap.String("photoId", photo.PhotoID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return nil, &AnalysisError{Code: CodeTimeout, Message: "retry wait interrupted", Cause: sleepErr}
		}
	}

	return nil, lastErr
}

func (r *RetryingAnalyzer) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if r.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = r.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
