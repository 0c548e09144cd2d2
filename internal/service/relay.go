package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"github.com/kursadbilgin/batch-analyzer/internal/observability"
	"github.com/kursadbilgin/batch-analyzer/internal/pubsub"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultMaxLifetime       = 30 * time.Minute
)

// Relay pushes fresh batch progress to live subscribers over the event bus.
type Relay struct {
	progress    *ProgressService
	bus         pubsub.Bus
	logger      *zap.Logger
	metrics     *observability.Metrics
	heartbeat   time.Duration
	maxLifetime time.Duration
	now         func() time.Time
}

func NewRelay(
	progress *ProgressService,
	bus pubsub.Bus,
	heartbeat time.Duration,
	maxLifetime time.Duration,
	logger *zap.Logger,
) (*Relay, error) {
	if progress == nil {
		return nil, fmt.Errorf("progress service is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	if maxLifetime <= 0 {
		maxLifetime = defaultMaxLifetime
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Relay{
		progress:    progress,
		bus:         bus,
		logger:      logger,
		heartbeat:   heartbeat,
		maxLifetime: maxLifetime,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *Relay) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// NotifyBatchUpdate invalidates the cached snapshot, rebuilds it from the store
// and publishes it on the batch channel. The cache entry is dropped before the
// rebuild so a reader arriving in between falls through to the store.
// Failures are logged and never returned.
func (r *Relay) NotifyBatchUpdate(ctx context.Context, batchID string) {
	logger := observability.WithContextLogger(r.logger, ctx).With(zap.String("batchId", batchID))

	if err := r.progress.Invalidate(ctx, batchID); err != nil {
		logger.Warn("failed to invalidate progress cache", zap.Error(err))
	}

	snapshot, err := r.progress.ComputeBatchProgress(ctx, batchID, false)
	if err != nil {
		r.metrics.IncRelayPublishFailure()
		logger.Error("failed to recompute batch progress for relay", zap.Error(err))
		return
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		r.metrics.IncRelayPublishFailure()
		logger.Error("failed to encode batch progress", zap.Error(err))
		return
	}

	if err := r.bus.Publish(ctx, pubsub.BatchProgressChannel(batchID), payload); err != nil {
		r.metrics.IncRelayPublishFailure()
		logger.Warn("failed to publish batch progress", zap.Error(err))
		return
	}

	logger.Debug("batch progress published",
		zap.String("status", snapshot.Status.String()),
		zap.Int("progress", snapshot.Progress),
		zap.Int64("version", snapshot.Version),
	)
}

// Subscription is a live progress stream for one batch.
type Subscription struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Unsubscribe stops the stream. It is safe to call more than once and from
// inside the update callback.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Done is closed once the stream has stopped delivering events.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// SubscribeToBatch streams progress events for batchID to onUpdate. The current
// snapshot is delivered first. The stream ends after a complete or timeout
// event, on Unsubscribe, or when ctx is canceled. onUpdate is called from a
// single goroutine.
func (r *Relay) SubscribeToBatch(
	ctx context.Context,
	batchID string,
	onUpdate func(domain.StreamEvent),
) (*Subscription, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	if onUpdate == nil {
		return nil, fmt.Errorf("%w: update callback is required", domain.ErrValidation)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	subCtx, cancel := context.WithCancel(ctx)

	// Subscribe before reading the snapshot so no update falls in between.
	busSub, err := r.bus.Subscribe(subCtx, pubsub.BatchProgressChannel(batchID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to batch %s: %w", batchID, err)
	}

	snapshot, err := r.progress.ComputeBatchProgress(subCtx, batchID, true)
	if err != nil {
		_ = busSub.Close()
		cancel()
		return nil, err
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	r.metrics.IncActiveSubscriptions()

	go r.stream(subCtx, sub, busSub, snapshot, onUpdate)

	return sub, nil
}

func (r *Relay) stream(
	ctx context.Context,
	sub *Subscription,
	busSub pubsub.Subscription,
	snapshot *domain.BatchProgress,
	onUpdate func(domain.StreamEvent),
) {
	logger := r.logger.With(zap.String("batchId", snapshot.BatchID))

	defer func() {
		sub.Unsubscribe()
		if err := busSub.Close(); err != nil {
			logger.Debug("failed to close bus subscription", zap.Error(err))
		}
		r.metrics.DecActiveSubscriptions()
		close(sub.done)
	}()

	emit := func(ev domain.StreamEvent) bool {
		if ctx.Err() != nil {
			return false
		}
		r.metrics.IncRelayEvent(string(ev.Type))
		onUpdate(ev)
		return true
	}

	if !emit(domain.ProgressEvent(snapshot)) || snapshot.Status.IsTerminal() {
		return
	}
	lastVersion := snapshot.Version

	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()
	lifetime := time.NewTimer(r.maxLifetime)
	defer lifetime.Stop()

	messages := busSub.Messages()
	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-messages:
			if !ok {
				emit(domain.ErrorEvent("progress stream closed"))
				return
			}

			var update domain.BatchProgress
			if err := json.Unmarshal(raw, &update); err != nil {
				logger.Warn("failed to decode progress update", zap.Error(err))
				if !emit(domain.ErrorEvent("failed to decode progress update")) {
					return
				}
				continue
			}
			// Snapshots can overtake each other on the bus.
			if update.Version < lastVersion {
				continue
			}
			lastVersion = update.Version

			if !emit(domain.ProgressEvent(&update)) || update.Status.IsTerminal() {
				return
			}
			heartbeat.Reset(r.heartbeat)

		case <-heartbeat.C:
			if !emit(domain.PingEvent(r.now())) {
				return
			}

		case <-lifetime.C:
			emit(domain.TimeoutEvent("subscription reached its maximum lifetime"))
			return
		}
	}
}
