package service

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"github.com/kursadbilgin/batch-analyzer/internal/observability"
	"go.uber.org/zap"
)

func seedBatch(store *memStore, id string, statuses ...domain.PhotoStatus) {
	store.mu.Lock()
	defer store.mu.Unlock()

	batch := &domain.Batch{ID: id, ProjectID: testProjectID, OwnerUserID: testUserID, Version: 1}
	for i, st := range statuses {
		batchID := id
		photo := &domain.Photo{
			ID:          id + "-p" + string(rune('a'+i)),
			ProjectID:   testProjectID,
			BatchID:     &batchID,
			Filename:    "photo.jpg",
			StoragePath: "s3://photo.jpg",
			Status:      st,
		}
		if st == domain.PhotoStatusDone {
			photo.Analysis = &domain.AnalysisResult{Items: []domain.DetectedItem{{Name: "box", Quantity: 2}}}
		}
		if st == domain.PhotoStatusError {
			code := "TIMEOUT"
			photo.ErrorCode = &code
		}
		store.photos[photo.ID] = photo
		store.photoOrder = append(store.photoOrder, photo.ID)
		batch.Counters.Add(st, 1)
	}
	batch.Status = domain.DeriveStatus(batch.Counters)
	store.batches[id] = batch
}

func TestProgressServiceComputesFromStore(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	statuses := []domain.PhotoStatus{domain.PhotoStatusProcessing, domain.PhotoStatusError, domain.PhotoStatusError}
	for i := 0; i < 7; i++ {
		statuses = append(statuses, domain.PhotoStatusDone)
	}
	seedBatch(store, "b1", statuses...)

	svc, err := NewProgressService(memBatches{store}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewProgressService() error = %v", err)
	}

	progress, err := svc.ComputeBatchProgress(context.Background(), "b1", false)
	if err != nil {
		t.Fatalf("ComputeBatchProgress() error = %v", err)
	}
	if progress.Progress != 90 {
		t.Fatalf("progress = %d, want 90", progress.Progress)
	}
	if progress.Status != domain.BatchStatusProcessing {
		t.Fatalf("status = %s, want PROCESSING", progress.Status)
	}
	if progress.Total != 10 || progress.Completed != 7 || progress.Failed != 2 || progress.Processing != 1 {
		t.Fatalf("counters = %+v", progress.Counters())
	}
	if progress.InventorySummary != nil {
		t.Fatal("inventory summary is only computed for terminal batches")
	}
}

func TestProgressServiceCacheHitMissAndError(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedBatch(store, "b1", domain.PhotoStatusPending, domain.PhotoStatusDone)
	cache := newMemCache()
	metrics := observability.NewMetrics()

	svc, err := NewProgressService(memBatches{store}, cache, zap.NewNop())
	if err != nil {
		t.Fatalf("NewProgressService() error = %v", err)
	}
	svc.SetMetrics(metrics)

	ctx := context.Background()
	if _, err := svc.ComputeBatchProgress(ctx, "b1", true); err != nil {
		t.Fatalf("miss: %v", err)
	}
	if _, ok := cache.cached("b1"); !ok {
		t.Fatal("miss should write the snapshot back to the cache")
	}

	// A hit is served without touching the store.
	store.mu.Lock()
	delete(store.batches, "b1")
	store.mu.Unlock()
	progress, err := svc.ComputeBatchProgress(ctx, "b1", true)
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if progress.Progress != 50 {
		t.Fatalf("cached progress = %d, want 50", progress.Progress)
	}

	// A broken cache degrades to the store.
	cache.getErr = errors.New("redis down")
	if _, err := svc.ComputeBatchProgress(ctx, "b1", true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want not found from store", err)
	}

	exposition := scrapeMetrics(t, metrics)
	for _, result := range []string{"hit", "miss", "error"} {
		line := `batch_analyzer_progress_cache_requests_total{result="` + result + `"} 1`
		if !strings.Contains(exposition, line) {
			t.Fatalf("metrics missing %q", line)
		}
	}
}

func scrapeMetrics(t *testing.T, metrics *observability.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestProgressServiceCacheWriteFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedBatch(store, "b1", domain.PhotoStatusDone)
	cache := newMemCache()
	cache.setErr = errors.New("redis down")

	svc, err := NewProgressService(memBatches{store}, cache, zap.NewNop())
	if err != nil {
		t.Fatalf("NewProgressService() error = %v", err)
	}

	progress, err := svc.ComputeBatchProgress(context.Background(), "b1", true)
	if err != nil {
		t.Fatalf("ComputeBatchProgress() error = %v", err)
	}
	if progress.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", progress.Status)
	}
}

func TestProgressServiceNotFoundAndValidation(t *testing.T) {
	t.Parallel()

	svc, err := NewProgressService(memBatches{newMemStore()}, newMemCache(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewProgressService() error = %v", err)
	}

	if _, err := svc.ComputeBatchProgress(context.Background(), "missing", true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
	if _, err := svc.ComputeBatchProgress(context.Background(), " ", false); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestProgressServiceFallsBackOnDriftedCounters(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedBatch(store, "b1", domain.PhotoStatusDone, domain.PhotoStatusDone)
	store.setBatchCounters("b1", domain.Counters{Processing: 3})

	svc, err := NewProgressService(memBatches{store}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewProgressService() error = %v", err)
	}

	progress, err := svc.ComputeBatchProgress(context.Background(), "b1", false)
	if err != nil {
		t.Fatalf("ComputeBatchProgress() error = %v", err)
	}
	if progress.Total != 2 || progress.Completed != 2 || progress.Status != domain.BatchStatusCompleted {
		t.Fatalf("progress = %+v, want photo-derived counters", progress)
	}
}

func TestCacheCoherenceAfterEveryWrite(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, nil)
	batch := p.createBatch(t, "a.jpg", "b.jpg", "c.jpg")
	ctx := context.Background()

	// Warm the cache with the initial snapshot.
	if _, err := p.progress.ComputeBatchProgress(ctx, batch.ID, true); err != nil {
		t.Fatalf("ComputeBatchProgress() error = %v", err)
	}
	if _, err := p.batches.EnqueueBatch(ctx, batch.ID); err != nil {
		t.Fatalf("EnqueueBatch() error = %v", err)
	}

	for _, msg := range p.publisher.messages() {
		if err := p.worker.processMessage(ctx, msg); err != nil {
			t.Fatalf("processMessage() error = %v", err)
		}

		stored := p.store.batch(batch.ID)
		cached, err := p.progress.ComputeBatchProgress(ctx, batch.ID, true)
		if err != nil {
			t.Fatalf("ComputeBatchProgress() error = %v", err)
		}
		if cached.Counters() != stored.Counters || cached.Version != stored.Version {
			t.Fatalf("cached %+v (v%d), store %+v (v%d)", cached.Counters(), cached.Version, stored.Counters, stored.Version)
		}
	}
}
