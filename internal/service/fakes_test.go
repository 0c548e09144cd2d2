package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"github.com/kursadbilgin/batch-analyzer/internal/pubsub"
	"github.com/kursadbilgin/batch-analyzer/internal/queue"
	"github.com/kursadbilgin/batch-analyzer/internal/repository"
	"go.uber.org/zap"
)

// memStore is an in-memory durable store. Photo transitions move batch
// counters under one lock, the way the gorm repository does in a transaction,
// and every batch write is checked against the photo rows.
type memStore struct {
	mu         sync.Mutex
	projects   map[string]domain.Project
	batches    map[string]*domain.Batch
	photos     map[string]*domain.Photo
	photoOrder []string
	jobs       map[string]*domain.AnalysisJob
	clock      time.Time
	violations []string
	reconciled int

	transitionErr func(t domain.PhotoTransition) error
	createErr     error
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]domain.Project),
		batches:  make(map[string]*domain.Batch),
		photos:   make(map[string]*domain.Photo),
		jobs:     make(map[string]*domain.AnalysisJob),
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) addProject(id, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[id] = domain.Project{ID: id, OwnerUserID: owner, Name: id}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *memStore) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick()
}

func (m *memStore) batchPhotosLocked(batchID string) []domain.Photo {
	photos := make([]domain.Photo, 0)
	for _, id := range m.photoOrder {
		p := m.photos[id]
		if p.BatchID != nil && *p.BatchID == batchID {
			photos = append(photos, *p)
		}
	}
	return photos
}

func (m *memStore) checkInvariantLocked(batchID string) {
	b := m.batches[batchID]
	photos := m.batchPhotosLocked(batchID)
	if b.Counters.Total() != len(photos) {
		m.violations = append(m.violations, fmt.Sprintf("batch %s: counters sum to %d, want %d", batchID, b.Counters.Total(), len(photos)))
	}
	if derived := domain.CountersFromPhotos(photos); derived != b.Counters {
		m.violations = append(m.violations, fmt.Sprintf("batch %s: counters %+v, photo rows %+v", batchID, b.Counters, derived))
	}
}

func (m *memStore) setPhotoStatus(id string, status domain.PhotoStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.photos[id]
	p.Status = status
	if status == domain.PhotoStatusDone && p.Analysis == nil {
		p.Analysis = &domain.AnalysisResult{RoomType: "kitchen"}
	}
	if status == domain.PhotoStatusError && p.ErrorCode == nil {
		code := "PROVIDER_ERROR"
		p.ErrorCode = &code
	}
}

func (m *memStore) setBatchCounters(id string, c domain.Counters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[id].Counters = c
	m.batches[id].Status = domain.DeriveStatus(c)
}

func (m *memStore) batch(id string) domain.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.batches[id]
}

func (m *memStore) photo(id string) domain.Photo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.photos[id]
}

func (m *memStore) job(id string) domain.AnalysisJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) openJobs(photoID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.PhotoID == photoID && j.State.IsOpen() {
			n++
		}
	}
	return n
}

func (m *memStore) jobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memStore) counterViolations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.violations...)
}

type memProjects struct{ *memStore }

func (r memProjects) GetByID(_ context.Context, id string) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

type memBatches struct{ *memStore }

func (r memBatches) CreateWithPhotos(_ context.Context, b *domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	stored := *b
	stored.Photos = nil
	r.batches[b.ID] = &stored
	for i := range b.Photos {
		p := b.Photos[i]
		r.photos[p.ID] = &p
		r.photoOrder = append(r.photoOrder, p.ID)
	}
	return nil
}

func (r memBatches) GetByID(_ context.Context, id string) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *b
	return &out, nil
}

func (r memBatches) GetWithPhotos(_ context.Context, id string) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *b
	out.Photos = r.batchPhotosLocked(id)
	return &out, nil
}

func (r memBatches) Reconcile(_ context.Context, id string) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	b.Counters = domain.CountersFromPhotos(r.batchPhotosLocked(id))
	b.Status = domain.DeriveStatus(b.Counters)
	b.Version++
	b.UpdatedAt = r.tick()
	r.reconciled++
	out := *b
	return &out, nil
}

type memPhotos struct{ *memStore }

func (r memPhotos) GetByID(_ context.Context, id string) (*domain.Photo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.photos[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (r memPhotos) ListByBatch(_ context.Context, batchID string) ([]domain.Photo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batchPhotosLocked(batchID), nil
}

func (r memPhotos) Transition(_ context.Context, t domain.PhotoTransition) (*repository.TransitionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.transitionErr != nil {
		if err := r.transitionErr(t); err != nil {
			return nil, err
		}
	}

	stored, ok := r.photos[t.PhotoID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	current := *stored
	result := &repository.TransitionResult{Photo: &current, Previous: current.Status}
	if !t.Allows(current.Status) {
		return result, nil
	}

	updated := *stored
	now := r.tick()
	t.Apply(&updated, now)
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	*stored = updated
	out := updated
	result.Photo = &out
	result.Applied = true

	if updated.BatchID != nil {
		b := r.batches[*updated.BatchID]
		b.Counters.Move(result.Previous, updated.Status)
		b.Status = domain.DeriveStatus(b.Counters)
		b.Version++
		b.UpdatedAt = now
		r.checkInvariantLocked(b.ID)
		batch := *b
		result.Batch = &batch
	}
	return result, nil
}

func (r memPhotos) ListStaleProcessing(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Photo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Photo, 0)
	for _, id := range r.photoOrder {
		p := r.photos[id]
		if p.Status == domain.PhotoStatusProcessing && p.UpdatedAt.Before(updatedBefore) {
			out = append(out, *p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memJobs struct{ *memStore }

func (r memJobs) Create(_ context.Context, j *domain.AnalysisJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.jobs {
		if existing.PhotoID == j.PhotoID && existing.State.IsOpen() {
			return fmt.Errorf("%w: photo %s already has an open analysis job", domain.ErrConflict, j.PhotoID)
		}
	}
	stored := *j
	r.jobs[j.ID] = &stored
	return nil
}

func (r memJobs) GetByID(_ context.Context, id string) (*domain.AnalysisJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *j
	return &out, nil
}

func (r memJobs) GetOpenByPhotoID(_ context.Context, photoID string) (*domain.AnalysisJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.PhotoID == photoID && j.State.IsOpen() {
			out := *j
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r memJobs) MarkActive(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || !j.State.IsOpen() {
		return domain.ErrConflict
	}
	j.State = domain.JobStateActive
	j.Deliveries++
	j.UpdatedAt = r.tick()
	return nil
}

func (r memJobs) Finish(_ context.Context, id string, state domain.JobState, reason *string) error {
	if state.IsOpen() {
		return fmt.Errorf("%w: %s is not a terminal job state", domain.ErrValidation, state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || !j.State.IsOpen() {
		return nil
	}
	j.State = state
	j.Error = reason
	j.UpdatedAt = r.tick()
	return nil
}

func (r memJobs) ListStalePending(_ context.Context, updatedBefore time.Time, limit int) ([]domain.AnalysisJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AnalysisJob, 0)
	for _, j := range r.jobs {
		if len(out) == limit {
			break
		}
		p, ok := r.photos[j.PhotoID]
		if j.State.IsOpen() && j.UpdatedAt.Before(updatedBefore) && ok && p.Status == domain.PhotoStatusPending {
			out = append(out, *j)
		}
	}
	return out, nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.AnalysisJobMessage) error

	mu        sync.Mutex
	published []queue.AnalysisJobMessage
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.AnalysisJobMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakePublisher) Close() error {
	return nil
}

func (f *fakePublisher) messages() []queue.AnalysisJobMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.AnalysisJobMessage(nil), f.published...)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error {
	return nil
}

type fakeAnalyzer struct {
	analyzeFn func(ctx context.Context, ref domain.PhotoRef) (*domain.AnalysisResult, error)
	calls     atomic.Int32
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, ref domain.PhotoRef) (*domain.AnalysisResult, error) {
	f.calls.Add(1)
	if f.analyzeFn != nil {
		return f.analyzeFn(ctx, ref)
	}
	return &domain.AnalysisResult{
		RoomType: "living_room",
		Items:    []domain.DetectedItem{{Name: "sofa", Quantity: 1, VolumeCuFt: 35}},
		Provider: "fake",
	}, nil
}

func (f *fakeAnalyzer) Name() string {
	return "fake"
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, scope string) error
}

func (f *fakeRateLimiter) Allow(context.Context, string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, scope string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, scope)
	}
	return nil
}

// memCache mirrors the Redis cache: an older version never replaces a newer one.
type memCache struct {
	mu       sync.Mutex
	entries  map[string]domain.BatchProgress
	versions map[string]int64
	getErr   error
	setErr   error
}

func newMemCache() *memCache {
	return &memCache{
		entries:  make(map[string]domain.BatchProgress),
		versions: make(map[string]int64),
	}
}

func (c *memCache) Get(_ context.Context, batchID string) (*domain.BatchProgress, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	p, ok := c.entries[batchID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *memCache) Set(_ context.Context, p *domain.BatchProgress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	if v, ok := c.versions[p.BatchID]; ok && v > p.Version {
		return nil
	}
	c.entries[p.BatchID] = *p
	c.versions[p.BatchID] = p.Version
	return nil
}

func (c *memCache) Delete(_ context.Context, batchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, batchID)
	return nil
}

func (c *memCache) cached(batchID string) (domain.BatchProgress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[batchID]
	return p, ok
}

type recordingNotifier struct {
	mu       sync.Mutex
	batchIDs []string
}

func (n *recordingNotifier) NotifyBatchUpdate(_ context.Context, batchID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batchIDs = append(n.batchIDs, batchID)
}

func (n *recordingNotifier) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.batchIDs...)
}

// pipeline wires the real services over in-memory adapters.
type pipeline struct {
	store     *memStore
	publisher *fakePublisher
	cache     *memCache
	bus       *pubsub.MemoryBus
	analyzer  *fakeAnalyzer
	progress  *ProgressService
	relay     *Relay
	batches   *BatchService
	worker    *WorkerService
	drained   int
}

const (
	testProjectID = "project-1"
	testUserID    = "user-1"
)

func newPipeline(t *testing.T, analyzer *fakeAnalyzer) *pipeline {
	t.Helper()

	if analyzer == nil {
		analyzer = &fakeAnalyzer{}
	}

	p := &pipeline{
		store:     newMemStore(),
		publisher: &fakePublisher{},
		cache:     newMemCache(),
		bus:       pubsub.NewMemoryBus(64),
		analyzer:  analyzer,
	}
	p.store.addProject(testProjectID, testUserID)
	t.Cleanup(func() { _ = p.bus.Close() })

	var err error
	p.progress, err = NewProgressService(memBatches{p.store}, p.cache, zap.NewNop())
	if err != nil {
		t.Fatalf("NewProgressService() error = %v", err)
	}
	p.relay, err = NewRelay(p.progress, p.bus, time.Hour, time.Hour, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRelay() error = %v", err)
	}
	p.batches, err = NewBatchService(
		memProjects{p.store}, memBatches{p.store}, memPhotos{p.store}, memJobs{p.store},
		p.publisher, p.relay, zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewBatchService() error = %v", err)
	}
	p.batches.now = p.store.now
	p.worker, err = NewWorkerService(
		memBatches{p.store}, memPhotos{p.store}, memJobs{p.store},
		&fakeConsumer{}, analyzer, &fakeRateLimiter{}, p.relay, 1, zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}
	return p
}

func testAssets(filenames ...string) []domain.Asset {
	assets := make([]domain.Asset, 0, len(filenames))
	for _, name := range filenames {
		assets = append(assets, domain.Asset{Filename: name, StoragePath: "s3://photos/" + name})
	}
	return assets
}

func (p *pipeline) createBatch(t *testing.T, filenames ...string) *domain.Batch {
	t.Helper()
	batch, err := p.batches.CreateBatch(context.Background(), testProjectID, testUserID, testAssets(filenames...))
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	return batch
}

// drain runs every published job that has not been processed yet.
func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	for {
		msgs := p.publisher.messages()
		if p.drained >= len(msgs) {
			return
		}
		msg := msgs[p.drained]
		p.drained++
		if err := p.worker.processMessage(context.Background(), msg); err != nil {
			t.Fatalf("processMessage(%s) error = %v", msg.PhotoID, err)
		}
	}
}

// failingFiles makes every photo whose filename starts with "bad" fail analysis.
func failingFiles(err error) *fakeAnalyzer {
	ok := &fakeAnalyzer{}
	return &fakeAnalyzer{
		analyzeFn: func(ctx context.Context, ref domain.PhotoRef) (*domain.AnalysisResult, error) {
			if strings.HasPrefix(ref.Filename, "bad") {
				return nil, err
			}
			return ok.Analyze(ctx, ref)
		},
	}
}
