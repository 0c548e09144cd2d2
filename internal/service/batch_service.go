package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"github.com/kursadbilgin/batch-analyzer/internal/observability"
	"github.com/kursadbilgin/batch-analyzer/internal/queue"
	"github.com/kursadbilgin/batch-analyzer/internal/repository"
	"go.uber.org/zap"
)

const maxBatchSize = 500

// Enqueue outcomes.
const (
	EnqueueStatusEnqueued          = "enqueued"
	EnqueueStatusAlreadyProcessing = "already_processing"
)

// EnqueueResult reports what happened to a single-photo enqueue request.
type EnqueueResult struct {
	Status string `json:"status"`
	JobID  string `json:"jobId,omitempty"`
}

// BatchService creates batches and turns their photos into analysis jobs.
type BatchService struct {
	projects  repository.ProjectRepository
	batches   repository.BatchRepository
	photos    repository.PhotoRepository
	jobs      repository.JobRepository
	publisher queue.Publisher
	notifier  NotifyPort
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

func NewBatchService(
	projects repository.ProjectRepository,
	batches repository.BatchRepository,
	photos repository.PhotoRepository,
	jobs repository.JobRepository,
	publisher queue.Publisher,
	notifier NotifyPort,
	logger *zap.Logger,
) (*BatchService, error) {
	if projects == nil || batches == nil || photos == nil || jobs == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		projects:  projects,
		batches:   batches,
		photos:    photos,
		jobs:      jobs,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}, nil
}

func (s *BatchService) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// CreateBatch persists a QUEUED batch and one PENDING photo per asset in a
// single transaction. Nothing is persisted when validation fails.
func (s *BatchService) CreateBatch(
	ctx context.Context,
	projectID string,
	userID string,
	assets []domain.Asset,
) (*domain.Batch, error) {
	projectID = strings.TrimSpace(projectID)
	userID = strings.TrimSpace(userID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", domain.ErrValidation)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: batch must include at least one asset", domain.ErrValidation)
	}
	if len(assets) > maxBatchSize {
		return nil, fmt.Errorf("%w: batch size exceeds %d", domain.ErrValidation, maxBatchSize)
	}
	for i := range assets {
		if err := assets[i].Validate(); err != nil {
			return nil, fmt.Errorf("asset %d: %w", i, err)
		}
	}

	if _, err := s.ownedProject(ctx, projectID, userID); err != nil {
		return nil, err
	}

	now := s.now()
	batch := &domain.Batch{
		ID:          s.newID(),
		ProjectID:   projectID,
		OwnerUserID: userID,
		Status:      domain.BatchStatusQueued,
		Counters:    domain.Counters{Queued: len(assets)},
		Version:     1,
		Photos:      make([]domain.Photo, 0, len(assets)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, asset := range assets {
		batchID := batch.ID
		batch.Photos = append(batch.Photos, domain.Photo{
			ID:          s.newID(),
			ProjectID:   projectID,
			BatchID:     &batchID,
			Filename:    strings.TrimSpace(asset.Filename),
			StoragePath: strings.TrimSpace(asset.StoragePath),
			Status:      domain.PhotoStatusPending,
			RoomType:    normalizeOptionalString(asset.RoomHint),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := s.batches.CreateWithPhotos(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	s.metrics.IncBatchesCreated()

	observability.WithContextLogger(s.logger, ctx).Info("batch created",
		zap.String("batchId", batch.ID),
		zap.String("projectId", projectID),
		zap.Int("photos", len(batch.Photos)),
	)

	return batch, nil
}

// EnqueueBatch creates one analysis job per photo of the batch. Photos are
// enqueued independently: a failure on one photo does not undo the others, and
// the joined error lists every photo that could not be enqueued. Photos that
// already hold an open job are skipped.
func (s *BatchService) EnqueueBatch(ctx context.Context, batchID string) ([]domain.AnalysisJob, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	batch, err := s.batches.GetWithPhotos(ctx, batchID)
	if err != nil {
		return nil, err
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("batchId", batchID))

	jobs := make([]domain.AnalysisJob, 0, len(batch.Photos))
	var errs []error
	skipped := 0
	for i := range batch.Photos {
		photo := &batch.Photos[i]
		job, err := s.enqueuePhoto(ctx, photo, batch.OwnerUserID, nil, domain.JobSourceBatch)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("photo %s: %w", photo.ID, err))
		case job == nil:
			skipped++
		default:
			jobs = append(jobs, *job)
		}
	}

	s.notifier.NotifyBatchUpdate(ctx, batchID)

	logger.Info("batch enqueued",
		zap.Int("enqueued", len(jobs)),
		zap.Int("skipped", skipped),
		zap.Int("failed", len(errs)),
	)

	if len(errs) > 0 {
		return jobs, fmt.Errorf("enqueued %d/%d photos: %w", len(jobs), len(batch.Photos), errors.Join(errs...))
	}
	return jobs, nil
}

// EnqueuePhotoAnalysis enqueues a single photo. A photo that is already being
// analyzed, or already holds a queued job, yields already_processing. A DONE or
// ERROR photo is reset and analyzed again.
func (s *BatchService) EnqueuePhotoAnalysis(
	ctx context.Context,
	photoID string,
	userID string,
	roomType *string,
) (*EnqueueResult, error) {
	photoID = strings.TrimSpace(photoID)
	userID = strings.TrimSpace(userID)
	if photoID == "" {
		return nil, fmt.Errorf("%w: photo id is required", domain.ErrValidation)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if err := domain.ValidateRoomHint(roomType); err != nil {
		return nil, err
	}

	photo, err := s.photos.GetByID(ctx, photoID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedProject(ctx, photo.ProjectID, userID); err != nil {
		return nil, err
	}

	job, err := s.enqueuePhoto(ctx, photo, userID, normalizeOptionalString(roomType), domain.JobSourceSingle)
	if err != nil {
		return nil, err
	}
	if job == nil {
		result := &EnqueueResult{Status: EnqueueStatusAlreadyProcessing}
		if open, err := s.jobs.GetOpenByPhotoID(ctx, photoID); err == nil {
			result.JobID = open.ID
		}
		return result, nil
	}

	if photo.BatchID != nil {
		s.notifier.NotifyBatchUpdate(ctx, *photo.BatchID)
	}

	return &EnqueueResult{Status: EnqueueStatusEnqueued, JobID: job.ID}, nil
}

// RequeuePhoto returns a photo stuck in PROCESSING to PENDING and enqueues a
// fresh job for it. The open job of the lost worker is failed first so a late
// result from it is discarded.
func (s *BatchService) RequeuePhoto(ctx context.Context, photo *domain.Photo) (*domain.AnalysisJob, error) {
	if photo == nil {
		return nil, fmt.Errorf("%w: photo is required", domain.ErrValidation)
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("photoId", photo.ID))

	userID := ""
	var roomType *string
	stale, err := s.jobs.GetOpenByPhotoID(ctx, photo.ID)
	switch {
	case err == nil:
		userID = stale.UserID
		roomType = stale.RoomType
		reason := "worker lost while processing"
		if err := s.jobs.Finish(ctx, stale.ID, domain.JobStateFailed, &reason); err != nil {
			return nil, fmt.Errorf("failed to fail stale job: %w", err)
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load open job: %w", err)
	}

	if userID == "" {
		project, err := s.projects.GetByID(ctx, photo.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to load project: %w", err)
		}
		userID = project.OwnerUserID
	}

	res, err := s.photos.Transition(ctx, domain.PhotoTransition{
		PhotoID: photo.ID,
		From:    []domain.PhotoStatus{domain.PhotoStatusProcessing},
		To:      domain.PhotoStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reset stale photo: %w", err)
	}
	if !res.Applied {
		logger.Info("photo left PROCESSING before recovery, skipping",
			zap.String("status", res.Photo.Status.String()),
		)
		return nil, nil
	}
	if res.Batch != nil {
		s.notifier.NotifyBatchUpdate(ctx, res.Batch.ID)
	}

	job, err := s.enqueuePhoto(ctx, res.Photo, userID, roomType, domain.JobSourceRecovery)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// RequeueJob replaces an open job whose message was lost before any worker
// claimed the photo, e.g. after the broker dead-lettered it. The photo must
// still be PENDING; otherwise the job is only failed.
func (s *BatchService) RequeueJob(ctx context.Context, job *domain.AnalysisJob) (*domain.AnalysisJob, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: job is required", domain.ErrValidation)
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("jobId", job.ID),
		zap.String("photoId", job.PhotoID),
	)

	reason := "job stalled before the photo was claimed"
	if err := s.jobs.Finish(ctx, job.ID, domain.JobStateFailed, &reason); err != nil {
		return nil, fmt.Errorf("failed to fail stalled job: %w", err)
	}

	photo, err := s.photos.GetByID(ctx, job.PhotoID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("photo of stalled job not found")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load photo: %w", err)
	}
	if photo.Status != domain.PhotoStatusPending {
		logger.Info("photo left PENDING before recovery, skipping",
			zap.String("status", photo.Status.String()),
		)
		return nil, nil
	}

	return s.enqueuePhoto(ctx, photo, job.UserID, job.RoomType, domain.JobSourceRecovery)
}

// enqueuePhoto claims the photo with a WAITING job and publishes it. It returns
// a nil job when the photo is already being analyzed or already queued.
func (s *BatchService) enqueuePhoto(
	ctx context.Context,
	photo *domain.Photo,
	userID string,
	roomType *string,
	source domain.JobSource,
) (*domain.AnalysisJob, error) {
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("photoId", photo.ID))

	if photo.Status == domain.PhotoStatusProcessing {
		logger.Debug("photo already processing, skipping enqueue")
		return nil, nil
	}

	now := s.now()
	job := &domain.AnalysisJob{
		ID:        s.newID(),
		PhotoID:   photo.ID,
		BatchID:   photo.BatchID,
		UserID:    userID,
		RoomType:  roomType,
		Force:     photo.Status.IsTerminal(),
		Source:    source,
		State:     domain.JobStateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The open-job uniqueness constraint is the claim: only one caller wins.
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Debug("photo already has an open job, skipping enqueue")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create analysis job: %w", err)
	}

	if photo.Status.IsTerminal() {
		res, err := s.photos.Transition(ctx, domain.PhotoTransition{
			PhotoID: photo.ID,
			From:    []domain.PhotoStatus{domain.PhotoStatusDone, domain.PhotoStatusError},
			To:      domain.PhotoStatusPending,
		})
		if err != nil {
			s.failJob(ctx, job.ID, "failed to reset photo for re-analysis")
			return nil, fmt.Errorf("failed to reset photo for re-analysis: %w", err)
		}
		if !res.Applied && res.Photo.Status != domain.PhotoStatusPending {
			s.failJob(ctx, job.ID, "photo changed state before enqueue")
			return nil, nil
		}
		*photo = *res.Photo
	}

	msg := queue.NewAnalysisJobMessage(job)
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		msg.CorrelationID = correlationID
	}
	if err := s.publisher.Publish(ctx, queue.AnalysisQueue, msg); err != nil {
		logger.Error("failed to publish analysis job",
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
		s.failJob(ctx, job.ID, "publish failed")
		job.State = domain.JobStateFailed
		return nil, fmt.Errorf("failed to publish analysis job: %w", err)
	}

	s.metrics.IncJobsEnqueued(string(source))
	logger.Debug("analysis job enqueued",
		zap.String("jobId", job.ID),
		zap.String("source", string(source)),
		zap.Bool("force", job.Force),
	)
	return job, nil
}

func (s *BatchService) failJob(ctx context.Context, jobID string, reason string) {
	if err := s.jobs.Finish(ctx, jobID, domain.JobStateFailed, &reason); err != nil {
		s.logger.Error("failed to mark analysis job as failed",
			zap.String("jobId", jobID),
			zap.Error(err),
		)
	}
}

func (s *BatchService) ownedProject(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !project.OwnedBy(userID) {
		return nil, fmt.Errorf("%w: project %s is not owned by user", domain.ErrUnauthorized, projectID)
	}
	return project, nil
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
