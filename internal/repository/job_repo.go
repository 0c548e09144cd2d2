package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"gorm.io/gorm"
)

type JobRepository interface {
	// Create inserts a WAITING job. It returns domain.ErrConflict when the
	// photo already has an open job.
	Create(ctx context.Context, j *domain.AnalysisJob) error
	GetByID(ctx context.Context, id string) (*domain.AnalysisJob, error)
	GetOpenByPhotoID(ctx context.Context, photoID string) (*domain.AnalysisJob, error)
	MarkActive(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, state domain.JobState, reason *string) error
	// ListStalePending returns open jobs untouched since updatedBefore whose
	// photo is still PENDING, i.e. jobs no live message will ever finish.
	ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.AnalysisJob, error)
}

var openJobStates = []domain.JobState{domain.JobStateWaiting, domain.JobStateActive}

type GormJobRepo struct {
	db *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db}
}

func (r *GormJobRepo) Create(ctx context.Context, j *domain.AnalysisJob) error {
	model := jobModelFromDomain(j)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolationError(err) {
			return fmt.Errorf("%w: photo %s already has an open analysis job", domain.ErrConflict, j.PhotoID)
		}
		return err
	}
	if j != nil {
		*j = *jobModelToDomain(model)
	}
	return nil
}

func (r *GormJobRepo) GetByID(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	var model AnalysisJobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) GetOpenByPhotoID(ctx context.Context, photoID string) (*domain.AnalysisJob, error) {
	var model AnalysisJobModel
	err := r.db.WithContext(ctx).
		Where("photo_id = ? AND state IN ?", photoID, openJobStates).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

// MarkActive records a delivery of an open job. A finished job yields domain.ErrConflict.
func (r *GormJobRepo) MarkActive(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&AnalysisJobModel{}).
		Where("id = ? AND state IN ?", id, openJobStates).
		Updates(map[string]any{
			"state":      domain.JobStateActive,
			"deliveries": gorm.Expr("deliveries + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Finish moves an open job to a terminal state. Finishing an already finished job is a no-op.
func (r *GormJobRepo) Finish(ctx context.Context, id string, state domain.JobState, reason *string) error {
	if state.IsOpen() || !state.IsValid() {
		return fmt.Errorf("%w: %s is not a terminal job state", domain.ErrValidation, state)
	}

	return r.db.WithContext(ctx).
		Model(&AnalysisJobModel{}).
		Where("id = ? AND state IN ?", id, openJobStates).
		Updates(map[string]any{
			"state": state,
			"error": reason,
		}).Error
}

func (r *GormJobRepo) ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.AnalysisJob, error) {
	var models []AnalysisJobModel
	err := r.db.WithContext(ctx).
		Joins("JOIN photos ON photos.id = analysis_jobs.photo_id").
		Where("analysis_jobs.state IN ? AND analysis_jobs.updated_at < ? AND photos.status = ?",
			openJobStates, updatedBefore, domain.PhotoStatusPending).
		Order("analysis_jobs.updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.AnalysisJob, 0, len(models))
	for i := range models {
		jobs = append(jobs, *jobModelToDomain(&models[i]))
	}
	return jobs, nil
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
