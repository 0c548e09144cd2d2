package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransitionResult reports the outcome of a conditional photo transition.
// When Applied is false, Photo holds the unchanged current row.
type TransitionResult struct {
	Photo    *domain.Photo
	Batch    *domain.Batch
	Previous domain.PhotoStatus
	Applied  bool
}

type PhotoRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Photo, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.Photo, error)
	Transition(ctx context.Context, t domain.PhotoTransition) (*TransitionResult, error)
	ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Photo, error)
}

type GormPhotoRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormPhotoRepo(db *gorm.DB) *GormPhotoRepo {
	return &GormPhotoRepo{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *GormPhotoRepo) GetByID(ctx context.Context, id string) (*domain.Photo, error) {
	var model PhotoModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return photoModelToDomain(&model)
}

func (r *GormPhotoRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Photo, error) {
	var models []PhotoModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return photoModelsToDomain(models)
}

// Transition applies t under a row lock on the photo. If the photo belongs to a
// batch, the batch row is locked as well and its counters and derived status are
// updated in the same transaction.
func (r *GormPhotoRepo) Transition(ctx context.Context, t domain.PhotoTransition) (*TransitionResult, error) {
	result := &TransitionResult{}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model PhotoModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", t.PhotoID).Error; err != nil {
			return err
		}

		photo, err := photoModelToDomain(&model)
		if err != nil {
			return fmt.Errorf("failed to decode photo: %w", err)
		}
		result.Photo = photo
		result.Previous = photo.Status

		if !t.Allows(photo.Status) {
			return nil
		}

		now := r.now()
		t.Apply(photo, now)
		if err := photo.Validate(); err != nil {
			return err
		}

		analysis, err := encodeAnalysis(photo.Analysis)
		if err != nil {
			return fmt.Errorf("failed to encode analysis: %w", err)
		}

		err = tx.Model(&PhotoModel{}).
			Where("id = ?", photo.ID).
			Updates(map[string]any{
				"status":        photo.Status,
				"room_type":     photo.RoomType,
				"analysis":      analysis,
				"error_code":    photo.ErrorCode,
				"error_message": photo.ErrorMessage,
				"processed_at":  photo.ProcessedAt,
				"updated_at":    photo.UpdatedAt,
			}).Error
		if err != nil {
			return err
		}
		result.Applied = true

		if photo.BatchID == nil {
			return nil
		}

		batch, err := moveBatchCounters(tx, *photo.BatchID, result.Previous, photo.Status, now)
		if err != nil {
			return err
		}
		result.Batch = batch
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}

func moveBatchCounters(tx *gorm.DB, batchID string, from, to domain.PhotoStatus, now time.Time) (*domain.Batch, error) {
	var model BatchModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", batchID).Error; err != nil {
		return nil, err
	}

	counters := model.counters()
	counters.Move(from, to)
	status := domain.DeriveStatus(counters)

	updates := map[string]any{
		"status":     status,
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	if from != to {
		updates[counterColumn(from)] = gorm.Expr(counterColumn(from) + " - 1")
		updates[counterColumn(to)] = gorm.Expr(counterColumn(to) + " + 1")
	}

	if err := tx.Model(&BatchModel{}).Where("id = ?", batchID).Updates(updates).Error; err != nil {
		return nil, err
	}

	batch := batchModelToDomain(&model)
	batch.Counters = counters
	batch.Status = status
	batch.Version = model.Version + 1
	batch.UpdatedAt = now
	return batch, nil
}

func (r *GormPhotoRepo) ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Photo, error) {
	var models []PhotoModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.PhotoStatusProcessing, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return photoModelsToDomain(models)
}
