package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BatchRepository interface {
	CreateWithPhotos(ctx context.Context, b *domain.Batch) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	GetWithPhotos(ctx context.Context, id string) (*domain.Batch, error)
	Reconcile(ctx context.Context, id string) (*domain.Batch, error)
}

type statusCount struct {
	Status domain.PhotoStatus `gorm:"column:status"`
	Count  int                `gorm:"column:count"`
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

// CreateWithPhotos inserts the batch row and all of b.Photos in one transaction.
func (r *GormBatchRepo) CreateWithPhotos(ctx context.Context, b *domain.Batch) error {
	if b == nil {
		return fmt.Errorf("%w: batch is required", domain.ErrValidation)
	}

	model := batchModelFromDomain(b)
	photos := make([]PhotoModel, 0, len(b.Photos))
	for i := range b.Photos {
		pm, err := photoModelFromDomain(&b.Photos[i])
		if err != nil {
			return fmt.Errorf("failed to encode photo %s: %w", b.Photos[i].ID, err)
		}
		photos = append(photos, *pm)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		if len(photos) == 0 {
			return nil
		}
		return tx.CreateInBatches(&photos, 100).Error
	})
	if err != nil {
		return err
	}

	created := batchModelToDomain(model)
	created.Photos = b.Photos
	for i := range photos {
		if p, convErr := photoModelToDomain(&photos[i]); convErr == nil {
			created.Photos[i] = *p
		}
	}
	*b = *created
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

// GetWithPhotos reads the batch and its photos from the same snapshot.
func (r *GormBatchRepo) GetWithPhotos(ctx context.Context, id string) (*domain.Batch, error) {
	var batch *domain.Batch
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model BatchModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return err
		}

		var photoModels []PhotoModel
		if err := tx.Where("batch_id = ?", id).Order("created_at ASC, id ASC").Find(&photoModels).Error; err != nil {
			return err
		}
		photos, err := photoModelsToDomain(photoModels)
		if err != nil {
			return fmt.Errorf("failed to decode photos: %w", err)
		}

		batch = batchModelToDomain(&model)
		batch.Photos = photos
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// Reconcile recounts the batch's photos by status and rewrites the stored
// counters and derived status from them.
func (r *GormBatchRepo) Reconcile(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			return err
		}

		var rows []statusCount
		err := tx.Model(&PhotoModel{}).
			Select("status, COUNT(*) as count").
			Where("batch_id = ?", id).
			Group("status").
			Scan(&rows).Error
		if err != nil {
			return err
		}

		var counters domain.Counters
		for _, row := range rows {
			counters.Add(row.Status, row.Count)
		}

		model.QueuedCount = counters.Queued
		model.ProcessingCount = counters.Processing
		model.CompletedCount = counters.Completed
		model.FailedCount = counters.Failed
		model.Status = domain.DeriveStatus(counters)
		model.Version++

		return tx.Model(&model).Updates(map[string]any{
			"queued_count":     model.QueuedCount,
			"processing_count": model.ProcessingCount,
			"completed_count":  model.CompletedCount,
			"failed_count":     model.FailedCount,
			"status":           model.Status,
			"version":          model.Version,
		}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}
