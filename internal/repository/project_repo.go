package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"gorm.io/gorm"
)

type ProjectRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Project, error)
}

type GormProjectRepo struct {
	db *gorm.DB
}

func NewGormProjectRepo(db *gorm.DB) *GormProjectRepo {
	return &GormProjectRepo{db: db}
}

func (r *GormProjectRepo) GetByID(ctx context.Context, id string) (*domain.Project, error) {
	var model ProjectModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return projectModelToDomain(&model), nil
}
