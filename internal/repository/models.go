package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"gorm.io/datatypes"
)

// ProjectModel is the persistence model for projects. Projects are written by
// the project management surface; the pipeline only reads them.
type ProjectModel struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	OwnerUserID string `gorm:"type:varchar(64);not null;index"`
	Name        string `gorm:"type:varchar(255);not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ProjectModel) TableName() string {
	return "projects"
}

// BatchModel is the persistence model for batches.
type BatchModel struct {
	ID              string             `gorm:"type:uuid;primaryKey"`
	ProjectID       string             `gorm:"type:uuid;not null;index"`
	OwnerUserID     string             `gorm:"type:varchar(64);not null"`
	Status          domain.BatchStatus `gorm:"type:varchar(20);not null"`
	QueuedCount     int                `gorm:"not null;default:0"`
	ProcessingCount int                `gorm:"not null;default:0"`
	CompletedCount  int                `gorm:"not null;default:0"`
	FailedCount     int                `gorm:"not null;default:0"`
	Version         int64              `gorm:"not null;default:1"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// PhotoModel is the persistence model for photos.
type PhotoModel struct {
	ID           string             `gorm:"type:uuid;primaryKey"`
	ProjectID    string             `gorm:"type:uuid;not null"`
	BatchID      *string            `gorm:"type:uuid"`
	Filename     string             `gorm:"type:varchar(255);not null"`
	StoragePath  string             `gorm:"type:text;not null"`
	Status       domain.PhotoStatus `gorm:"type:varchar(20);not null"`
	RoomType     *string            `gorm:"type:varchar(64)"`
	Analysis     datatypes.JSON     `gorm:"type:jsonb"`
	ErrorCode    *string            `gorm:"type:varchar(64)"`
	ErrorMessage *string            `gorm:"type:text"`
	ProcessedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (PhotoModel) TableName() string {
	return "photos"
}

// AnalysisJobModel is the persistence model for analysis_jobs.
type AnalysisJobModel struct {
	ID         string           `gorm:"type:uuid;primaryKey"`
	PhotoID    string           `gorm:"type:uuid;not null"`
	BatchID    *string          `gorm:"type:uuid"`
	UserID     string           `gorm:"type:varchar(64);not null"`
	RoomType   *string          `gorm:"type:varchar(64)"`
	Force      bool             `gorm:"not null;default:false"`
	Source     domain.JobSource `gorm:"type:varchar(16);not null"`
	State      domain.JobState  `gorm:"type:varchar(16);not null"`
	Deliveries int              `gorm:"not null;default:0"`
	Error      *string          `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (AnalysisJobModel) TableName() string {
	return "analysis_jobs"
}

func projectModelToDomain(m *ProjectModel) *domain.Project {
	if m == nil {
		return nil
	}

	return &domain.Project{
		ID:          m.ID,
		OwnerUserID: m.OwnerUserID,
		Name:        m.Name,
	}
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:              b.ID,
		ProjectID:       b.ProjectID,
		OwnerUserID:     b.OwnerUserID,
		Status:          b.Status,
		QueuedCount:     b.Counters.Queued,
		ProcessingCount: b.Counters.Processing,
		CompletedCount:  b.Counters.Completed,
		FailedCount:     b.Counters.Failed,
		Version:         b.Version,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		OwnerUserID: m.OwnerUserID,
		Status:      m.Status,
		Counters:    m.counters(),
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func (m *BatchModel) counters() domain.Counters {
	return domain.Counters{
		Queued:     m.QueuedCount,
		Processing: m.ProcessingCount,
		Completed:  m.CompletedCount,
		Failed:     m.FailedCount,
	}
}

// counterColumn maps a photo status onto the batch column that tallies it.
func counterColumn(status domain.PhotoStatus) string {
	switch status {
	case domain.PhotoStatusPending:
		return "queued_count"
	case domain.PhotoStatusProcessing:
		return "processing_count"
	case domain.PhotoStatusDone:
		return "completed_count"
	case domain.PhotoStatusError:
		return "failed_count"
	}
	return ""
}

func photoModelFromDomain(p *domain.Photo) (*PhotoModel, error) {
	if p == nil {
		return nil, nil
	}

	analysis, err := encodeAnalysis(p.Analysis)
	if err != nil {
		return nil, err
	}

	return &PhotoModel{
		ID:           p.ID,
		ProjectID:    p.ProjectID,
		BatchID:      p.BatchID,
		Filename:     p.Filename,
		StoragePath:  p.StoragePath,
		Status:       p.Status,
		RoomType:     p.RoomType,
		Analysis:     analysis,
		ErrorCode:    p.ErrorCode,
		ErrorMessage: p.ErrorMessage,
		ProcessedAt:  p.ProcessedAt,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}, nil
}

func photoModelToDomain(m *PhotoModel) (*domain.Photo, error) {
	if m == nil {
		return nil, nil
	}

	analysis, err := decodeAnalysis(m.Analysis)
	if err != nil {
		return nil, err
	}

	return &domain.Photo{
		ID:           m.ID,
		ProjectID:    m.ProjectID,
		BatchID:      m.BatchID,
		Filename:     m.Filename,
		StoragePath:  m.StoragePath,
		Status:       m.Status,
		RoomType:     m.RoomType,
		Analysis:     analysis,
		ErrorCode:    m.ErrorCode,
		ErrorMessage: m.ErrorMessage,
		ProcessedAt:  m.ProcessedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

func photoModelsToDomain(models []PhotoModel) ([]domain.Photo, error) {
	photos := make([]domain.Photo, 0, len(models))
	for i := range models {
		p, err := photoModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		photos = append(photos, *p)
	}
	return photos, nil
}

func encodeAnalysis(a *domain.AnalysisResult) (datatypes.JSON, error) {
	if a == nil {
		return nil, nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func decodeAnalysis(raw datatypes.JSON) (*domain.AnalysisResult, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var a domain.AnalysisResult
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func jobModelFromDomain(j *domain.AnalysisJob) *AnalysisJobModel {
	if j == nil {
		return nil
	}

	return &AnalysisJobModel{
		ID:         j.ID,
		PhotoID:    j.PhotoID,
		BatchID:    j.BatchID,
		UserID:     j.UserID,
		RoomType:   j.RoomType,
		Force:      j.Force,
		Source:     j.Source,
		State:      j.State,
		Deliveries: j.Deliveries,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

func jobModelToDomain(m *AnalysisJobModel) *domain.AnalysisJob {
	if m == nil {
		return nil
	}

	return &domain.AnalysisJob{
		ID:         m.ID,
		PhotoID:    m.PhotoID,
		BatchID:    m.BatchID,
		UserID:     m.UserID,
		RoomType:   m.RoomType,
		Force:      m.Force,
		Source:     m.Source,
		State:      m.State,
		Deliveries: m.Deliveries,
		Error:      m.Error,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}
