package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-analyzer/internal/repository"
	"gorm.io/gorm"
)

func createAnalysisJobsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_analysis_jobs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AnalysisJobModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_jobs_open_photo ON analysis_jobs (photo_id) WHERE state IN ('WAITING', 'ACTIVE')`,
				`CREATE INDEX IF NOT EXISTS idx_analysis_jobs_batch_id ON analysis_jobs (batch_id) WHERE batch_id IS NOT NULL`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AnalysisJobModel{})
		},
	}
}
