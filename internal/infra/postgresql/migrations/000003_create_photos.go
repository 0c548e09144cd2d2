package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-analyzer/internal/repository"
	"gorm.io/gorm"
)

func createPhotosTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_photos",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.PhotoModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_photos_batch_id ON photos (batch_id, created_at) WHERE batch_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_photos_processing_updated ON photos (updated_at) WHERE status = 'PROCESSING'`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.PhotoModel{})
		},
	}
}
