package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeQueueStatus = "2026-09-14_normalize_queue_status"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeQueueStatus, apply: normalizeQueueStatus},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeQueueStatus returns rows written with an unknown status to the pending pool.
func normalizeQueueStatus(db *gorm.DB) error {
	return db.Model(&store.QueueRecord{}).
		Where("status NOT IN ?", []string{"pending", "syncing", "failed"}).
		Update("status", "pending").Error
}
