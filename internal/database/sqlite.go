package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/sitesync/internal/documents"
	"github.com/MarcoPoloResearchLab/sitesync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// Failures are reported as store.ErrStorageUnavailable so callers can degrade to online-only mode.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: database path is required", store.ErrStorageUnavailable)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(schemaModels()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}

	if err := applyMigrations(db, zapLogger); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}

	if zapLogger != nil {
		zapLogger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func schemaModels() []any {
	models := make([]any, 0, 6)
	models = append(models, store.Models()...)
	models = append(models, documents.Models()...)
	models = append(models, &migrationRecord{})
	return models
}
