package database

import (
	"errors"
	"time"

	"github.com/tidemark-labs/tidemark/backend/internal/sync"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClampNegativeDeviceCursors = "2026-07-18_clamp_negative_device_cursors"

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
		{name: migrationClampNegativeDeviceCursors, apply: clampNegativeDeviceCursors},
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

// clampNegativeDeviceCursors repairs cursors written by a client build that
// reported -1 before its first pull; a negative floor kept retention disabled
// for the whole workspace.
func clampNegativeDeviceCursors(db *gorm.DB) error {
	return db.Model(&sync.DeviceCursor{}).
		Where("last_seen_version < 0").
		Update("last_seen_version", 0).Error
}
