package database

import (
	"errors"
	"time"

	"github.com/scuteapp/scute/internal/syncqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeQueueStatus = "2026-07-02_normalize_queue_status"
	migrationBackfillRecordIndex  = "2026-07-18_backfill_server_record_index"
)

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

func clientMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNormalizeQueueStatus, apply: normalizeQueueStatus},
	}
}

func serverMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillRecordIndex, apply: backfillServerRecordIndex},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
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

// Early builds wrote an empty status for freshly enqueued intents.
func normalizeQueueStatus(db *gorm.DB) error {
	return db.Model(&syncqueue.Item{}).
		Where("status = '' OR status IS NULL").
		Update("status", syncqueue.StatusPending).Error
}

func backfillServerRecordIndex(db *gorm.DB) error {
	return db.Exec("UPDATE server_records SET updated_at_ms = 0 WHERE updated_at_ms IS NULL;").Error
}
