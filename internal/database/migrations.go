package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillPatchCounts = "2026-07-14_backfill_patch_counts"

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
		{name: migrationBackfillPatchCounts, apply: backfillPatchCounts},
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

// backfillPatchCounts repairs acknowledged actions persisted before the
// patch_count column existed. Without a count those actions would never reach
// eligibility on a replica that fetched them partially.
func backfillPatchCounts(db *gorm.DB) error {
	return db.Exec(`
		UPDATE action_records
		SET patch_count = (
			SELECT COUNT(*) FROM action_modified_rows
			WHERE action_modified_rows.action_record_id = action_records.action_id
		)
		WHERE patch_count = 0
		  AND synced = 1
		  AND server_ingest_id IS NOT NULL;
	`).Error
}
