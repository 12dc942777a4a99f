package database

import (
	"errors"
	"time"

	"github.com/sparkpadlab/sparkpad/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillContentHashes = "2026-07-14_backfill_session_content_hashes"

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
		{name: migrationBackfillContentHashes, apply: backfillContentHashes},
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

// backfillContentHashes recomputes the fingerprint for any session row
// stored without one, so the CAS path never compares against an empty
// baseline.
func backfillContentHashes(db *gorm.DB) error {
	var rows []session.CodeSession
	if err := db.Where("content_hash = ''").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		codeSpace, err := session.NewCodeSpaceID(row.CodeSpace)
		if err != nil {
			continue
		}
		hash := session.ContentFingerprint(codeSpace, row.ContentFields())
		if err := db.Model(&session.CodeSession{}).
			Where("code_space = ?", row.CodeSpace).
			Update("content_hash", hash).Error; err != nil {
			return err
		}
	}
	return nil
}
