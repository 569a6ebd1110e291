package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillEventRefs = "2026-10-01_backfill_event_refs"
	backfillBatchSize          = 500
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
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillEventRefs, apply: backfillEventRefs},
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
		if err := migration.apply(db, logger); err != nil {
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

// backfillEventRefs fills the reference columns of events written before they
// were indexed, deriving them from the stored payload. Rows whose payload no
// longer decodes are left untouched.
func backfillEventRefs(db *gorm.DB, logger *zap.Logger) error {
	var records []events.Record
	return db.
		Where("board_id = '' AND list_id = '' AND card_id = '' AND document_id = ''").
		FindInBatches(&records, backfillBatchSize, func(tx *gorm.DB, _ int) error {
			for _, record := range records {
				event, err := record.Event()
				if err != nil {
					if logger != nil {
						logger.Warn("event backfill skipped", zap.String("event_id", record.ID), zap.Error(err))
					}
					continue
				}
				refs := event.Refs()
				if refs == (events.Refs{}) {
					continue
				}
				err = tx.Model(&events.Record{}).
					Where("id = ?", record.ID).
					Updates(map[string]interface{}{
						"board_id":    refs.BoardID,
						"list_id":     refs.ListID,
						"card_id":     refs.CardID,
						"document_id": refs.DocumentID,
					}).Error
				if err != nil {
					return err
				}
			}
			return nil
		}).Error
}
