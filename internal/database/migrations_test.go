package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsEventRefs(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&events.Record{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := []events.Record{
		{
			ID:              "evt-1",
			Type:            string(events.TypeCardCreated),
			PayloadJSON:     `{"boardId":"b1","listId":"l1","cardId":"c1","title":"Write docs"}`,
			ActorID:         "user-1",
			TimestampMs:     1,
			Version:         1,
			CausalStampJSON: `{}`,
			CreatedAt:       time.Unix(1, 0).UTC(),
		},
		{
			ID:              "evt-2",
			Type:            "mystery.happened",
			PayloadJSON:     `{}`,
			ActorID:         "user-1",
			TimestampMs:     2,
			Version:         1,
			CausalStampJSON: `{}`,
			CreatedAt:       time.Unix(2, 0).UTC(),
		},
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert events: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored events.Record
	if err := database.Where("id = ?", "evt-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload event: %v", err)
	}
	if stored.BoardID != "b1" || stored.ListID != "l1" || stored.CardID != "c1" {
		testContext.Fatalf("expected refs to be backfilled, got %+v", stored)
	}

	var untouched events.Record
	if err := database.Where("id = ?", "evt-2").Take(&untouched).Error; err != nil {
		testContext.Fatalf("failed to reload event: %v", err)
	}
	if untouched.BoardID != "" {
		testContext.Fatalf("expected undecodable event to stay untouched, got %+v", untouched)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillEventRefs).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := database.Model(&events.Record{}).Where("id = ?", "evt-1").Update("board_id", "").Error; err != nil {
		testContext.Fatalf("failed to reset board id: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if err := database.Where("id = ?", "evt-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload event: %v", err)
	}
	if stored.BoardID != "" {
		testContext.Fatalf("expected applied migration to be skipped")
	}
}

func TestOpenCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "corkboard.db")
	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"events", "document_snapshots", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("oracle", "dsn", nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(DriverSQLite, "", nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}
