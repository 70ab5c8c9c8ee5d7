package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tidelinehq/tideline/internal/action"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsPatchCounts(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&action.Record{}, &action.ModifiedRow{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	ingestID := uint64(4)
	record := action.Record{
		ID:              "action-1",
		Tag:             "note/create",
		ClientID:        "client-a",
		TransactionID:   "txn-1",
		ClockJSON:       `{"timestampMs":1,"vector":{"client-a":1}}`,
		ArgsJSON:        "{}",
		Synced:          true,
		ServerIngestID:  &ingestID,
		SortTimestampMs: 1,
		SortCounter:     1,
		PatchCount:      0,
	}
	if err := database.Create(&record).Error; err != nil {
		testContext.Fatalf("failed to insert action: %v", err)
	}
	patches := []action.ModifiedRow{
		{ID: "patch-1", ActionRecordID: record.ID, Table: "notes", RowID: "row-1", Operation: action.OperationInsert, ForwardJSON: `{"title":"a"}`, ReverseJSON: "{}", Sequence: 1},
		{ID: "patch-2", ActionRecordID: record.ID, Table: "notes", RowID: "row-1", Operation: action.OperationUpdate, ForwardJSON: `{"title":"b"}`, ReverseJSON: `{"title":"a"}`, Sequence: 2},
	}
	for _, patch := range patches {
		if err := database.Create(&patch).Error; err != nil {
			testContext.Fatalf("failed to insert patch: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored action.Record
	if err := database.Where("action_id = ?", record.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload action: %v", err)
	}
	if stored.PatchCount != len(patches) {
		testContext.Fatalf("expected patch count %d, got %d", len(patches), stored.PatchCount)
	}

	var applied migrationRecord
	if err := database.Where("name = ?", migrationBackfillPatchCounts).Take(&applied).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if applied.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
