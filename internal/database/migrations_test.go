package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/kiosk/internal/statestore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRenamesLegacyProvider(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&statestore.Entry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	entries := []statestore.Entry{
		{Key: "storageProvider", Value: `"cloud"`, UpdatedAtSeconds: 1},
		{Key: "brands", Value: `"cloud"`, UpdatedAtSeconds: 1},
	}
	if err := database.Create(&entries).Error; err != nil {
		testContext.Fatalf("failed to insert entries: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var provider statestore.Entry
	if err := database.Where("entry_key = ?", "storageProvider").Take(&provider).Error; err != nil {
		testContext.Fatalf("failed to reload provider: %v", err)
	}
	if provider.Value != `"shared_url"` {
		testContext.Fatalf("expected provider to be renamed, got %s", provider.Value)
	}

	var untouched statestore.Entry
	if err := database.Where("entry_key = ?", "brands").Take(&untouched).Error; err != nil {
		testContext.Fatalf("failed to reload brands: %v", err)
	}
	if untouched.Value != `"cloud"` {
		testContext.Fatalf("expected unrelated key to be untouched, got %s", untouched.Value)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRenameCloudProvider).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteIsIdempotent(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "kiosk.db")
	for attempt := 0; attempt < 2; attempt++ {
		db, err := OpenSQLite(databasePath, zap.NewNop())
		if err != nil {
			testContext.Fatalf("open attempt %d: %v", attempt, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			testContext.Fatalf("sql handle: %v", err)
		}
		_ = sqlDB.Close()
	}
}
