package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/statestore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRenameCloudProvider = "2026-09-01_rename_cloud_storage_provider"

// legacyProviderNames maps provider selections written by earlier releases
// onto the current storage kinds.
var legacyProviderNames = map[string]string{
	`"cloud"`:  `"shared_url"`,
	`"custom"`: `"custom_api"`,
	`"folder"`: `"local"`,
}

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
		{name: migrationRenameCloudProvider, apply: renameCloudProvider},
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

func renameCloudProvider(db *gorm.DB) error {
	for legacy, current := range legacyProviderNames {
		err := db.Model(&statestore.Entry{}).
			Where("entry_key = ? AND value = ?", catalog.KeyStorageProvider, legacy).
			Update("value", current).Error
		if err != nil {
			return err
		}
	}
	return nil
}
