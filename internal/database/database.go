package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/beacon-iot/edgegate/internal/models"
)

// sqlitePragmas are appended to file paths. WAL keeps readers unblocked while a sync
// writes; synchronous=FULL makes a committed put survive power loss.
const sqlitePragmas = "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL&_foreign_keys=1"

// Connect opens the SQLite policy store at dbPath and migrates its schema.
func Connect(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn(dbPath)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY between concurrent puts.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or upgrades the policies and sync_metadata tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Policy{}, &models.SyncMetadata{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func dsn(dbPath string) string {
	if strings.Contains(dbPath, "?") {
		return dbPath + "&" + sqlitePragmas
	}
	return dbPath + "?" + sqlitePragmas
}
