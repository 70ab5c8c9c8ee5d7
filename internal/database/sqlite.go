package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tidelinehq/tideline/internal/action"
	"github.com/tidelinehq/tideline/internal/authority"
	"github.com/tidelinehq/tideline/internal/engine"
	"github.com/tidelinehq/tideline/internal/rowstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenClient establishes a replica-side SQLite connection and performs schema
// migrations for the engine's bookkeeping tables.
func OpenClient(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&action.Record{}, &action.ModifiedRow{},
		&rowstore.Row{}, &rowstore.PatchMark{},
		&engine.SyncStatus{}, &engine.AppliedAction{}, &engine.QuarantinedAction{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("client database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenAuthority establishes the server-side SQLite connection and performs
// schema migrations for the materializer's tables.
func OpenAuthority(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&action.Record{}, &action.ModifiedRow{},
		&rowstore.Row{}, &rowstore.PatchMark{},
		&authority.ServerMeta{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("authority database initialized", zap.String("path", path))
	}
	return db, nil
}
