package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/scuteapp/scute/internal/checkpoint"
	"github.com/scuteapp/scute/internal/devices"
	"github.com/scuteapp/scute/internal/remote"
	"github.com/scuteapp/scute/internal/replica"
	"github.com/scuteapp/scute/internal/syncqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenClientSQLite establishes the client replica database and performs
// schema migrations for the replica tables, the sync queue and the
// checkpoints.
func OpenClientSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	models := append(replica.Models(), &syncqueue.Item{}, checkpoint.Model(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, clientMigrations(), logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("client database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenServerSQLite establishes the harness server database and performs
// schema migrations for the authoritative record table and the device
// registry.
func OpenServerSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&remote.ServerRecord{}, &devices.Device{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, serverMigrations(), logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("server database initialized", zap.String("path", path))
	}
	return db, nil
}

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
