package database

import (
	"fmt"
	"os"
	"path/filepath"

	"giro/internal/config"
	"giro/internal/giro"
)

// NewDatabaseFromConfig creates a Store implementation based on the database config type.
// File databases must already be migrated (see `giro db migrate`); in-memory
// databases are migrated on open.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, nodeID string) (giro.Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		db, err := NewSQLiteDatabase(filepath.Join(cfg.DataDir, nodeID+".db"))
		if err != nil {
			return nil, err
		}
		return db, nil
	case "memory":
		db, err := NewSQLiteDatabase(":memory:")
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

// MigrateFromConfig brings the configured database up to the latest schema.
// It returns the path that was migrated.
func MigrateFromConfig(cfg config.DatabaseConfig, nodeID string) (string, error) {
	if cfg.Type != "sqlite" {
		return "", fmt.Errorf("only sqlite databases are migrated, got %q", cfg.Type)
	}
	if cfg.DataDir == "" {
		return "", fmt.Errorf("data_dir required for sqlite database")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data_dir: %w", err)
	}
	path := filepath.Join(cfg.DataDir, nodeID+".db")
	db, err := NewSQLiteDatabase(path)
	if err != nil {
		return "", err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return "", fmt.Errorf("migrating %s: %w", path, err)
	}
	return path, nil
}
