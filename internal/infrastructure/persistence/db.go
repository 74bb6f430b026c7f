package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agentrunner/agentrunner/internal/infrastructure/config"
	"github.com/agentrunner/agentrunner/internal/infrastructure/persistence/models"
)

// NewDBConnection opens the configured database and runs auto-migration.
func NewDBConnection(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	return open(cfg, logger.Default.LogMode(logger.Info))
}

// NewDBConnectionSilent is the same as NewDBConnection but suppresses GORM's
// query logging, for interactive CLI/TUI sessions where SQL noise would
// corrupt the terminal UI.
func NewDBConnectionSilent(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	return open(cfg, logger.Default.LogMode(logger.Silent))
}

func open(cfg *config.DatabaseConfig, gormLogger logger.Interface) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// autoMigrate applies the repository layer's schema.
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.SessionModel{},
		&models.MessageModel{},
		&models.AgentModel{},
	)
}
