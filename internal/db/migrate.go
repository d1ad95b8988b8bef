package db

import (
	"fmt"

	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Store{},
		&models.Channel{},
		&models.Conversation{},
		&models.Message{},
		&models.WebhookEvent{},
		&models.Job{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
