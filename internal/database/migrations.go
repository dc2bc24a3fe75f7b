package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/rentdesk/internal/models"
)

// AutoMigrate creates or updates the schema for the cache generations, cached
// responses and the offline project queue.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}

	if err := db.AutoMigrate(
		&models.CacheGeneration{},
		&models.CacheEntry{},
		&models.QueuedProject{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
