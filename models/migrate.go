package models

import (
	"fmt"

	"gorm.io/gorm"
)

// MigrateAll runs every migration group in dependency order.
func MigrateAll(db *gorm.DB) error {
	steps := []struct {
		name string
		fn   func(*gorm.DB) error
	}{
		{"user", MigrateUserModels},
		{"portfolio", MigratePortfolioModels},
		{"alert", MigrateAlertModels},
		{"watchlist", MigrateWatchlistModels},
		{"exchange", MigrateExchangeModels},
		{"price", MigratePriceModels},
	}
	for _, s := range steps {
		if err := s.fn(db); err != nil {
			return fmt.Errorf("migrate %s models: %w", s.name, err)
		}
	}
	return nil
}
