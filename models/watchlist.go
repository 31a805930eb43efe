package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Watchlist is a named list of symbols a user follows without holding them.
type Watchlist struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	UserID      uint            `gorm:"uniqueIndex:idx_user_watchlist_name;not null" json:"user_id"`
	Name        string          `gorm:"size:128;uniqueIndex:idx_user_watchlist_name;not null" json:"name"`
	Description string          `json:"description"`
	Items       []WatchlistItem `gorm:"foreignKey:WatchlistID" json:"items,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type WatchlistItem struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	WatchlistID uint            `gorm:"uniqueIndex:idx_watchlist_symbol;not null" json:"watchlist_id"`
	Symbol      string          `gorm:"size:32;uniqueIndex:idx_watchlist_symbol;not null" json:"symbol"`
	Notes       string          `json:"notes"`
	AddedPrice  decimal.Decimal `gorm:"type:decimal(30,12);default:0" json:"added_price"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// MigrateWatchlistModels runs database migrations for watchlist models
func MigrateWatchlistModels(db *gorm.DB) error {
	return db.AutoMigrate(&Watchlist{}, &WatchlistItem{})
}
