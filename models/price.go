package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CryptoPrice is the last known quote for a symbol.
type CryptoPrice struct {
	Symbol           string          `gorm:"primaryKey;size:32" json:"symbol"`
	CoinID           string          `gorm:"size:128;index" json:"coin_id"`
	Name             string          `gorm:"size:128" json:"name"`
	Price            decimal.Decimal `gorm:"type:decimal(30,12)" json:"price"`
	Change24h        decimal.Decimal `gorm:"type:decimal(30,12)" json:"change_24h"`
	ChangePercent24h decimal.Decimal `gorm:"type:decimal(12,4)" json:"change_percent_24h"`
	Volume24h        decimal.Decimal `gorm:"type:decimal(30,4)" json:"volume_24h"`
	MarketCap        decimal.Decimal `gorm:"type:decimal(30,4)" json:"market_cap"`
	High24h          decimal.Decimal `gorm:"type:decimal(30,12)" json:"high_24h"`
	Low24h           decimal.Decimal `gorm:"type:decimal(30,12)" json:"low_24h"`
	Source           string          `gorm:"size:32" json:"source"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MigratePriceModels runs database migrations for price models
func MigratePriceModels(db *gorm.DB) error {
	return db.AutoMigrate(&CryptoPrice{})
}
