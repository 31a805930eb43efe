package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Portfolio is a user-owned collection of holdings with aggregate metrics.
type Portfolio struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	UserID            uint            `gorm:"uniqueIndex:idx_user_portfolio_name;not null" json:"user_id"`
	Name              string          `gorm:"size:128;uniqueIndex:idx_user_portfolio_name;not null" json:"name"`
	Description       string          `json:"description"`
	IsDefault         bool            `gorm:"default:false" json:"is_default"`
	TotalValue        decimal.Decimal `gorm:"type:decimal(30,8);default:0" json:"total_value"`
	TotalCost         decimal.Decimal `gorm:"type:decimal(30,8);default:0" json:"total_cost"`
	ProfitLoss        decimal.Decimal `gorm:"type:decimal(30,8);default:0" json:"profit_loss"`
	ProfitLossPercent decimal.Decimal `gorm:"type:decimal(12,4);default:0" json:"profit_loss_percent"`
	Assets            []Asset         `gorm:"foreignKey:PortfolioID" json:"assets,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Asset is a single holding within a portfolio.
type Asset struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	PortfolioID       uint            `gorm:"uniqueIndex:idx_portfolio_symbol;not null" json:"portfolio_id"`
	Symbol            string          `gorm:"size:32;uniqueIndex:idx_portfolio_symbol;not null" json:"symbol"`
	Name              string          `gorm:"size:128" json:"name"`
	Quantity          decimal.Decimal `gorm:"type:decimal(30,12);default:0" json:"quantity"`
	AverageBuyPrice   decimal.Decimal `gorm:"type:decimal(30,12);default:0" json:"average_buy_price"`
	CurrentPrice      decimal.Decimal `gorm:"type:decimal(30,12);default:0" json:"current_price"`
	CurrentValue      decimal.Decimal `gorm:"type:decimal(30,8);default:0" json:"current_value"`
	ProfitLoss        decimal.Decimal `gorm:"type:decimal(30,8);default:0" json:"profit_loss"`
	ProfitLossPercent decimal.Decimal `gorm:"type:decimal(12,4);default:0" json:"profit_loss_percent"`
	Source            string          `gorm:"size:16;default:'manual'" json:"source"` // manual, exchange, wallet
	LastPriceAt       *time.Time      `json:"last_price_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CostBasis is quantity times average buy price.
func (a *Asset) CostBasis() decimal.Decimal {
	return a.Quantity.Mul(a.AverageBuyPrice)
}

// Transaction records a buy or sell against an asset.
type Transaction struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	PortfolioID uint            `gorm:"index;not null" json:"portfolio_id"`
	AssetID     uint            `gorm:"index;not null" json:"asset_id"`
	Symbol      string          `gorm:"size:32;not null" json:"symbol"`
	Type        string          `gorm:"size:8;not null" json:"type"` // BUY, SELL
	Quantity    decimal.Decimal `gorm:"type:decimal(30,12)" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:decimal(30,12)" json:"price"`
	Fee         decimal.Decimal `gorm:"type:decimal(30,12);default:0" json:"fee"`
	Total       decimal.Decimal `gorm:"type:decimal(30,8)" json:"total"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(30,8);default:0" json:"realized_pnl"`
	ExecutedAt  time.Time       `gorm:"index" json:"executed_at"`
	Notes       string          `json:"notes"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Transaction types
const (
	TransactionBuy  = "BUY"
	TransactionSell = "SELL"
)

// Asset sources
const (
	AssetSourceManual   = "manual"
	AssetSourceExchange = "exchange"
	AssetSourceWallet   = "wallet"
)

// IsValidTransactionType checks if the transaction type is valid
func IsValidTransactionType(t string) bool {
	return t == TransactionBuy || t == TransactionSell
}

// HistoricalData is a periodic snapshot of a portfolio's value and allocation.
type HistoricalData struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	PortfolioID uint            `gorm:"index:idx_history_portfolio_ts;not null" json:"portfolio_id"`
	TotalValue  decimal.Decimal `gorm:"type:decimal(30,8)" json:"total_value"`
	TotalCost   decimal.Decimal `gorm:"type:decimal(30,8)" json:"total_cost"`
	ProfitLoss  decimal.Decimal `gorm:"type:decimal(30,8)" json:"profit_loss"`
	Allocation  string          `gorm:"type:text" json:"-"`
	Timestamp   time.Time       `gorm:"index:idx_history_portfolio_ts" json:"timestamp"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AllocationEntry is one asset's share of a snapshot.
type AllocationEntry struct {
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Value    decimal.Decimal `json:"value"`
	Weight   decimal.Decimal `json:"weight"` // percent of total value
}

// AllocationMap decodes the stored allocation. A malformed column yields an empty map.
func (h *HistoricalData) AllocationMap() map[string]AllocationEntry {
	out := make(map[string]AllocationEntry)
	if h.Allocation == "" {
		return out
	}
	if err := json.Unmarshal([]byte(h.Allocation), &out); err != nil {
		return make(map[string]AllocationEntry)
	}
	return out
}

// SetAllocation encodes the allocation into the stored column.
func (h *HistoricalData) SetAllocation(m map[string]AllocationEntry) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	h.Allocation = string(data)
	return nil
}

// MarshalJSON exposes the decoded allocation instead of the raw column.
func (h HistoricalData) MarshalJSON() ([]byte, error) {
	type alias HistoricalData
	return json.Marshal(struct {
		alias
		Allocation map[string]AllocationEntry `json:"allocation"`
	}{alias(h), h.AllocationMap()})
}

// MigratePortfolioModels runs database migrations for portfolio-related models
func MigratePortfolioModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Portfolio{},
		&Asset{},
		&Transaction{},
		&HistoricalData{},
	)
}
