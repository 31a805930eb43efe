package models

import (
	"time"

	"gorm.io/gorm"
)

// ExchangeAccount links an exchange API key or a wallet address to a portfolio.
// Credentials are stored sealed; see services/exchange.
type ExchangeAccount struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UserID          uint       `gorm:"index;not null" json:"user_id"`
	PortfolioID     uint       `gorm:"index;not null" json:"portfolio_id"`
	Kind            string     `gorm:"size:16;not null" json:"kind"`     // exchange, wallet
	Provider        string     `gorm:"size:32;not null" json:"provider"` // binance, ethereum
	Label           string     `gorm:"size:128" json:"label"`
	APIKeySealed    string     `gorm:"type:text" json:"-"`
	APISecretSealed string     `gorm:"type:text" json:"-"`
	Address         string     `gorm:"size:128" json:"address,omitempty"`
	Status          string     `gorm:"size:16;default:'active'" json:"status"`
	LastSyncedAt    *time.Time `json:"last_synced_at"`
	LastError       string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const (
	AccountKindExchange = "exchange"
	AccountKindWallet   = "wallet"

	ProviderBinance  = "binance"
	ProviderEthereum = "ethereum"

	AccountStatusActive   = "active"
	AccountStatusError    = "error"
	AccountStatusDisabled = "disabled"
)

// AssetSource maps the account kind onto the source tag of synced assets.
func (a *ExchangeAccount) AssetSource() string {
	if a.Kind == AccountKindWallet {
		return AssetSourceWallet
	}
	return AssetSourceExchange
}

// MigrateExchangeModels runs database migrations for linked accounts
func MigrateExchangeModels(db *gorm.DB) error {
	return db.AutoMigrate(&ExchangeAccount{})
}
