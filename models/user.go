package models

import (
	"time"

	"gorm.io/gorm"
)

// User is a tenant of the tracker. Identity is owned by the external auth
// service; ExternalID is the subject claim of its tokens.
type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ExternalID     string    `gorm:"size:128;uniqueIndex;not null" json:"external_id"`
	Email          string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	DisplayName    string    `gorm:"size:255" json:"display_name"`
	TelegramChatID int64     `json:"telegram_chat_id,omitempty"`
	BaseCurrency   string    `gorm:"size:8;default:'USD'" json:"base_currency"`
	IsActive       bool      `gorm:"default:true" json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Currency returns the user's base currency, USD when unset.
func (u *User) Currency() string {
	if u.BaseCurrency == "" {
		return "USD"
	}
	return u.BaseCurrency
}

// MigrateUserModels runs database migrations for user-related models
func MigrateUserModels(db *gorm.DB) error {
	return db.AutoMigrate(&User{})
}
