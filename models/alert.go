package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Alert is a user-defined condition watched by the alert engine.
type Alert struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          uint            `gorm:"index;not null" json:"user_id"`
	Name            string          `gorm:"size:128" json:"name"`
	Type            string          `gorm:"size:16;index;not null" json:"type"` // PRICE, PORTFOLIO, SYSTEM
	Condition       string          `gorm:"size:32" json:"condition"`
	Symbol          string          `gorm:"size:32;index" json:"symbol,omitempty"`
	PortfolioID     *uint           `gorm:"index" json:"portfolio_id,omitempty"`
	Metric          string          `gorm:"size:32" json:"metric,omitempty"`
	EventType       string          `gorm:"size:32" json:"event_type,omitempty"`
	Threshold       decimal.Decimal `gorm:"type:decimal(30,8);default:0" json:"threshold"`
	Channels        string          `gorm:"size:128;default:'in_app'" json:"channels"`
	Status          string          `gorm:"size:16;index;default:'ACTIVE'" json:"status"`
	Recurring       bool            `gorm:"default:false" json:"recurring"`
	CooldownSeconds int             `gorm:"default:3600" json:"cooldown_seconds"`
	TriggerCount    int             `gorm:"default:0" json:"trigger_count"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at"`
	LastValue       decimal.Decimal `gorm:"type:decimal(30,8);default:0" json:"last_value"`
	ExpiresAt       *time.Time      `json:"expires_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ChannelList splits the stored channel list.
func (a *Alert) ChannelList() []string {
	return SplitChannels(a.Channels)
}

// InCooldown reports whether a recurring alert fired too recently to fire again.
func (a *Alert) InCooldown(now time.Time) bool {
	if a.LastTriggeredAt == nil || a.CooldownSeconds <= 0 {
		return false
	}
	return now.Before(a.LastTriggeredAt.Add(time.Duration(a.CooldownSeconds) * time.Second))
}

// IsExpired reports whether the alert's expiry is in the past.
func (a *Alert) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// AlertHistory records each time an alert fired.
type AlertHistory struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	AlertID     uint            `gorm:"index;not null" json:"alert_id"`
	UserID      uint            `gorm:"index;not null" json:"user_id"`
	Value       decimal.Decimal `gorm:"type:decimal(30,8)" json:"value"`
	Message     string          `gorm:"type:text" json:"message"`
	Channels    string          `gorm:"size:128" json:"channels"`
	TriggeredAt time.Time       `gorm:"index" json:"triggered_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Notification is an entry in a user's in-app inbox.
type Notification struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    uint       `gorm:"index;not null" json:"user_id"`
	AlertID   *uint      `gorm:"index" json:"alert_id,omitempty"`
	Title     string     `gorm:"size:255" json:"title"`
	Body      string     `gorm:"type:text" json:"body"`
	Level     string     `gorm:"size:16;default:'info'" json:"level"`
	ReadAt    *time.Time `json:"read_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Alert types
const (
	AlertTypePrice     = "PRICE"
	AlertTypePortfolio = "PORTFOLIO"
	AlertTypeSystem    = "SYSTEM"
)

// Alert conditions
const (
	ConditionAbove             = "ABOVE"
	ConditionBelow             = "BELOW"
	ConditionPercentChangeUp   = "PERCENT_CHANGE_UP"
	ConditionPercentChangeDown = "PERCENT_CHANGE_DOWN"
	ConditionPercentChange     = "PERCENT_CHANGE"
)

// Portfolio metrics
const (
	MetricTotalValue         = "TOTAL_VALUE"
	MetricProfitLoss         = "PROFIT_LOSS"
	MetricProfitLossPercent  = "PROFIT_LOSS_PERCENT"
	MetricDailyChangePercent = "DAILY_CHANGE_PERCENT"
	MetricAssetWeight        = "ASSET_WEIGHT"
)

// System event types
const (
	EventExchangeSyncFailed = "EXCHANGE_SYNC_FAILED"
	EventPriceFeedDown      = "PRICE_FEED_DOWN"
	EventPriceFeedRestored  = "PRICE_FEED_RESTORED"
	EventSnapshotFailed     = "SNAPSHOT_FAILED"
)

// Alert statuses
const (
	AlertStatusActive    = "ACTIVE"
	AlertStatusTriggered = "TRIGGERED"
	AlertStatusDisabled  = "DISABLED"
	AlertStatusExpired   = "EXPIRED"
)

// Notification channels
const (
	ChannelInApp    = "in_app"
	ChannelEmail    = "email"
	ChannelPush     = "push"
	ChannelTelegram = "telegram"
)

// DefaultCooldownSeconds applies to recurring alerts created without a cooldown.
const DefaultCooldownSeconds = 3600

func ValidAlertTypes() []string {
	return []string{AlertTypePrice, AlertTypePortfolio, AlertTypeSystem}
}

// ValidPriceConditions returns valid conditions for price alerts
func ValidPriceConditions() []string {
	return []string{
		ConditionAbove,
		ConditionBelow,
		ConditionPercentChangeUp,
		ConditionPercentChangeDown,
		ConditionPercentChange,
	}
}

// ValidPortfolioConditions returns valid conditions for portfolio alerts
func ValidPortfolioConditions() []string {
	return []string{ConditionAbove, ConditionBelow}
}

func ValidPortfolioMetrics() []string {
	return []string{
		MetricTotalValue,
		MetricProfitLoss,
		MetricProfitLossPercent,
		MetricDailyChangePercent,
		MetricAssetWeight,
	}
}

func ValidSystemEvents() []string {
	return []string{
		EventExchangeSyncFailed,
		EventPriceFeedDown,
		EventPriceFeedRestored,
		EventSnapshotFailed,
	}
}

func ValidChannels() []string {
	return []string{ChannelInApp, ChannelEmail, ChannelPush, ChannelTelegram}
}

func ValidAlertStatuses() []string {
	return []string{AlertStatusActive, AlertStatusTriggered, AlertStatusDisabled, AlertStatusExpired}
}

// IsValidAlertType checks if the alert type is valid
func IsValidAlertType(alertType string) bool {
	return contains(ValidAlertTypes(), alertType)
}

// IsValidCondition checks the condition against the alert type
func IsValidCondition(alertType, condition string) bool {
	switch alertType {
	case AlertTypePrice:
		return contains(ValidPriceConditions(), condition)
	case AlertTypePortfolio:
		return contains(ValidPortfolioConditions(), condition)
	case AlertTypeSystem:
		return condition == ""
	}
	return false
}

func IsValidPortfolioMetric(metric string) bool {
	return contains(ValidPortfolioMetrics(), metric)
}

func IsValidSystemEvent(event string) bool {
	return contains(ValidSystemEvents(), event)
}

func IsValidChannel(channel string) bool {
	return contains(ValidChannels(), channel)
}

func IsValidAlertStatus(status string) bool {
	return contains(ValidAlertStatuses(), status)
}

// SplitChannels parses a comma separated channel list, dropping blanks and duplicates.
func SplitChannels(csv string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range strings.Split(csv, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, valid := range list {
		if v == valid {
			return true
		}
	}
	return false
}

// MigrateAlertModels runs database migrations for alert-related models
func MigrateAlertModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Alert{},
		&AlertHistory{},
		&Notification{},
	)
}
