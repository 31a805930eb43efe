package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/notify"
	"crypto_portfolio_tracker/services/portfolio"
	"crypto_portfolio_tracker/services/prices"
	"crypto_portfolio_tracker/services/stream"
)

var ErrNotFound = errors.New("alert not found")

// ValidationError describes an invalid alert definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type PriceSource interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]prices.Quote, error)
}

type MetricsSource interface {
	Metrics(ctx context.Context, portfolioID uint) (*portfolio.Metrics, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, msg notify.Message, channels []string) notify.DispatchResult
}

// Service stores alert definitions and fires them.
type Service struct {
	db       *gorm.DB
	prices   PriceSource
	metrics  MetricsSource
	notifier Notifier
	bus      *stream.Bus
	now      func() time.Time
}

func NewService(db *gorm.DB, priceSource PriceSource, metrics MetricsSource, notifier Notifier, bus *stream.Bus) *Service {
	return &Service{
		db:       db,
		prices:   priceSource,
		metrics:  metrics,
		notifier: notifier,
		bus:      bus,
		now:      time.Now,
	}
}

// AlertInput is the user supplied part of an alert.
type AlertInput struct {
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Condition       string          `json:"condition"`
	Symbol          string          `json:"symbol"`
	PortfolioID     *uint           `json:"portfolio_id"`
	Metric          string          `json:"metric"`
	EventType       string          `json:"event_type"`
	Threshold       decimal.Decimal `json:"threshold"`
	Channels        []string        `json:"channels"`
	Recurring       bool            `json:"recurring"`
	CooldownSeconds *int            `json:"cooldown_seconds"`
	ExpiresAt       *time.Time      `json:"expires_at"`
}

// signedMetrics accept zero or negative thresholds.
var signedMetrics = map[string]bool{
	models.MetricProfitLoss:         true,
	models.MetricProfitLossPercent:  true,
	models.MetricDailyChangePercent: true,
}

func (s *Service) validate(ctx context.Context, userID uint, in *AlertInput) error {
	in.Type = strings.ToUpper(strings.TrimSpace(in.Type))
	in.Condition = strings.ToUpper(strings.TrimSpace(in.Condition))
	in.Metric = strings.ToUpper(strings.TrimSpace(in.Metric))
	in.EventType = strings.ToUpper(strings.TrimSpace(in.EventType))
	in.Symbol = prices.NormalizeSymbol(in.Symbol)
	in.Name = strings.TrimSpace(in.Name)

	if !models.IsValidAlertType(in.Type) {
		return invalid("type", "must be one of %s", strings.Join(models.ValidAlertTypes(), ", "))
	}
	if !models.IsValidCondition(in.Type, in.Condition) {
		if in.Type == models.AlertTypeSystem {
			return invalid("condition", "must be empty for system alerts")
		}
		return invalid("condition", "%q is not valid for %s alerts", in.Condition, in.Type)
	}

	switch in.Type {
	case models.AlertTypePrice:
		if in.Symbol == "" {
			return invalid("symbol", "is required for price alerts")
		}
		if !in.Threshold.IsPositive() {
			return invalid("threshold", "must be positive")
		}
		in.PortfolioID, in.Metric, in.EventType = nil, "", ""
	case models.AlertTypePortfolio:
		if in.PortfolioID == nil {
			return invalid("portfolio_id", "is required for portfolio alerts")
		}
		var count int64
		err := s.db.WithContext(ctx).Model(&models.Portfolio{}).
			Where("id = ? AND user_id = ?", *in.PortfolioID, userID).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check portfolio: %w", err)
		}
		if count == 0 {
			return invalid("portfolio_id", "portfolio %d not found", *in.PortfolioID)
		}
		if !models.IsValidPortfolioMetric(in.Metric) {
			return invalid("metric", "must be one of %s", strings.Join(models.ValidPortfolioMetrics(), ", "))
		}
		if !signedMetrics[in.Metric] && !in.Threshold.IsPositive() {
			return invalid("threshold", "must be positive")
		}
		in.Symbol, in.EventType = "", ""
	case models.AlertTypeSystem:
		if !models.IsValidSystemEvent(in.EventType) {
			return invalid("event_type", "must be one of %s", strings.Join(models.ValidSystemEvents(), ", "))
		}
		in.Symbol, in.PortfolioID, in.Metric = "", nil, ""
		in.Threshold = decimal.Zero
	}

	channels := models.SplitChannels(strings.Join(in.Channels, ","))
	for _, ch := range channels {
		if !models.IsValidChannel(ch) {
			return invalid("channels", "unknown channel %q", ch)
		}
	}
	if len(channels) == 0 {
		channels = []string{models.ChannelInApp}
	}
	in.Channels = channels

	if in.CooldownSeconds != nil && *in.CooldownSeconds < 0 {
		return invalid("cooldown_seconds", "cannot be negative")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return invalid("expires_at", "must be in the future")
	}
	if in.Name == "" {
		in.Name = defaultName(in)
	}
	return nil
}

func defaultName(in *AlertInput) string {
	switch in.Type {
	case models.AlertTypePrice:
		return fmt.Sprintf("%s %s %s", in.Symbol, in.Condition, in.Threshold.String())
	case models.AlertTypePortfolio:
		return fmt.Sprintf("%s %s %s", in.Metric, in.Condition, in.Threshold.String())
	}
	return in.EventType
}

func (in *AlertInput) apply(a *models.Alert) {
	a.Name = in.Name
	a.Type = in.Type
	a.Condition = in.Condition
	a.Symbol = in.Symbol
	a.PortfolioID = in.PortfolioID
	a.Metric = in.Metric
	a.EventType = in.EventType
	a.Threshold = in.Threshold
	a.Channels = strings.Join(in.Channels, ",")
	a.Recurring = in.Recurring
	a.ExpiresAt = in.ExpiresAt
	a.CooldownSeconds = models.DefaultCooldownSeconds
	if in.CooldownSeconds != nil {
		a.CooldownSeconds = *in.CooldownSeconds
	}
}

// Create validates and stores a new ACTIVE alert.
func (s *Service) Create(ctx context.Context, userID uint, in AlertInput) (*models.Alert, error) {
	if err := s.validate(ctx, userID, &in); err != nil {
		return nil, err
	}
	a := models.Alert{UserID: userID, Status: models.AlertStatusActive}
	in.apply(&a)
	cooldown := a.CooldownSeconds
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	// gorm skips zero values on columns with defaults
	if cooldown == 0 {
		if err := s.db.WithContext(ctx).Model(&a).Update("cooldown_seconds", 0).Error; err != nil {
			return nil, fmt.Errorf("failed to create alert: %w", err)
		}
		a.CooldownSeconds = 0
	}
	return &a, nil
}

// Get loads an alert owned by userID.
func (s *Service) Get(ctx context.Context, userID, id uint) (*models.Alert, error) {
	var a models.Alert
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	return &a, nil
}

type ListFilter struct {
	Type   string
	Status string
	Symbol string
}

func (s *Service) List(ctx context.Context, userID uint, f ListFilter) ([]models.Alert, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if f.Type != "" {
		q = q.Where("type = ?", strings.ToUpper(f.Type))
	}
	if f.Status != "" {
		q = q.Where("status = ?", strings.ToUpper(f.Status))
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", prices.NormalizeSymbol(f.Symbol))
	}
	var list []models.Alert
	if err := q.Order("id DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return list, nil
}

// Update replaces the definition of an alert. Status and trigger counters
// are kept.
func (s *Service) Update(ctx context.Context, userID, id uint, in AlertInput) (*models.Alert, error) {
	a, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, userID, &in); err != nil {
		return nil, err
	}
	in.apply(a)
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}
	return a, nil
}

// Delete removes an alert and its trigger history.
func (s *Service) Delete(ctx context.Context, userID, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&models.Alert{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete alert: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("alert_id = ?", id).Delete(&models.AlertHistory{}).Error
	})
}

// SetStatus enables (re-arms) or disables an alert. Re-arming an expired
// alert requires moving its expiry first.
func (s *Service) SetStatus(ctx context.Context, userID, id uint, status string) (*models.Alert, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != models.AlertStatusActive && status != models.AlertStatusDisabled {
		return nil, invalid("status", "must be %s or %s", models.AlertStatusActive, models.AlertStatusDisabled)
	}
	a, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if status == models.AlertStatusActive && a.IsExpired(s.now()) {
		return nil, invalid("expires_at", "alert expired at %s", a.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if err := s.db.WithContext(ctx).Model(a).Update("status", status).Error; err != nil {
		return nil, fmt.Errorf("failed to update alert status: %w", err)
	}
	a.Status = status
	return a, nil
}

// History returns the trigger history of an alert, newest first.
func (s *Service) History(ctx context.Context, userID, id uint, limit int) ([]models.AlertHistory, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.AlertHistory
	err := s.db.WithContext(ctx).Where("alert_id = ?", id).
		Order("triggered_at DESC, id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load alert history: %w", err)
	}
	return rows, nil
}
