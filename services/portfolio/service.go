package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/prices"
	"crypto_portfolio_tracker/services/stream"
)

var (
	ErrNotFound             = errors.New("portfolio not found")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrInsufficientData     = errors.New("insufficient data")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrInvalidPeriod        = errors.New("invalid period")
	ErrTransactionNotFound  = errors.New("transaction not found")
)

var hundred = decimal.NewFromInt(100)

// PriceSource resolves current quotes.
type PriceSource interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]prices.Quote, error)
}

// Archiver stores snapshots outside the primary database.
type Archiver interface {
	SaveSnapshot(ctx context.Context, snap models.HistoricalData) error
}

// ArchiveReader is implemented by archives that can serve pruned history.
type ArchiveReader interface {
	Enabled() bool
	LoadSnapshots(ctx context.Context, portfolioID uint, from, to time.Time) ([]models.HistoricalData, error)
}

// Service owns valuation, transactions, snapshots and analytics of portfolios.
type Service struct {
	db           *gorm.DB
	prices       PriceSource
	bus          *stream.Bus
	archive      Archiver
	riskFreeRate float64
	now          func() time.Time
}

type Option func(*Service)

// WithArchive archives every snapshot taken by SnapshotAll.
func WithArchive(a Archiver) Option {
	return func(s *Service) { s.archive = a }
}

// WithRiskFreeRate sets the annual risk free rate used by Sharpe ratios.
func WithRiskFreeRate(r float64) Option {
	return func(s *Service) { s.riskFreeRate = r }
}

func NewService(db *gorm.DB, priceSource PriceSource, bus *stream.Bus, opts ...Option) *Service {
	s := &Service{db: db, prices: priceSource, bus: bus, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create adds a portfolio for the user. The first portfolio becomes the default.
func (s *Service) Create(ctx context.Context, userID uint, name, description string) (*models.Portfolio, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("portfolio name is required")
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Portfolio{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to count portfolios: %w", err)
	}
	p := models.Portfolio{UserID: userID, Name: name, Description: description, IsDefault: count == 0}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return nil, fmt.Errorf("failed to create portfolio: %w", err)
	}
	return &p, nil
}

// Get loads a portfolio owned by userID.
func (s *Service) Get(ctx context.Context, userID, portfolioID uint) (*models.Portfolio, error) {
	var p models.Portfolio
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", portfolioID, userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}
	return &p, nil
}

func (s *Service) List(ctx context.Context, userID uint) ([]models.Portfolio, error) {
	var list []models.Portfolio
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	return list, nil
}

// Revalue prices every asset of the portfolio and recomputes the totals.
// Assets without a quote keep their last known price.
func (s *Service) Revalue(ctx context.Context, portfolioID uint) (*models.Portfolio, error) {
	var p models.Portfolio
	err := s.db.WithContext(ctx).Preload("Assets").First(&p, portfolioID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}

	quotes := map[string]prices.Quote{}
	if s.prices != nil && len(p.Assets) > 0 {
		symbols := make([]string, len(p.Assets))
		for i, a := range p.Assets {
			symbols[i] = a.Symbol
		}
		quotes, err = s.prices.GetPrices(ctx, symbols)
		if err != nil {
			zap.L().Warn("Revaluing with last known prices", zap.Uint("portfolio_id", p.ID), zap.Error(err))
			quotes = map[string]prices.Quote{}
		}
	}

	for i := range p.Assets {
		a := &p.Assets[i]
		if q, ok := quotes[a.Symbol]; ok {
			a.CurrentPrice = q.Price
			ts := q.UpdatedAt
			a.LastPriceAt = &ts
		}
		valueAsset(a)
	}
	totals(&p)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range p.Assets {
			a := p.Assets[i]
			err := tx.Model(&models.Asset{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
				"current_price":       a.CurrentPrice,
				"current_value":       a.CurrentValue,
				"profit_loss":         a.ProfitLoss,
				"profit_loss_percent": a.ProfitLossPercent,
				"last_price_at":       a.LastPriceAt,
			}).Error
			if err != nil {
				return err
			}
		}
		return tx.Model(&models.Portfolio{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
			"total_value":         p.TotalValue,
			"total_cost":          p.TotalCost,
			"profit_loss":         p.ProfitLoss,
			"profit_loss_percent": p.ProfitLossPercent,
			"updated_at":          s.now().UTC(),
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save valuation: %w", err)
	}
	return &p, nil
}

// RevalueSymbols revalues every portfolio holding any of symbols.
func (s *Service) RevalueSymbols(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Asset{}).
		Where("symbol IN ?", symbols).
		Distinct().Pluck("portfolio_id", &ids).Error
	if err != nil {
		return fmt.Errorf("failed to find portfolios: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if _, err := s.Revalue(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("portfolio %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// AssetView is an asset with its share of the portfolio value.
type AssetView struct {
	models.Asset
	Weight decimal.Decimal `json:"weight"`
}

type Summary struct {
	Portfolio models.Portfolio `json:"portfolio"`
	Assets    []AssetView      `json:"assets"`
	Currency  string           `json:"currency"`
}

// Summary returns the stored totals and assets ordered by value.
func (s *Service) Summary(ctx context.Context, userID, portfolioID uint) (*Summary, error) {
	p, err := s.Get(ctx, userID, portfolioID)
	if err != nil {
		return nil, err
	}
	var assets []models.Asset
	err = s.db.WithContext(ctx).Where("portfolio_id = ?", p.ID).Find(&assets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}
	sort.SliceStable(assets, func(i, j int) bool {
		return assets[i].CurrentValue.GreaterThan(assets[j].CurrentValue)
	})

	views := make([]AssetView, len(assets))
	for i, a := range assets {
		views[i] = AssetView{Asset: a, Weight: weight(a.CurrentValue, p.TotalValue)}
	}

	currency := "USD"
	var user models.User
	if err := s.db.WithContext(ctx).Select("id", "base_currency").First(&user, userID).Error; err == nil {
		currency = user.Currency()
	}
	return &Summary{Portfolio: *p, Assets: views, Currency: currency}, nil
}

// Metrics are the values portfolio alerts compare against.
type Metrics struct {
	TotalValue         decimal.Decimal
	ProfitLoss         decimal.Decimal
	ProfitLossPercent  decimal.Decimal
	DailyChangePercent *decimal.Decimal
	MaxAssetWeight     decimal.Decimal
	MaxWeightSymbol    string
}

// Metrics computes alert metrics from the stored valuation. The daily change
// is measured against the newest snapshot at least 24h old and is nil when
// none exists.
func (s *Service) Metrics(ctx context.Context, portfolioID uint) (*Metrics, error) {
	var p models.Portfolio
	err := s.db.WithContext(ctx).Preload("Assets").First(&p, portfolioID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}

	m := &Metrics{
		TotalValue:        p.TotalValue,
		ProfitLoss:        p.ProfitLoss,
		ProfitLossPercent: p.ProfitLossPercent,
	}
	for _, a := range p.Assets {
		w := weight(a.CurrentValue, p.TotalValue)
		if w.GreaterThan(m.MaxAssetWeight) {
			m.MaxAssetWeight = w
			m.MaxWeightSymbol = a.Symbol
		}
	}

	var snap models.HistoricalData
	err = s.db.WithContext(ctx).
		Where("portfolio_id = ? AND timestamp <= ?", portfolioID, s.now().UTC().Add(-24*time.Hour)).
		Order("timestamp DESC").
		First(&snap).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	case snap.TotalValue.IsPositive():
		change := p.TotalValue.Sub(snap.TotalValue).Div(snap.TotalValue).Mul(hundred).Round(4)
		m.DailyChangePercent = &change
	}
	return m, nil
}

func valueAsset(a *models.Asset) {
	a.CurrentValue = a.Quantity.Mul(a.CurrentPrice)
	cost := a.CostBasis()
	a.ProfitLoss = a.CurrentValue.Sub(cost)
	a.ProfitLossPercent = percentOf(a.ProfitLoss, cost)
}

func totals(p *models.Portfolio) {
	p.TotalValue = decimal.Zero
	p.TotalCost = decimal.Zero
	for _, a := range p.Assets {
		p.TotalValue = p.TotalValue.Add(a.CurrentValue)
		p.TotalCost = p.TotalCost.Add(a.CostBasis())
	}
	p.ProfitLoss = p.TotalValue.Sub(p.TotalCost)
	p.ProfitLossPercent = percentOf(p.ProfitLoss, p.TotalCost)
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(4)
}

func weight(value, total decimal.Decimal) decimal.Decimal {
	if !total.IsPositive() {
		return decimal.Zero
	}
	return value.Div(total).Mul(hundred).Round(4)
}
