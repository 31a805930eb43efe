package exchange

import (
	"context"
	"errors"
	"fmt"
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
	ErrNotFound        = errors.New("account not found")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrAccountExists   = errors.New("portfolio already has an account of this kind")
	ErrPortfolio       = errors.New("portfolio not found")
	ErrCredentials     = errors.New("api key and secret are required")
)

type PriceSource interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]prices.Quote, error)
}

type Revaluer interface {
	Revalue(ctx context.Context, portfolioID uint) (*models.Portfolio, error)
}

// Service links exchange accounts and wallets to portfolios and mirrors
// their balances into assets.
type Service struct {
	db        *gorm.DB
	sealer    *Sealer
	providers map[string]BalanceProvider
	prices    PriceSource
	revaluer  Revaluer
	bus       *stream.Bus
	now       func() time.Time
}

func NewService(db *gorm.DB, sealer *Sealer, priceSource PriceSource, revaluer Revaluer, bus *stream.Bus) *Service {
	return &Service{
		db:        db,
		sealer:    sealer,
		providers: make(map[string]BalanceProvider),
		prices:    priceSource,
		revaluer:  revaluer,
		bus:       bus,
		now:       time.Now,
	}
}

// RegisterProvider makes a balance provider available under name.
func (s *Service) RegisterProvider(name string, p BalanceProvider) {
	s.providers[name] = p
}

func kindOf(provider string) (string, bool) {
	switch provider {
	case models.ProviderBinance:
		return models.AccountKindExchange, true
	case models.ProviderEthereum:
		return models.AccountKindWallet, true
	}
	return "", false
}

type LinkInput struct {
	PortfolioID uint   `json:"portfolio_id"`
	Provider    string `json:"provider"`
	Label       string `json:"label"`
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret"`
	Address     string `json:"address"`
}

// LinkAccount validates the input, seals any credentials and stores the account.
func (s *Service) LinkAccount(ctx context.Context, userID uint, in LinkInput) (*models.ExchangeAccount, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	kind, ok := kindOf(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, in.Provider)
	}

	var owned int64
	err := s.db.WithContext(ctx).Model(&models.Portfolio{}).
		Where("id = ? AND user_id = ?", in.PortfolioID, userID).Count(&owned).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check portfolio: %w", err)
	}
	if owned == 0 {
		return nil, ErrPortfolio
	}

	var existing int64
	err = s.db.WithContext(ctx).Model(&models.ExchangeAccount{}).
		Where("portfolio_id = ? AND kind = ?", in.PortfolioID, kind).Count(&existing).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check accounts: %w", err)
	}
	if existing > 0 {
		return nil, ErrAccountExists
	}

	acct := models.ExchangeAccount{
		UserID:      userID,
		PortfolioID: in.PortfolioID,
		Kind:        kind,
		Provider:    provider,
		Label:       strings.TrimSpace(in.Label),
		Status:      models.AccountStatusActive,
	}
	switch kind {
	case models.AccountKindExchange:
		if strings.TrimSpace(in.APIKey) == "" || strings.TrimSpace(in.APISecret) == "" {
			return nil, ErrCredentials
		}
		if s.sealer == nil {
			return nil, ErrNoKey
		}
		if acct.APIKeySealed, err = s.sealer.Seal(strings.TrimSpace(in.APIKey)); err != nil {
			return nil, err
		}
		if acct.APISecretSealed, err = s.sealer.Seal(strings.TrimSpace(in.APISecret)); err != nil {
			return nil, err
		}
	case models.AccountKindWallet:
		acct.Address = strings.TrimSpace(in.Address)
		if !IsValidAddress(acct.Address) {
			return nil, ErrInvalidAddress
		}
	}
	if acct.Label == "" {
		acct.Label = provider
	}

	if err := s.db.WithContext(ctx).Create(&acct).Error; err != nil {
		return nil, fmt.Errorf("failed to link account: %w", err)
	}
	return &acct, nil
}

func (s *Service) List(ctx context.Context, userID uint) ([]models.ExchangeAccount, error) {
	var list []models.ExchangeAccount
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return list, nil
}

// Unlink removes the account. Synced assets stay in the portfolio.
func (s *Service) Unlink(ctx context.Context, userID, id uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.ExchangeAccount{})
	if res.Error != nil {
		return fmt.Errorf("failed to unlink account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Sync mirrors the account's balances into its portfolio. Failures mark the
// account as errored and publish EXCHANGE_SYNC_FAILED for its owner.
func (s *Service) Sync(ctx context.Context, accountID uint) error {
	var acct models.ExchangeAccount
	err := s.db.WithContext(ctx).First(&acct, accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	if err := s.sync(ctx, &acct); err != nil {
		s.fail(ctx, &acct, err)
		return err
	}

	now := s.now().UTC()
	err = s.db.WithContext(ctx).Model(&models.ExchangeAccount{}).Where("id = ?", acct.ID).Updates(map[string]interface{}{
		"status":         models.AccountStatusActive,
		"last_error":     "",
		"last_synced_at": now,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	if s.revaluer != nil {
		if _, err := s.revaluer.Revalue(ctx, acct.PortfolioID); err != nil {
			zap.L().Warn("Revalue after sync failed", zap.Uint("portfolio_id", acct.PortfolioID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) sync(ctx context.Context, acct *models.ExchangeAccount) error {
	provider, ok := s.providers[acct.Provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, acct.Provider)
	}
	balances, err := provider.Balances(ctx, acct)
	if err != nil {
		return err
	}

	symbols := make([]string, len(balances))
	for i, b := range balances {
		symbols[i] = b.Symbol
	}
	quotes := map[string]prices.Quote{}
	if s.prices != nil && len(symbols) > 0 {
		if quotes, err = s.prices.GetPrices(ctx, symbols); err != nil {
			zap.L().Warn("Syncing balances without prices", zap.Uint("account_id", acct.ID), zap.Error(err))
			quotes = map[string]prices.Quote{}
		}
	}

	source := acct.AssetSource()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, b := range balances {
			var asset models.Asset
			err := tx.Where("portfolio_id = ? AND symbol = ?", acct.PortfolioID, b.Symbol).First(&asset).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				price := quotes[b.Symbol].Price
				asset = models.Asset{
					PortfolioID:     acct.PortfolioID,
					Symbol:          b.Symbol,
					Name:            b.Symbol,
					Quantity:        b.Quantity,
					AverageBuyPrice: price,
					CurrentPrice:    price,
					Source:          source,
				}
				if err := tx.Create(&asset).Error; err != nil {
					return fmt.Errorf("failed to create asset %s: %w", b.Symbol, err)
				}
			case err != nil:
				return fmt.Errorf("failed to load asset %s: %w", b.Symbol, err)
			default:
				updates := map[string]interface{}{"quantity": b.Quantity, "source": source}
				if asset.AverageBuyPrice.IsZero() {
					updates["average_buy_price"] = quotes[b.Symbol].Price
				}
				if err := tx.Model(&models.Asset{}).Where("id = ?", asset.ID).Updates(updates).Error; err != nil {
					return fmt.Errorf("failed to update asset %s: %w", b.Symbol, err)
				}
			}
		}

		q := tx.Model(&models.Asset{}).Where("portfolio_id = ? AND source = ?", acct.PortfolioID, source)
		if len(symbols) > 0 {
			q = q.Where("symbol NOT IN ?", symbols)
		}
		if err := q.Update("quantity", decimal.Zero).Error; err != nil {
			return fmt.Errorf("failed to zero missing assets: %w", err)
		}
		return nil
	})
}

func (s *Service) fail(ctx context.Context, acct *models.ExchangeAccount, cause error) {
	zap.L().Error("Account sync failed",
		zap.Uint("account_id", acct.ID),
		zap.String("provider", acct.Provider),
		zap.Error(cause))

	err := s.db.WithContext(ctx).Model(&models.ExchangeAccount{}).Where("id = ?", acct.ID).Updates(map[string]interface{}{
		"status":     models.AccountStatusError,
		"last_error": cause.Error(),
	}).Error
	if err != nil {
		zap.L().Error("Failed to record sync error", zap.Uint("account_id", acct.ID), zap.Error(err))
	}
	if s.bus != nil {
		s.bus.PublishSystem(models.EventExchangeSyncFailed, acct.UserID,
			fmt.Sprintf("%s sync for %q failed: %v", acct.Provider, acct.Label, cause),
			map[string]interface{}{"account_id": acct.ID, "portfolio_id": acct.PortfolioID})
	}
}

// SyncAll syncs every account that is not disabled and returns how many
// succeeded.
func (s *Service) SyncAll(ctx context.Context) (int, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.ExchangeAccount{}).
		Where("status <> ?", models.AccountStatusDisabled).
		Order("id").Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list accounts: %w", err)
	}

	synced := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.Sync(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", id, err))
			continue
		}
		synced++
	}
	return synced, errors.Join(errs...)
}
