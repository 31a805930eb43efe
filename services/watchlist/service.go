package watchlist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/prices"
)

var (
	ErrNotFound      = errors.New("watchlist not found")
	ErrItemNotFound  = errors.New("watchlist item not found")
	ErrDuplicateItem = errors.New("symbol already in watchlist")
	ErrDuplicateName = errors.New("watchlist name already used")
	ErrInvalidName   = errors.New("watchlist name is required")
)

type PriceSource interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]prices.Quote, error)
}

type Service struct {
	db     *gorm.DB
	prices PriceSource
}

func NewService(db *gorm.DB, priceSource PriceSource) *Service {
	return &Service{db: db, prices: priceSource}
}

// ItemView is a watchlist item with its live quote. ChangeSinceAdded is the
// percent move since the item was added, nil when either price is unknown.
type ItemView struct {
	models.WatchlistItem
	Quote            *prices.Quote    `json:"quote,omitempty"`
	ChangeSinceAdded *decimal.Decimal `json:"change_since_added,omitempty"`
}

type View struct {
	models.Watchlist
	Items []ItemView `json:"items"`
}

func (s *Service) Create(ctx context.Context, userID uint, name, description string) (*models.Watchlist, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if err := s.checkName(ctx, userID, 0, name); err != nil {
		return nil, err
	}
	w := models.Watchlist{UserID: userID, Name: name, Description: description}
	if err := s.db.WithContext(ctx).Create(&w).Error; err != nil {
		return nil, fmt.Errorf("failed to create watchlist: %w", err)
	}
	return &w, nil
}

func (s *Service) checkName(ctx context.Context, userID, exceptID uint, name string) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Watchlist{}).
		Where("user_id = ? AND name = ? AND id <> ?", userID, name, exceptID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("failed to check watchlist name: %w", err)
	}
	if count > 0 {
		return ErrDuplicateName
	}
	return nil
}

func (s *Service) get(ctx context.Context, userID, id uint) (*models.Watchlist, error) {
	var w models.Watchlist
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load watchlist: %w", err)
	}
	return &w, nil
}

func (s *Service) Rename(ctx context.Context, userID, id uint, name string) (*models.Watchlist, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	w, err := s.get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkName(ctx, userID, id, name); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(w).Update("name", name).Error; err != nil {
		return nil, fmt.Errorf("failed to rename watchlist: %w", err)
	}
	w.Name = name
	return w, nil
}

// Delete removes the watchlist with its items.
func (s *Service) Delete(ctx context.Context, userID, id uint) error {
	if _, err := s.get(ctx, userID, id); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("watchlist_id = ?", id).Delete(&models.WatchlistItem{}).Error; err != nil {
			return fmt.Errorf("failed to delete items: %w", err)
		}
		return tx.Delete(&models.Watchlist{}, id).Error
	})
}

// List returns the user's watchlists with live quotes for every item.
func (s *Service) List(ctx context.Context, userID uint) ([]View, error) {
	var lists []models.Watchlist
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("symbol") }).
		Where("user_id = ?", userID).Order("id").Find(&lists).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list watchlists: %w", err)
	}

	var symbols []string
	for _, w := range lists {
		for _, it := range w.Items {
			symbols = append(symbols, it.Symbol)
		}
	}
	quotes := map[string]prices.Quote{}
	if len(symbols) > 0 && s.prices != nil {
		if quotes, err = s.prices.GetPrices(ctx, symbols); err != nil {
			zap.L().Warn("Watchlist quotes unavailable", zap.Uint("user_id", userID), zap.Error(err))
			quotes = map[string]prices.Quote{}
		}
	}

	views := make([]View, len(lists))
	for i, w := range lists {
		items := make([]ItemView, len(w.Items))
		for j, it := range w.Items {
			items[j] = ItemView{WatchlistItem: it}
			q, ok := quotes[it.Symbol]
			if !ok {
				continue
			}
			items[j].Quote = &q
			if it.AddedPrice.IsPositive() {
				change := q.Price.Sub(it.AddedPrice).Div(it.AddedPrice).Mul(decimal.NewFromInt(100)).Round(4)
				items[j].ChangeSinceAdded = &change
			}
		}
		w.Items = nil
		views[i] = View{Watchlist: w, Items: items}
	}
	return views, nil
}

// AddItem adds a symbol and records its current price.
func (s *Service) AddItem(ctx context.Context, userID, watchlistID uint, symbol, notes string) (*models.WatchlistItem, error) {
	symbol = prices.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, prices.ErrInvalidSymbol
	}
	if _, err := s.get(ctx, userID, watchlistID); err != nil {
		return nil, err
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&models.WatchlistItem{}).
		Where("watchlist_id = ? AND symbol = ?", watchlistID, symbol).Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check item: %w", err)
	}
	if count > 0 {
		return nil, ErrDuplicateItem
	}

	item := models.WatchlistItem{WatchlistID: watchlistID, Symbol: symbol, Notes: notes}
	if s.prices != nil {
		quotes, err := s.prices.GetPrices(ctx, []string{symbol})
		if err != nil {
			zap.L().Warn("No price for new watchlist item", zap.String("symbol", symbol), zap.Error(err))
		} else if q, ok := quotes[symbol]; ok {
			item.AddedPrice = q.Price
		}
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, fmt.Errorf("failed to add item: %w", err)
	}
	return &item, nil
}

func (s *Service) RemoveItem(ctx context.Context, userID, watchlistID uint, symbol string) error {
	if _, err := s.get(ctx, userID, watchlistID); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Where("watchlist_id = ? AND symbol = ?", watchlistID, prices.NormalizeSymbol(symbol)).
		Delete(&models.WatchlistItem{})
	if res.Error != nil {
		return fmt.Errorf("failed to remove item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}
