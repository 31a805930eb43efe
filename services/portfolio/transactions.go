package portfolio

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
)

type TransactionInput struct {
	Symbol     string          `json:"symbol"`
	Type       string          `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	ExecutedAt time.Time       `json:"executed_at"`
	Notes      string          `json:"notes"`
}

func (in *TransactionInput) normalize() error {
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	in.Type = strings.ToUpper(strings.TrimSpace(in.Type))
	switch {
	case in.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidTransaction)
	case !models.IsValidTransactionType(in.Type):
		return fmt.Errorf("%w: type must be BUY or SELL", ErrInvalidTransaction)
	case !in.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidTransaction)
	case !in.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidTransaction)
	case in.Fee.IsNegative():
		return fmt.Errorf("%w: fee cannot be negative", ErrInvalidTransaction)
	}
	return nil
}

// position is the quantity and average cost an asset carries between trades.
type position struct {
	quantity decimal.Decimal
	average  decimal.Decimal
}

// apply folds one trade into the position and returns the realized PnL.
// Buys fold the fee into the average cost; sells deduct it from the PnL.
func (p *position) apply(txType string, qty, price, fee decimal.Decimal) (decimal.Decimal, error) {
	switch txType {
	case models.TransactionBuy:
		newQty := p.quantity.Add(qty)
		cost := p.quantity.Mul(p.average).Add(qty.Mul(price)).Add(fee)
		p.average = cost.Div(newQty).Round(12)
		p.quantity = newQty
		return decimal.Zero, nil
	case models.TransactionSell:
		if qty.GreaterThan(p.quantity) {
			return decimal.Zero, ErrInsufficientQuantity
		}
		realized := qty.Mul(price.Sub(p.average)).Sub(fee)
		p.quantity = p.quantity.Sub(qty)
		return realized, nil
	}
	return decimal.Zero, fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, txType)
}

func total(txType string, qty, price, fee decimal.Decimal) decimal.Decimal {
	gross := qty.Mul(price)
	if txType == models.TransactionSell {
		return gross.Sub(fee)
	}
	return gross.Add(fee)
}

// RecordTransaction applies a buy or sell to the asset, creating it on the
// first buy, then revalues the portfolio. Backdated trades replay the asset's
// history and are refused if the replay would sell more than is held.
func (s *Service) RecordTransaction(ctx context.Context, userID, portfolioID uint, in TransactionInput) (*models.Transaction, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if in.ExecutedAt.IsZero() {
		in.ExecutedAt = s.now().UTC()
	}
	if _, err := s.Get(ctx, userID, portfolioID); err != nil {
		return nil, err
	}

	var created models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var asset models.Asset
		existing := true
		err := tx.Where("portfolio_id = ? AND symbol = ?", portfolioID, in.Symbol).First(&asset).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if in.Type == models.TransactionSell {
				return ErrInsufficientQuantity
			}
			existing = false
			asset = models.Asset{
				PortfolioID:  portfolioID,
				Symbol:       in.Symbol,
				Name:         in.Symbol,
				Source:       models.AssetSourceManual,
				CurrentPrice: in.Price,
			}
			if err := tx.Create(&asset).Error; err != nil {
				return fmt.Errorf("failed to create asset: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to load asset: %w", err)
		}

		created = models.Transaction{
			PortfolioID: portfolioID,
			AssetID:     asset.ID,
			Symbol:      in.Symbol,
			Type:        in.Type,
			Quantity:    in.Quantity,
			Price:       in.Price,
			Fee:         in.Fee,
			Total:       total(in.Type, in.Quantity, in.Price, in.Fee),
			ExecutedAt:  in.ExecutedAt,
			Notes:       in.Notes,
		}

		// A trade dated before the asset's latest one changes every later
		// average, so the asset is rebuilt from its full history.
		if existing {
			var later int64
			err := tx.Model(&models.Transaction{}).
				Where("asset_id = ? AND executed_at > ?", asset.ID, in.ExecutedAt).
				Count(&later).Error
			if err != nil {
				return fmt.Errorf("failed to check later transactions: %w", err)
			}
			if later > 0 {
				if err := tx.Create(&created).Error; err != nil {
					return fmt.Errorf("failed to save transaction: %w", err)
				}
				if err := replayAsset(tx, asset.ID); err != nil {
					return err
				}
				return tx.First(&created, created.ID).Error
			}
		}

		pos := position{quantity: asset.Quantity, average: asset.AverageBuyPrice}
		realized, err := pos.apply(in.Type, in.Quantity, in.Price, in.Fee)
		if err != nil {
			return err
		}

		err = tx.Model(&models.Asset{}).Where("id = ?", asset.ID).Updates(map[string]interface{}{
			"quantity":          pos.quantity,
			"average_buy_price": pos.average,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update asset: %w", err)
		}

		created.RealizedPnL = realized
		if err := tx.Create(&created).Error; err != nil {
			return fmt.Errorf("failed to save transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.Revalue(ctx, portfolioID); err != nil {
		zap.L().Warn("Revalue after transaction failed", zap.Uint("portfolio_id", portfolioID), zap.Error(err))
	}
	return &created, nil
}

// DeleteTransaction removes a transaction and rebuilds its asset by
// replaying the remaining trades in execution order. The delete is refused
// if the replay would sell more than is held.
func (s *Service) DeleteTransaction(ctx context.Context, userID, transactionID uint) error {
	var target models.Transaction
	err := s.db.WithContext(ctx).
		Joins("JOIN portfolios ON portfolios.id = transactions.portfolio_id").
		Where("transactions.id = ? AND portfolios.user_id = ?", transactionID, userID).
		First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load transaction: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.Transaction{}, target.ID).Error; err != nil {
			return fmt.Errorf("failed to delete transaction: %w", err)
		}

		return replayAsset(tx, target.AssetID)
	})
	if err != nil {
		return err
	}

	if _, err := s.Revalue(ctx, target.PortfolioID); err != nil {
		zap.L().Warn("Revalue after delete failed", zap.Uint("portfolio_id", target.PortfolioID), zap.Error(err))
	}
	return nil
}

// replayAsset rebuilds an asset's quantity, average cost and the realized
// PnL of each of its trades from the trades in execution order.
func replayAsset(tx *gorm.DB, assetID uint) error {
	var trades []models.Transaction
	err := tx.Where("asset_id = ?", assetID).
		Order("executed_at ASC, id ASC").
		Find(&trades).Error
	if err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}

	var pos position
	for _, t := range trades {
		realized, err := pos.apply(t.Type, t.Quantity, t.Price, t.Fee)
		if err != nil {
			return err
		}
		if !realized.Equal(t.RealizedPnL) {
			if err := tx.Model(&models.Transaction{}).Where("id = ?", t.ID).Update("realized_pnl", realized).Error; err != nil {
				return fmt.Errorf("failed to update transaction: %w", err)
			}
		}
	}

	err = tx.Model(&models.Asset{}).Where("id = ?", assetID).Updates(map[string]interface{}{
		"quantity":          pos.quantity,
		"average_buy_price": pos.average,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	return nil
}

type TransactionFilter struct {
	Symbol string
	Type   string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// ListTransactions returns the portfolio's trades, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID, portfolioID uint, f TransactionFilter) ([]models.Transaction, error) {
	if _, err := s.Get(ctx, userID, portfolioID); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Where("portfolio_id = ?", portfolioID)
	if f.Symbol != "" {
		q = q.Where("symbol = ?", strings.ToUpper(f.Symbol))
	}
	if f.Type != "" {
		q = q.Where("type = ?", strings.ToUpper(f.Type))
	}
	if !f.From.IsZero() {
		q = q.Where("executed_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("executed_at <= ?", f.To)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	var list []models.Transaction
	err := q.Order("executed_at DESC, id DESC").Limit(f.Limit).Offset(f.Offset).Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return list, nil
}
