package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"crypto_portfolio_tracker/models"
)

// Balance is one asset reported by an exchange or wallet.
type Balance struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BalanceProvider reads the holdings of a linked account.
type BalanceProvider interface {
	Balances(ctx context.Context, account *models.ExchangeAccount) ([]Balance, error)
}

type accountFetcher func(ctx context.Context, apiKey, apiSecret string) (*binance.Account, error)

// BinanceProvider reads spot balances with the account's API key.
type BinanceProvider struct {
	sealer *Sealer
	fetch  accountFetcher
}

func NewBinanceProvider(sealer *Sealer, testnet bool) *BinanceProvider {
	binance.UseTestnet = testnet
	return &BinanceProvider{
		sealer: sealer,
		fetch: func(ctx context.Context, apiKey, apiSecret string) (*binance.Account, error) {
			return binance.NewClient(apiKey, apiSecret).NewGetAccountService().Do(ctx)
		},
	}
}

func (p *BinanceProvider) Balances(ctx context.Context, account *models.ExchangeAccount) ([]Balance, error) {
	if p.sealer == nil {
		return nil, ErrNoKey
	}
	key, err := p.sealer.Open(account.APIKeySealed)
	if err != nil {
		return nil, fmt.Errorf("api key: %w", err)
	}
	secret, err := p.sealer.Open(account.APISecretSealed)
	if err != nil {
		return nil, fmt.Errorf("api secret: %w", err)
	}
	res, err := p.fetch(ctx, key, secret)
	if err != nil {
		return nil, fmt.Errorf("binance account: %w", err)
	}
	return foldBinanceBalances(res.Balances)
}

// foldBinanceBalances sums free and locked amounts, drops empty balances and
// folds Simple Earn positions (LDBTC) into their base asset.
func foldBinanceBalances(in []binance.Balance) ([]Balance, error) {
	totals := make(map[string]decimal.Decimal)
	for _, b := range in {
		free, err := decimal.NewFromString(orZero(b.Free))
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", b.Asset, err)
		}
		locked, err := decimal.NewFromString(orZero(b.Locked))
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", b.Asset, err)
		}
		qty := free.Add(locked)
		if !qty.IsPositive() {
			continue
		}
		sym := savingsBase(strings.ToUpper(b.Asset))
		totals[sym] = totals[sym].Add(qty)
	}

	out := make([]Balance, 0, len(totals))
	for sym, qty := range totals {
		out = append(out, Balance{Symbol: sym, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// savingsBase strips the LD prefix of savings assets. Short names such as
// LDO are real tokens and kept.
func savingsBase(asset string) string {
	if strings.HasPrefix(asset, "LD") && len(asset) >= 5 {
		return asset[2:]
	}
	return asset
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
