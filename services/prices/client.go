package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crypto_portfolio_tracker/config"
)

// MaxSymbolsPerRequest bounds the symbols query parameter of one markets call.
const MaxSymbolsPerRequest = 50

var (
	ErrPriceNotFound = errors.New("price not found")
	ErrInvalidSymbol = errors.New("invalid symbol")

	ErrQuoteCurrencyMismatch = errors.New("quote currency mismatch")
)

// Quote is the current market state of one symbol.
type Quote struct {
	Symbol           string          `json:"symbol"`
	CoinID           string          `json:"coin_id"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	Change24h        decimal.Decimal `json:"change_24h"`
	ChangePercent24h decimal.Decimal `json:"change_percent_24h"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	MarketCap        decimal.Decimal `json:"market_cap"`
	High24h          decimal.Decimal `json:"high_24h"`
	Low24h           decimal.Decimal `json:"low_24h"`
	Source           string          `json:"source"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PricePoint is one sample of a market chart.
type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// PriceClient fetches quotes and history from a public market data API.
type PriceClient interface {
	Markets(ctx context.Context, symbols []string) ([]Quote, error)
	MarketChart(ctx context.Context, coinID string, days int) ([]PricePoint, error)
}

// CoinGeckoClient talks to a CoinGecko compatible API.
type CoinGeckoClient struct {
	baseURL  string
	apiKey   string
	currency string
	http     *http.Client
}

func NewCoinGeckoClient(cfg config.PriceAPIConfig) *CoinGeckoClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	currency := strings.ToLower(cfg.QuoteCurrency)
	if currency == "" {
		currency = "usd"
	}
	return &CoinGeckoClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		currency: currency,
		http:     &http.Client{Timeout: timeout},
	}
}

type marketItem struct {
	ID                       string  `json:"id"`
	Symbol                   string  `json:"symbol"`
	Name                     string  `json:"name"`
	CurrentPrice             float64 `json:"current_price"`
	MarketCap                float64 `json:"market_cap"`
	TotalVolume              float64 `json:"total_volume"`
	High24h                  float64 `json:"high_24h"`
	Low24h                   float64 `json:"low_24h"`
	PriceChange24h           float64 `json:"price_change_24h"`
	PriceChangePercentage24h float64 `json:"price_change_percentage_24h"`
	LastUpdated              string  `json:"last_updated"`
}

// Markets returns quotes for symbols. When several coins share a ticker the
// one with the largest market cap is kept.
func (c *CoinGeckoClient) Markets(ctx context.Context, symbols []string) ([]Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	if len(symbols) > MaxSymbolsPerRequest {
		return nil, fmt.Errorf("too many symbols: %d > %d", len(symbols), MaxSymbolsPerRequest)
	}
	lower := make([]string, len(symbols))
	for i, s := range symbols {
		lower[i] = strings.ToLower(s)
	}

	q := url.Values{}
	q.Set("vs_currency", c.currency)
	q.Set("symbols", strings.Join(lower, ","))
	q.Set("price_change_percentage", "24h")

	var items []marketItem
	if err := c.get(ctx, "/coins/markets?"+q.Encode(), &items); err != nil {
		return nil, err
	}

	best := make(map[string]marketItem, len(items))
	for _, it := range items {
		sym := NormalizeSymbol(it.Symbol)
		if cur, ok := best[sym]; ok && cur.MarketCap >= it.MarketCap {
			continue
		}
		best[sym] = it
	}

	quotes := make([]Quote, 0, len(best))
	for sym, it := range best {
		updated, err := time.Parse(time.RFC3339, it.LastUpdated)
		if err != nil {
			updated = time.Now().UTC()
		}
		quotes = append(quotes, Quote{
			Symbol:           sym,
			CoinID:           it.ID,
			Name:             it.Name,
			Price:            decimal.NewFromFloat(it.CurrentPrice),
			Change24h:        decimal.NewFromFloat(it.PriceChange24h),
			ChangePercent24h: decimal.NewFromFloat(it.PriceChangePercentage24h).Round(4),
			Volume24h:        decimal.NewFromFloat(it.TotalVolume),
			MarketCap:        decimal.NewFromFloat(it.MarketCap),
			High24h:          decimal.NewFromFloat(it.High24h),
			Low24h:           decimal.NewFromFloat(it.Low24h),
			Source:           "coingecko",
			UpdatedAt:        updated.UTC(),
		})
	}
	return quotes, nil
}

// MarketChart returns the price series of a coin over the last days.
func (c *CoinGeckoClient) MarketChart(ctx context.Context, coinID string, days int) ([]PricePoint, error) {
	q := url.Values{}
	q.Set("vs_currency", c.currency)
	q.Set("days", strconv.Itoa(days))

	var chart struct {
		Prices [][2]float64 `json:"prices"`
	}
	if err := c.get(ctx, "/coins/"+url.PathEscape(coinID)+"/market_chart?"+q.Encode(), &chart); err != nil {
		return nil, err
	}

	points := make([]PricePoint, 0, len(chart.Prices))
	for _, p := range chart.Prices {
		points = append(points, PricePoint{
			Time:  time.UnixMilli(int64(p[0])).UTC(),
			Price: decimal.NewFromFloat(p[1]),
		})
	}
	return points, nil
}

func (c *CoinGeckoClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("price api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("price api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode price api response: %w", err)
	}
	return nil
}

// NormalizeSymbol upper-cases and trims a ticker symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
