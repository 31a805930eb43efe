package prices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crypto_portfolio_tracker/models"
	"crypto_portfolio_tracker/services/stream"
)

// DefaultMaxAge is how long a persisted quote is served without asking the API.
const DefaultMaxAge = 15 * time.Minute

// Revaluer is notified of symbols whose price changed after a refresh.
type Revaluer interface {
	RevalueSymbols(ctx context.Context, symbols []string) error
}

// Service resolves prices from the cache, the database and the price API,
// in that order.
type Service struct {
	db       *gorm.DB
	client   PriceClient
	cache    Cache
	bus      *stream.Bus
	tracked  []string
	maxAge   time.Duration
	revaluer Revaluer
	quote    string
	now      func() time.Time
}

// streamQuoteCurrency is the currency streamed tickers are priced in.
const streamQuoteCurrency = "usd"

// NewService builds a price service. tracked lists symbols refreshed even if
// nothing references them.
func NewService(db *gorm.DB, client PriceClient, cache Cache, bus *stream.Bus, tracked []string) *Service {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	return &Service{
		db:      db,
		client:  client,
		cache:   cache,
		bus:     bus,
		tracked: tracked,
		maxAge:  DefaultMaxAge,
		quote:   streamQuoteCurrency,
		now:     time.Now,
	}
}

// SetQuoteCurrency records the currency the price API quotes in. Streamed
// ticks are dropped unless it matches theirs.
func (s *Service) SetQuoteCurrency(currency string) {
	s.quote = strings.ToLower(strings.TrimSpace(currency))
}

// SetRevaluer wires the portfolio revaluation hook called after refreshes.
func (s *Service) SetRevaluer(r Revaluer) {
	s.revaluer = r
}

// GetPrice returns the latest quote for symbol.
func (s *Service) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	sym := NormalizeSymbol(symbol)
	if sym == "" {
		return Quote{}, ErrInvalidSymbol
	}
	quotes, err := s.GetPrices(ctx, []string{sym})
	if err != nil {
		return Quote{}, err
	}
	q, ok := quotes[sym]
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", sym, ErrPriceNotFound)
	}
	return q, nil
}

// GetPrices resolves many symbols at once. Symbols that cannot be resolved
// are omitted from the result.
func (s *Service) GetPrices(ctx context.Context, symbols []string) (map[string]Quote, error) {
	wanted := uniqueSymbols(symbols)
	out := make(map[string]Quote, len(wanted))
	if len(wanted) == 0 {
		return out, nil
	}

	cached, err := s.cache.GetMany(ctx, wanted)
	if err != nil {
		zap.L().Warn("Price cache read failed", zap.Error(err))
	}
	for sym, q := range cached {
		out[sym] = q
	}

	missing := missingSymbols(wanted, out)
	stale := make(map[string]Quote)
	if len(missing) > 0 {
		var rows []models.CryptoPrice
		if err := s.db.WithContext(ctx).Where("symbol IN ?", missing).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load prices: %w", err)
		}
		var fresh []Quote
		for _, row := range rows {
			q := quoteFromModel(row)
			if s.now().Sub(row.UpdatedAt) <= s.maxAge {
				out[q.Symbol] = q
				fresh = append(fresh, q)
			} else {
				stale[q.Symbol] = q
			}
		}
		if len(fresh) > 0 {
			s.writeCache(ctx, fresh)
		}
	}

	missing = missingSymbols(wanted, out)
	if len(missing) > 0 && s.client != nil {
		fetched, err := s.fetch(ctx, missing)
		for _, q := range fetched {
			out[q.Symbol] = q
		}
		if err != nil {
			zap.L().Warn("Price API fetch failed", zap.Strings("symbols", missing), zap.Error(err))
			for sym, q := range stale {
				if _, ok := out[sym]; !ok {
					out[sym] = q
				}
			}
			if len(out) == 0 {
				return nil, err
			}
		}
	} else {
		for sym, q := range stale {
			if _, ok := out[sym]; !ok {
				out[sym] = q
			}
		}
	}

	return out, nil
}

// fetch calls the API in batches and persists and caches the result.
func (s *Service) fetch(ctx context.Context, symbols []string) ([]Quote, error) {
	var all []Quote
	var errs []error
	for start := 0; start < len(symbols); start += MaxSymbolsPerRequest {
		end := start + MaxSymbolsPerRequest
		if end > len(symbols) {
			end = len(symbols)
		}
		quotes, err := s.client.Markets(ctx, symbols[start:end])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, quotes...)
	}

	if len(all) > 0 {
		if err := s.persist(ctx, all); err != nil {
			errs = append(errs, err)
		}
		s.writeCache(ctx, all)
	}
	return all, errors.Join(errs...)
}

func (s *Service) persist(ctx context.Context, quotes []Quote) error {
	rows := make([]models.CryptoPrice, len(quotes))
	for i, q := range quotes {
		rows[i] = modelFromQuote(q)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to save prices: %w", err)
	}
	return nil
}

func (s *Service) writeCache(ctx context.Context, quotes []Quote) {
	if err := s.cache.SetMany(ctx, quotes); err != nil {
		zap.L().Warn("Price cache write failed", zap.Error(err))
	}
}

// TrackedSymbols lists every symbol referenced by holdings, watchlists,
// active price alerts or the stream configuration.
func (s *Service) TrackedSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	db := s.db.WithContext(ctx)

	var assetSymbols []string
	if err := db.Model(&models.Asset{}).Distinct().Pluck("symbol", &assetSymbols).Error; err != nil {
		return nil, fmt.Errorf("failed to list asset symbols: %w", err)
	}
	symbols = append(symbols, assetSymbols...)

	var watchSymbols []string
	if err := db.Model(&models.WatchlistItem{}).Distinct().Pluck("symbol", &watchSymbols).Error; err != nil {
		return nil, fmt.Errorf("failed to list watchlist symbols: %w", err)
	}
	symbols = append(symbols, watchSymbols...)

	var alertSymbols []string
	err := db.Model(&models.Alert{}).
		Where("type = ? AND status = ? AND symbol <> ''", models.AlertTypePrice, models.AlertStatusActive).
		Distinct().Pluck("symbol", &alertSymbols).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list alert symbols: %w", err)
	}
	symbols = append(symbols, alertSymbols...)
	symbols = append(symbols, s.tracked...)

	out := uniqueSymbols(symbols)
	sort.Strings(out)
	return out, nil
}

// RefreshTracked fetches fresh quotes for every tracked symbol, publishes
// price.updated per quote and revalues holdings. It returns the number of
// quotes refreshed.
func (s *Service) RefreshTracked(ctx context.Context) (int, error) {
	if s.client == nil {
		return 0, errors.New("price client not configured")
	}
	symbols, err := s.TrackedSymbols(ctx)
	if err != nil {
		return 0, err
	}
	if len(symbols) == 0 {
		return 0, nil
	}

	quotes, fetchErr := s.fetch(ctx, symbols)
	refreshed := make([]string, 0, len(quotes))
	for _, q := range quotes {
		refreshed = append(refreshed, q.Symbol)
		if s.bus != nil {
			s.bus.Publish(stream.TopicPriceUpdated, stream.PriceUpdate{
				Symbol:           q.Symbol,
				Price:            q.Price,
				ChangePercent24h: q.ChangePercent24h,
				UpdatedAt:        q.UpdatedAt,
			})
		}
	}

	if len(refreshed) > 0 && s.revaluer != nil {
		if err := s.revaluer.RevalueSymbols(ctx, refreshed); err != nil {
			zap.L().Error("Failed to revalue portfolios after refresh", zap.Error(err))
		}
	}

	zap.L().Info("Prices refreshed", zap.Int("requested", len(symbols)), zap.Int("refreshed", len(refreshed)))
	if fetchErr != nil && len(quotes) == 0 {
		return 0, fetchErr
	}
	return len(quotes), nil
}

// ApplyTick folds a streamed ticker into the cached quote, keeping the
// metadata the stream does not carry.
func (s *Service) ApplyTick(ctx context.Context, tick stream.Tick) error {
	sym := NormalizeSymbol(tick.Symbol)
	if sym == "" || tick.Price.IsZero() {
		return ErrInvalidSymbol
	}
	if s.quote != streamQuoteCurrency {
		return fmt.Errorf("%w: ticks are %s, quotes are %s", ErrQuoteCurrencyMismatch, streamQuoteCurrency, s.quote)
	}

	q, err := s.cache.Get(ctx, sym)
	if err != nil {
		q = Quote{Symbol: sym}
	}
	q.Price = tick.Price
	q.ChangePercent24h = tick.ChangePercent
	if !tick.Open.IsZero() {
		q.Change24h = tick.Price.Sub(tick.Open)
	}
	if !tick.High.IsZero() {
		q.High24h = tick.High
	}
	if !tick.Low.IsZero() {
		q.Low24h = tick.Low
	}
	if !tick.QuoteVolume.IsZero() {
		q.Volume24h = tick.QuoteVolume
	}
	q.Source = "stream"
	q.UpdatedAt = tick.EventTime
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = s.now().UTC()
	}
	return s.cache.Set(ctx, q)
}

// Start applies streamed ticks to the cache until ctx is done.
func (s *Service) Start(ctx context.Context) {
	if s.bus == nil {
		return
	}
	if s.quote != streamQuoteCurrency {
		zap.L().Info("Streamed ticks ignored for quote currency", zap.String("quote_currency", s.quote))
		return
	}
	sub := s.bus.Subscribe(stream.TopicPriceTick, 1024)
	go func() {
		defer s.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				tick, ok := ev.Payload.(stream.Tick)
				if !ok {
					continue
				}
				if err := s.ApplyTick(ctx, tick); err != nil {
					zap.L().Debug("Dropped tick", zap.String("symbol", tick.Symbol), zap.Error(err))
				}
			}
		}
	}()
}

// History returns the market chart of symbol over the last days (1 to 365).
func (s *Service) History(ctx context.Context, symbol string, days int) ([]PricePoint, error) {
	sym := NormalizeSymbol(symbol)
	if sym == "" {
		return nil, ErrInvalidSymbol
	}
	if days < 1 || days > 365 {
		return nil, fmt.Errorf("days must be between 1 and 365: %w", ErrInvalidSymbol)
	}
	if s.client == nil {
		return nil, errors.New("price client not configured")
	}

	coinID, err := s.coinID(ctx, sym)
	if err != nil {
		return nil, err
	}
	return s.client.MarketChart(ctx, coinID, days)
}

func (s *Service) coinID(ctx context.Context, sym string) (string, error) {
	var row models.CryptoPrice
	err := s.db.WithContext(ctx).Where("symbol = ?", sym).First(&row).Error
	if err == nil && row.CoinID != "" {
		return row.CoinID, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("failed to load price: %w", err)
	}

	quotes, err := s.fetch(ctx, []string{sym})
	for _, q := range quotes {
		if q.Symbol == sym && q.CoinID != "" {
			return q.CoinID, nil
		}
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s: %w", sym, ErrPriceNotFound)
}

func quoteFromModel(m models.CryptoPrice) Quote {
	return Quote{
		Symbol:           m.Symbol,
		CoinID:           m.CoinID,
		Name:             m.Name,
		Price:            m.Price,
		Change24h:        m.Change24h,
		ChangePercent24h: m.ChangePercent24h,
		Volume24h:        m.Volume24h,
		MarketCap:        m.MarketCap,
		High24h:          m.High24h,
		Low24h:           m.Low24h,
		Source:           m.Source,
		UpdatedAt:        m.UpdatedAt,
	}
}

func modelFromQuote(q Quote) models.CryptoPrice {
	return models.CryptoPrice{
		Symbol:           q.Symbol,
		CoinID:           q.CoinID,
		Name:             q.Name,
		Price:            q.Price,
		Change24h:        q.Change24h,
		ChangePercent24h: q.ChangePercent24h,
		Volume24h:        q.Volume24h,
		MarketCap:        q.MarketCap,
		High24h:          q.High24h,
		Low24h:           q.Low24h,
		Source:           q.Source,
		UpdatedAt:        q.UpdatedAt,
	}
}

func uniqueSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = NormalizeSymbol(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func missingSymbols(wanted []string, have map[string]Quote) []string {
	var out []string
	for _, s := range wanted {
		if _, ok := have[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
