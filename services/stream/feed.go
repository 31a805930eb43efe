package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto_portfolio_tracker/models"
)

// QuoteAsset is the quote currency of every streamed pair.
const QuoteAsset = "USDT"

// Tick is one parsed 24h mini ticker update.
type Tick struct {
	Symbol        string          `json:"symbol"`
	Pair          string          `json:"pair"`
	Price         decimal.Decimal `json:"price"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        decimal.Decimal `json:"volume"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	EventTime     time.Time       `json:"event_time"`
}

type FeedConfig struct {
	URL          string
	Symbols      []string
	PingInterval time.Duration
	PongWait     time.Duration
	MaxFailures  int
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// FeedStatus is a point-in-time view of the upstream connection.
type FeedStatus struct {
	Connected           bool       `json:"connected"`
	Down                bool       `json:"down"`
	Reconnects          int        `json:"reconnects"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastMessageAt       *time.Time `json:"last_message_at"`
	LastError           string     `json:"last_error,omitempty"`
	Symbols             []string   `json:"symbols"`
}

// Feed keeps a websocket connection to the exchange ticker stream open and
// republishes each tick on the bus.
type Feed struct {
	cfg    FeedConfig
	bus    *Bus
	dialer *websocket.Dialer

	mu            sync.RWMutex
	connected     bool
	everConnected bool
	down          bool
	reconnects    int
	failures      int
	lastMessageAt *time.Time
	lastErr       string
}

func NewFeed(cfg FeedConfig, bus *Bus) *Feed {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Feed{
		cfg:    cfg,
		bus:    bus,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
}

// StreamURL builds the combined stream endpoint for the configured symbols.
func (f *Feed) StreamURL() string {
	streams := make([]string, 0, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		streams = append(streams, strings.ToLower(s+QuoteAsset)+"@miniTicker")
	}
	return strings.TrimRight(f.cfg.URL, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// Run dials and reads until ctx is cancelled, reconnecting with backoff.
func (f *Feed) Run(ctx context.Context) error {
	if len(f.cfg.Symbols) == 0 {
		return errors.New("price feed: no symbols configured")
	}

	b := &backoff.Backoff{
		Min:    f.cfg.MinBackoff,
		Max:    f.cfg.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := f.dialer.DialContext(ctx, f.StreamURL(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.recordFailure(err)
			if !sleepCtx(ctx, b.Duration()) {
				return nil
			}
			continue
		}

		b.Reset()
		f.markConnected()

		err = f.readLoop(ctx, conn)
		f.markDisconnected(err)
		if ctx.Err() != nil {
			return nil
		}
		zap.L().Warn("Price feed disconnected", zap.Error(err))
		if !sleepCtx(ctx, b.Duration()) {
			return nil
		}
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	})

	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					zap.L().Debug("Price feed ping failed", zap.Error(err))
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
		f.touch()

		tick, err := ParseMiniTicker(message)
		if err != nil {
			zap.L().Warn("Failed to parse ticker message", zap.Error(err))
			continue
		}
		if tick == nil {
			continue
		}
		f.bus.Publish(TopicPriceTick, *tick)
	}
}

func (f *Feed) recordFailure(err error) {
	f.mu.Lock()
	f.failures++
	f.lastErr = err.Error()
	failures := f.failures
	announce := failures >= f.cfg.MaxFailures && !f.down
	if announce {
		f.down = true
	}
	f.mu.Unlock()

	zap.L().Warn("Price feed dial failed", zap.Int("attempt", failures), zap.Error(err))
	if announce {
		zap.L().Error("Price feed down", zap.Int("failures", failures))
		f.bus.PublishSystem(models.EventPriceFeedDown, 0,
			fmt.Sprintf("price feed unreachable after %d attempts: %v", failures, err), nil)
	}
}

func (f *Feed) markConnected() {
	f.mu.Lock()
	restored := f.down
	if f.everConnected {
		f.reconnects++
	}
	f.everConnected = true
	f.connected = true
	f.down = false
	f.failures = 0
	f.lastErr = ""
	f.mu.Unlock()

	zap.L().Info("Price feed connected", zap.Int("symbols", len(f.cfg.Symbols)))
	if restored {
		f.bus.PublishSystem(models.EventPriceFeedRestored, 0, "price feed connection restored", nil)
	}
}

func (f *Feed) markDisconnected(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if err != nil {
		f.lastErr = err.Error()
	}
}

func (f *Feed) touch() {
	now := time.Now().UTC()
	f.mu.Lock()
	f.lastMessageAt = &now
	f.mu.Unlock()
}

// Status reports the current connection state.
func (f *Feed) Status() FeedStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := FeedStatus{
		Connected:           f.connected,
		Down:                f.down,
		Reconnects:          f.reconnects,
		ConsecutiveFailures: f.failures,
		LastError:           f.lastErr,
		Symbols:             append([]string(nil), f.cfg.Symbols...),
	}
	if f.lastMessageAt != nil {
		t := *f.lastMessageAt
		st.LastMessageAt = &t
	}
	return st
}

type miniTickerEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType   string `json:"e"`
		EventTime   int64  `json:"E"`
		Symbol      string `json:"s"`
		Close       string `json:"c"`
		Open        string `json:"o"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		QuoteVolume string `json:"q"`
	} `json:"data"`
}

type decimalField struct {
	raw string
	dst *decimal.Decimal
}

// ParseMiniTicker decodes a combined stream miniTicker frame. Frames of any
// other event type return a nil tick and no error.
func ParseMiniTicker(message []byte) (*Tick, error) {
	var env miniTickerEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return nil, err
	}
	d := env.Data
	if d.EventType != "24hrMiniTicker" {
		return nil, nil
	}

	tick := &Tick{
		Symbol:    BaseSymbol(d.Symbol),
		Pair:      strings.ToUpper(d.Symbol),
		EventTime: time.UnixMilli(d.EventTime).UTC(),
	}
	fields := []decimalField{
		{d.Close, &tick.Price},
		{d.Open, &tick.Open},
		{d.High, &tick.High},
		{d.Low, &tick.Low},
		{d.Volume, &tick.Volume},
		{d.QuoteVolume, &tick.QuoteVolume},
	}
	for _, fld := range fields {
		if fld.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(fld.raw)
		if err != nil {
			return nil, fmt.Errorf("ticker %s: %w", d.Symbol, err)
		}
		*fld.dst = v
	}
	if !tick.Open.IsZero() {
		tick.ChangePercent = tick.Price.Sub(tick.Open).Div(tick.Open).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return tick, nil
}

// BaseSymbol strips the quote asset from an exchange pair, BTCUSDT -> BTC.
func BaseSymbol(pair string) string {
	s := strings.ToUpper(strings.TrimSpace(pair))
	if len(s) > len(QuoteAsset) && strings.HasSuffix(s, QuoteAsset) {
		return strings.TrimSuffix(s, QuoteAsset)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
