package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"crypto_portfolio_tracker/models"
)

const sampleTicker = `{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000000000,"s":"BTCUSDT","c":"110.5","o":"100","h":"112","l":"99","v":"12.5","q":"1380"}}`

func TestParseMiniTicker(t *testing.T) {
	tick, err := ParseMiniTicker([]byte(sampleTicker))
	if err != nil {
		t.Fatal(err)
	}
	if tick.Symbol != "BTC" || tick.Pair != "BTCUSDT" {
		t.Fatalf("symbol = %q pair = %q", tick.Symbol, tick.Pair)
	}
	if !tick.Price.Equal(decimal.RequireFromString("110.5")) {
		t.Errorf("price = %s", tick.Price)
	}
	if !tick.ChangePercent.Equal(decimal.RequireFromString("10.5")) {
		t.Errorf("change = %s", tick.ChangePercent)
	}
	if tick.EventTime.UnixMilli() != 1700000000000 {
		t.Errorf("event time = %v", tick.EventTime)
	}

	other, err := ParseMiniTicker([]byte(`{"stream":"x","data":{"e":"trade"}}`))
	if err != nil || other != nil {
		t.Fatalf("non ticker frame: %v %v", other, err)
	}

	if _, err := ParseMiniTicker([]byte(`{"data":{"e":"24hrMiniTicker","s":"BTCUSDT","c":"abc"}}`)); err == nil {
		t.Fatal("expected error for bad price")
	}
}

func TestBaseSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":  "BTC",
		" ethusdt": "ETH",
		"USDT":     "USDT",
		"SOL":      "SOL",
	}
	for in, want := range cases {
		if got := BaseSymbol(in); got != want {
			t.Errorf("BaseSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStreamURL(t *testing.T) {
	f := NewFeed(FeedConfig{URL: "wss://stream.example.com:9443/", Symbols: []string{"BTC", "ETH"}}, NewBus())
	want := "wss://stream.example.com:9443/stream?streams=btcusdt@miniTicker/ethusdt@miniTicker"
	if got := f.StreamURL(); got != want {
		t.Fatalf("got %s", got)
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestFeedPublishesTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(sampleTicker))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	bus := NewBus()
	ticks := bus.Subscribe(TopicPriceTick, 8)
	feed := NewFeed(FeedConfig{URL: wsURL(srv), Symbols: []string{"BTC"}, MinBackoff: 10 * time.Millisecond}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		feed.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-ticks.C:
		if ev.Payload.(Tick).Symbol != "BTC" {
			t.Fatalf("unexpected tick %#v", ev.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no tick received")
	}

	st := feed.Status()
	if !st.Connected || st.LastMessageAt == nil {
		t.Fatalf("status = %+v", st)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestFeedAnnouncesOutageAndRecovery(t *testing.T) {
	var attempts atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	bus := NewBus()
	events := bus.Subscribe(TopicSystemEvent, 8)
	feed := NewFeed(FeedConfig{
		URL:         wsURL(srv),
		Symbols:     []string{"BTC"},
		MaxFailures: 2,
		MinBackoff:  5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events.C:
			got = append(got, ev.Payload.(SystemEvent).Type)
		case <-timeout:
			t.Fatalf("events so far: %v", got)
		}
	}
	if got[0] != models.EventPriceFeedDown || got[1] != models.EventPriceFeedRestored {
		t.Fatalf("events = %v", got)
	}
}

func TestFeedRequiresSymbols(t *testing.T) {
	if err := NewFeed(FeedConfig{URL: "ws://localhost"}, NewBus()).Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
