package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type testFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T, maxClients int) (*Hub, *httptest.Server) {
	t.Helper()
	auth := func(token string) (uint, error) {
		if token == "user-7" {
			return 7, nil
		}
		return 0, errors.New("bad token")
	}
	hub := NewHub(maxClients, auth)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f testFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func command(t *testing.T, conn *websocket.Conn, action string, symbols ...string) testFrame {
	t.Helper()
	if err := conn.WriteJSON(clientCommand{Action: action, Symbols: symbols}); err != nil {
		t.Fatalf("write: %v", err)
	}
	return readFrame(t, conn)
}

func TestHubDeliversOnlySubscribedSymbols(t *testing.T) {
	hub, srv := startHub(t, 10)
	conn := dial(t, srv, "")

	if f := command(t, conn, "subscribe", "btcusdt"); f.Type != "subscribed" {
		t.Fatalf("reply = %+v", f)
	}

	hub.BroadcastTick(Tick{Symbol: "ETH", Price: decimal.NewFromInt(2000)})
	hub.BroadcastTick(Tick{Symbol: "BTC", Price: decimal.NewFromInt(60000)})

	f := readFrame(t, conn)
	if f.Type != "tick" {
		t.Fatalf("type = %q", f.Type)
	}
	var tick Tick
	if err := json.Unmarshal(f.Data, &tick); err != nil {
		t.Fatal(err)
	}
	if tick.Symbol != "BTC" {
		t.Fatalf("got tick for %s", tick.Symbol)
	}
}

func TestHubWildcardAndUnsubscribe(t *testing.T) {
	hub, srv := startHub(t, 10)
	conn := dial(t, srv, "")

	command(t, conn, "subscribe", "*")
	hub.BroadcastTick(Tick{Symbol: "SOL"})
	if f := readFrame(t, conn); f.Type != "tick" {
		t.Fatalf("type = %q", f.Type)
	}

	if f := command(t, conn, "unsubscribe", "*"); f.Type != "unsubscribed" {
		t.Fatalf("reply = %+v", f)
	}
	hub.BroadcastTick(Tick{Symbol: "SOL"})
	if f := command(t, conn, "ping"); f.Type != "pong" {
		t.Fatalf("expected pong after unsubscribe, got %q", f.Type)
	}
}

func TestHubSendToUser(t *testing.T) {
	hub, srv := startHub(t, 10)
	anon := dial(t, srv, "")
	user := dial(t, srv, "?token=user-7")

	command(t, anon, "ping")
	command(t, user, "ping")

	hub.SendToUser(7, "notification", map[string]string{"title": "BTC above 60000"})
	if f := readFrame(t, user); f.Type != "notification" {
		t.Fatalf("type = %q", f.Type)
	}

	if f := command(t, anon, "ping"); f.Type != "pong" {
		t.Fatalf("anonymous client received %q", f.Type)
	}
	if st := hub.Status(); st.Authenticated != 1 || st.Clients != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestHubRejectsBadToken(t *testing.T) {
	_, srv := startHub(t, 10)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=nope", nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHubCapacity(t *testing.T) {
	hub, srv := startHub(t, 1)
	conn := dial(t, srv, "")
	command(t, conn, "ping")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Status().Clients != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil {
		t.Fatal("expected capacity rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHubAdmitRefusesOverCapacity(t *testing.T) {
	hub := NewHub(1, nil)
	first := &Client{id: "a", send: make(chan []byte, 1), subscribed: map[string]bool{}}
	second := &Client{id: "b", send: make(chan []byte, 1), subscribed: map[string]bool{}}

	if !hub.admit(first) {
		t.Fatal("first client refused")
	}
	if hub.admit(second) {
		t.Fatal("second client admitted past capacity")
	}
	if st := hub.Status(); st.Clients != 1 {
		t.Fatalf("clients = %d", st.Clients)
	}
	if second.closed {
		t.Error("refused client queue closed by hub")
	}
}

func TestReplyAfterRemovalIsDropped(t *testing.T) {
	hub := NewHub(2, nil)
	c := &Client{id: "a", send: make(chan []byte, 1), subscribed: map[string]bool{}}
	hub.admit(c)
	hub.remove(c)

	hub.reply(c, "pong", nil)
	if _, ok := <-c.send; ok {
		t.Fatal("frame queued to removed client")
	}
	if hub.Status().Clients != 0 {
		t.Fatalf("clients = %d", hub.Status().Clients)
	}
}

func TestHubForwardsBusTicks(t *testing.T) {
	hub, srv := startHub(t, 10)
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Forward(ctx, bus)

	conn := dial(t, srv, "")
	command(t, conn, "subscribe", "ADA")

	deadline := time.Now().Add(2 * time.Second)
	for bus.Stats()[TopicPriceUpdated] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("forwarder never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(TopicPriceUpdated, PriceUpdate{Symbol: "ADA", Price: decimal.RequireFromString("0.5")})
	if f := readFrame(t, conn); f.Type != "price" {
		t.Fatalf("type = %q", f.Type)
	}
}

func TestUnknownActionReturnsError(t *testing.T) {
	_, srv := startHub(t, 10)
	conn := dial(t, srv, "")
	if f := command(t, conn, "dance"); f.Type != "error" {
		t.Fatalf("type = %q", f.Type)
	}
}
