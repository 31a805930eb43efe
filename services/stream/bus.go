package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bus topics
const (
	TopicPriceTick           = "price.tick"
	TopicPriceUpdated        = "price.updated"
	TopicAlertTriggered      = "alert.triggered"
	TopicSystemEvent         = "system.event"
	TopicNotificationCreated = "notification.created"
)

// Event is what subscribers receive. Payload is one of Tick, PriceUpdate,
// SystemEvent or a topic-specific struct from the publishing service.
type Event struct {
	Topic   string
	Payload interface{}
	Time    time.Time
}

// SystemEvent reports an operational condition. A zero UserID means it
// concerns every user.
type SystemEvent struct {
	Type    string                 `json:"type"`
	UserID  uint                   `json:"user_id,omitempty"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Time    time.Time              `json:"time"`
}

// PriceUpdate is published after a quote refresh from the price API.
type PriceUpdate struct {
	Symbol           string          `json:"symbol"`
	Price            decimal.Decimal `json:"price"`
	ChangePercent24h decimal.Decimal `json:"change_percent_24h"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Subscription is a buffered receive side of one topic.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan Event

	ch      chan Event
	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus is an in-process publish/subscribe hub keyed by topic.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[string]*Subscription)}
}

// Subscribe registers a new subscriber for topic with the given buffer size.
// Subscribing to a closed bus returns an already closed subscription.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{ID: uuid.NewString(), Topic: topic, C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription)
	}
	b.subs[topic][sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.Topic][sub.ID]; !ok {
		return
	}
	delete(b.subs[sub.Topic], sub.ID)
	close(sub.ch)
}

// Publish delivers payload to every subscriber of topic without blocking.
// It returns the number of subscribers that received the event.
func (b *Bus) Publish(topic string, payload interface{}) int {
	ev := Event{Topic: topic, Payload: payload, Time: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// PublishSystem is shorthand for publishing a SystemEvent.
func (b *Bus) PublishSystem(eventType string, userID uint, message string, data map[string]interface{}) int {
	return b.Publish(TopicSystemEvent, SystemEvent{
		Type:    eventType,
		UserID:  userID,
		Message: message,
		Data:    data,
		Time:    time.Now().UTC(),
	})
}

// Stats returns subscriber counts per topic.
func (b *Bus) Stats() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.subs))
	for topic, subs := range b.subs {
		out[topic] = len(subs)
	}
	return out
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[string]*Subscription)
}
