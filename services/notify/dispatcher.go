package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrSkipped is returned by a channel that has nothing to deliver to, such as
// telegram for a user without a chat id.
var ErrSkipped = errors.New("channel skipped")

// Channel delivers a message through one medium.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// DispatchResult summarises one Dispatch call.
type DispatchResult struct {
	Delivered []string `json:"delivered"`
	Skipped   []string `json:"skipped,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Err       error    `json:"-"`
}

// Dispatcher routes messages to registered channels by name.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewDispatcher(channels ...Channel) *Dispatcher {
	d := &Dispatcher{channels: make(map[string]Channel)}
	for _, ch := range channels {
		d.Register(ch)
	}
	return d
}

// Register adds or replaces a channel. Nil channels are ignored.
func (d *Dispatcher) Register(ch Channel) {
	if ch == nil {
		return
	}
	d.mu.Lock()
	d.channels[ch.Name()] = ch
	d.mu.Unlock()
}

// Channels returns the registered channel names, sorted.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch sends msg to each named channel. A failing channel does not stop
// the others; unregistered names are reported as failed.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, names []string) DispatchResult {
	if msg.Level == "" {
		msg.Level = LevelInfo
	}

	var res DispatchResult
	var errs []error
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		d.mu.RLock()
		ch, ok := d.channels[name]
		d.mu.RUnlock()
		if !ok {
			res.Failed = append(res.Failed, name)
			errs = append(errs, fmt.Errorf("%s: channel not available", name))
			continue
		}

		err := ch.Send(ctx, msg)
		switch {
		case err == nil:
			res.Delivered = append(res.Delivered, name)
		case errors.Is(err, ErrSkipped):
			res.Skipped = append(res.Skipped, name)
		default:
			res.Failed = append(res.Failed, name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			zap.L().Warn("Notification delivery failed",
				zap.String("channel", name),
				zap.Uint("user_id", msg.UserID),
				zap.Error(err))
		}
	}
	res.Err = errors.Join(errs...)
	return res
}
