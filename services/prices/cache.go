package prices

import (
	"context"
	"sync"
	"time"
)

// Cache stores the latest quote per symbol. Missing or expired entries
// return ErrPriceNotFound.
type Cache interface {
	Get(ctx context.Context, symbol string) (Quote, error)
	GetMany(ctx context.Context, symbols []string) (map[string]Quote, error)
	Set(ctx context.Context, q Quote) error
	SetMany(ctx context.Context, quotes []Quote) error
}

type memoryEntry struct {
	quote   Quote
	expires time.Time
}

// MemoryCache is an in-process Cache used when redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, symbol string) (Quote, error) {
	c.mu.RLock()
	e, ok := c.entries[NormalizeSymbol(symbol)]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expires) {
		return Quote{}, ErrPriceNotFound
	}
	return e.quote, nil
}

func (c *MemoryCache) GetMany(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	for _, s := range symbols {
		if q, err := c.Get(ctx, s); err == nil {
			out[q.Symbol] = q
		}
	}
	return out, nil
}

func (c *MemoryCache) Set(_ context.Context, q Quote) error {
	q.Symbol = NormalizeSymbol(q.Symbol)
	c.mu.Lock()
	c.entries[q.Symbol] = memoryEntry{quote: q, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) SetMany(ctx context.Context, quotes []Quote) error {
	for _, q := range quotes {
		if err := c.Set(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
