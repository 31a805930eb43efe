package prices

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const redisKeyPrefix = "price:"

// RedisCache keeps one hash per symbol under price:{SYMBOL}.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func redisKey(symbol string) string {
	return redisKeyPrefix + NormalizeSymbol(symbol)
}

func (c *RedisCache) Get(ctx context.Context, symbol string) (Quote, error) {
	fields, err := c.rdb.HGetAll(ctx, redisKey(symbol)).Result()
	if err != nil {
		return Quote{}, fmt.Errorf("redis hgetall %s: %w", symbol, err)
	}
	if len(fields) == 0 {
		return Quote{}, ErrPriceNotFound
	}
	return quoteFromHash(NormalizeSymbol(symbol), fields)
}

func (c *RedisCache) GetMany(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(symbols))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, s := range symbols {
			cmds[i] = pipe.HGetAll(ctx, redisKey(s))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		q, err := quoteFromHash(NormalizeSymbol(symbols[i]), fields)
		if err != nil {
			continue
		}
		out[q.Symbol] = q
	}
	return out, nil
}

func (c *RedisCache) Set(ctx context.Context, q Quote) error {
	return c.SetMany(ctx, []Quote{q})
}

func (c *RedisCache) SetMany(ctx context.Context, quotes []Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, q := range quotes {
			key := redisKey(q.Symbol)
			pipe.HSet(ctx, key, quoteToHash(q))
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write quotes: %w", err)
	}
	return nil
}

func quoteToHash(q Quote) map[string]interface{} {
	return map[string]interface{}{
		"coin_id":            q.CoinID,
		"name":               q.Name,
		"price":              q.Price.String(),
		"change_24h":         q.Change24h.String(),
		"change_percent_24h": q.ChangePercent24h.String(),
		"volume_24h":         q.Volume24h.String(),
		"market_cap":         q.MarketCap.String(),
		"high_24h":           q.High24h.String(),
		"low_24h":            q.Low24h.String(),
		"source":             q.Source,
		"updated_at":         q.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func quoteFromHash(symbol string, h map[string]string) (Quote, error) {
	q := Quote{
		Symbol: symbol,
		CoinID: h["coin_id"],
		Name:   h["name"],
		Source: h["source"],
	}
	fields := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"price", &q.Price},
		{"change_24h", &q.Change24h},
		{"change_percent_24h", &q.ChangePercent24h},
		{"volume_24h", &q.Volume24h},
		{"market_cap", &q.MarketCap},
		{"high_24h", &q.High24h},
		{"low_24h", &q.Low24h},
	}
	for _, f := range fields {
		raw, ok := h[f.key]
		if !ok || raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return Quote{}, fmt.Errorf("decode %s.%s: %w", symbol, f.key, err)
		}
		*f.dst = d
	}
	if ts, err := time.Parse(time.RFC3339Nano, h["updated_at"]); err == nil {
		q.UpdatedAt = ts
	}
	return q, nil
}
