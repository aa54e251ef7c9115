package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each token's
// latest oracle sample is stored at key "price:{chain}:{token}" with fields
// "price" and "ts" (Unix nanosecond timestamp). The timestamp lets consumers
// reject stale quotes instead of trading on them.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(chain int64, token string) string {
	return fmt.Sprintf("monadier:price:%d:%s", chain, token)
}

// SetPrice stores the latest price and sample time for a token.
func (pc *PriceCache) SetPrice(ctx context.Context, chain int64, token string, price float64, ts time.Time) error {
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(chain, token), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %d:%s: %w", chain, token, err)
	}
	return nil
}

// GetPrice retrieves the latest price and sample time for a token. It returns
// domain.ErrNotFound when no sample has been stored.
func (pc *PriceCache) GetPrice(ctx context.Context, chain int64, token string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(chain, token)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %d:%s: %w", chain, token, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %d:%s: %w", chain, token, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %d:%s: %w", chain, token, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
