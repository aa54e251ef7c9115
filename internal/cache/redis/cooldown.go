package redis

import (
	"context"
	"fmt"

	"time"

	"github.com/redis/go-redis/v9"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// CooldownGuard implements domain.CooldownGuard with one Redis key per
// (wallet, chain, token) tuple. Arming sets the key with the window as its
// TTL; the window is over when the key expires.
type CooldownGuard struct {
	rdb *redis.Client
}

// NewCooldownGuard creates a CooldownGuard backed by the given Client.
func NewCooldownGuard(c *Client) *CooldownGuard {
	return &CooldownGuard{rdb: c.Underlying()}
}

func cooldownKey(wallet string, chain int64, token string) string {
	return fmt.Sprintf("monadier:cooldown:%s:%d:%s", wallet, chain, token)
}

// Arm starts (or restarts) the cooldown window for the tuple.
func (g *CooldownGuard) Arm(ctx context.Context, wallet string, chain int64, token string, ttl time.Duration) error {
	if err := g.rdb.Set(ctx, cooldownKey(wallet, chain, token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis: arm cooldown %s:%d:%s: %w", wallet, chain, token, err)
	}
	return nil
}

// Active reports whether the tuple is still inside its cooldown window.
func (g *CooldownGuard) Active(ctx context.Context, wallet string, chain int64, token string) (bool, error) {
	n, err := g.rdb.Exists(ctx, cooldownKey(wallet, chain, token)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check cooldown %s:%d:%s: %w", wallet, chain, token, err)
	}
	return n > 0, nil
}

// Compile-time interface check.
var _ domain.CooldownGuard = (*CooldownGuard)(nil)
