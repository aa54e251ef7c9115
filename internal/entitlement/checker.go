// Package entitlement answers whether automated trading is currently allowed
// for a wallet, backed by the subscription service.
package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// defaultTTL bounds how long a positive entitlement answer may be reused
// before the subscription service is asked again.
const defaultTTL = 5 * time.Minute

// AllowAll permits every wallet. It is wired when no subscription service is
// configured, as in single-operator deployments.
type AllowAll struct{}

var _ domain.EntitlementChecker = AllowAll{}

func (AllowAll) CanTrade(ctx context.Context, wallet string) (bool, error) {
	return true, nil
}

// Checker queries the subscription service over HTTP and caches answers
// briefly so a trading cycle over many tokens does not hammer it. Failures
// are conservative: an unreachable service denies trading.
type Checker struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedAnswer
}

type cachedAnswer struct {
	allowed bool
	expires time.Time
}

var _ domain.EntitlementChecker = (*Checker)(nil)

// New creates a Checker against the subscription service at baseURL.
func New(baseURL, apiKey string, logger *slog.Logger) *Checker {
	return &Checker{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With(slog.String("component", "entitlement")),
		cache:      make(map[string]cachedAnswer),
	}
}

// CanTrade reports whether the wallet's subscription currently permits
// automated trading.
func (c *Checker) CanTrade(ctx context.Context, wallet string) (bool, error) {
	c.mu.Lock()
	if ans, ok := c.cache[wallet]; ok && time.Now().Before(ans.expires) {
		c.mu.Unlock()
		return ans.allowed, nil
	}
	c.mu.Unlock()

	allowed, err := c.fetch(ctx, wallet)
	if err != nil {
		return false, fmt.Errorf("entitlement: check %s: %w", wallet, err)
	}

	c.mu.Lock()
	c.cache[wallet] = cachedAnswer{allowed: allowed, expires: time.Now().Add(defaultTTL)}
	c.mu.Unlock()

	return allowed, nil
}

func (c *Checker) fetch(ctx context.Context, wallet string) (bool, error) {
	endpoint := c.baseURL + "/entitlements/" + url.PathEscape(wallet)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	// An unknown wallet has no subscription.
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("http %d", resp.StatusCode)
	}

	var out struct {
		CanTrade bool `json:"can_trade"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return out.CanTrade, nil
}
