// Package signal implements the HTTP client for the external signal provider.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// Provider is the REST client for the signal service. A request that times
// out or returns no recommendation yields no trade for that token this cycle;
// the orchestrator never blocks a whole cycle on one slow signal.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ domain.SignalProvider = (*Provider)(nil)

// New creates a signal Provider.
//
// baseURL is the signal service root, e.g. "https://signals.example.com/v1".
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Provider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "signal")),
	}
}

// apiSignal is the wire format of one recommendation.
type apiSignal struct {
	Token               string  `json:"token"`
	Symbol              string  `json:"symbol"`
	Direction           string  `json:"direction"` // "long" or "short"
	Confidence          float64 `json:"confidence"`
	SuggestedAmount     float64 `json:"suggested_amount"`
	TakeProfitPercent   float64 `json:"take_profit_percent"`
	TrailingStopPercent float64 `json:"trailing_stop_percent"`
	Reason              string  `json:"reason"`
	GeneratedAt         int64   `json:"generated_at"` // unix seconds
}

// GetSignal requests a directional recommendation for one (chain, token)
// pair. It returns (nil, nil) when the service has no recommendation, and
// wraps timeouts in domain.ErrNoSignal so callers can treat them the same
// way.
func (p *Provider) GetSignal(ctx context.Context, chain int64, token string, availableBalance float64, riskBps int, strategy string) (*domain.TradeSignal, error) {
	params := url.Values{}
	params.Set("chain", strconv.FormatInt(chain, 10))
	params.Set("token", token)
	params.Set("balance", strconv.FormatFloat(availableBalance, 'f', -1, 64))
	params.Set("risk_bps", strconv.Itoa(riskBps))
	params.Set("strategy", strategy)

	body, status, err := p.doGet(ctx, "/signal?"+params.Encode())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("signal: request timed out: %w", domain.ErrNoSignal)
		}
		return nil, fmt.Errorf("signal: get signal: %w", err)
	}
	if status == http.StatusNoContent || len(body) == 0 {
		return nil, nil
	}

	var api apiSignal
	if err := json.Unmarshal(body, &api); err != nil {
		return nil, fmt.Errorf("signal: decode signal: %w", err)
	}

	dir := domain.Direction(api.Direction)
	if dir != domain.DirectionLong && dir != domain.DirectionShort {
		return nil, fmt.Errorf("signal: unknown direction %q", api.Direction)
	}

	return &domain.TradeSignal{
		Chain:               chain,
		Token:               token,
		Symbol:              api.Symbol,
		Direction:           dir,
		Confidence:          api.Confidence,
		SuggestedAmount:     api.SuggestedAmount,
		TakeProfitPercent:   api.TakeProfitPercent,
		TrailingStopPercent: api.TrailingStopPercent,
		Reason:              api.Reason,
		GeneratedAt:         time.Unix(api.GeneratedAt, 0).UTC(),
	}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (p *Provider) doGet(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, resp.StatusCode, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
