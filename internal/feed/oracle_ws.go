// Package feed subscribes to the oracle price stream over WebSocket and
// pushes every tick into the price cache. The monitoring and reconciliation
// cycles read only from the cache and judge freshness by the stored sample
// time, so a dead feed degrades to skipped checks rather than bad closes.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before reconnecting.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// Subscription names one (chain, token) pair to stream prices for.
type Subscription struct {
	Chain int64
	Token string
}

// OracleFeed is the WebSocket subscriber for oracle prices.
type OracleFeed struct {
	wsURL  string
	subs   []Subscription
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewOracleFeed creates a feed that subscribes to the given pairs and writes
// each tick into cache.
func NewOracleFeed(wsURL string, subs []Subscription, cache domain.PriceCache, logger *slog.Logger) *OracleFeed {
	return &OracleFeed{
		wsURL:  wsURL,
		subs:   subs,
		cache:  cache,
		logger: logger.With(slog.String("component", "oracle_feed")),
	}
}

// Run connects, subscribes and consumes ticks until ctx is cancelled,
// reconnecting with exponential backoff on any connection failure.
func (f *OracleFeed) Run(ctx context.Context) error {
	if len(f.subs) == 0 {
		f.logger.Info("no pairs to subscribe, feed idle")
		<-ctx.Done()
		return ctx.Err()
	}

	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("oracle feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// subscribeCommand is the wire format of the subscribe request.
type subscribeCommand struct {
	Type  string     `json:"type"`
	Pairs []wirePair `json:"pairs"`
}

type wirePair struct {
	Chain int64  `json:"chain"`
	Token string `json:"token"`
}

// tickMessage is the wire format of one price update.
type tickMessage struct {
	Type  string  `json:"type"`
	Chain int64   `json:"chain"`
	Token string  `json:"token"`
	Price float64 `json:"price"`
	TS    int64   `json:"ts"` // unix milliseconds
}

func (f *OracleFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("oracle feed subscribed", slog.Int("pairs", len(f.subs)))

	// Close the connection when ctx ends so the blocked ReadMessage returns,
	// and keep the connection alive with periodic pings.
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.keepAlive(pingCtx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleTick(ctx, raw)
	}
}

func (f *OracleFeed) subscribe(conn *websocket.Conn) error {
	cmd := subscribeCommand{Type: "subscribe", Pairs: make([]wirePair, 0, len(f.subs))}
	for _, s := range f.subs {
		cmd.Pairs = append(cmd.Pairs, wirePair{Chain: s.Chain, Token: s.Token})
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

func (f *OracleFeed) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *OracleFeed) handleTick(ctx context.Context, raw []byte) {
	var tick tickMessage
	if err := json.Unmarshal(raw, &tick); err != nil {
		return // drop unparseable messages
	}
	if tick.Type != "tick" || tick.Price <= 0 {
		return
	}

	ts := time.UnixMilli(tick.TS).UTC()
	if err := f.cache.SetPrice(ctx, tick.Chain, tick.Token, tick.Price, ts); err != nil {
		f.logger.Warn("price cache write failed",
			slog.Int64("chain", tick.Chain),
			slog.String("token", tick.Token),
			slog.String("error", err.Error()))
	}
}
