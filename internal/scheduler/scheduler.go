// Package scheduler runs the periodic trading cycles: trading, monitoring,
// reconciliation, and fee sweep/archival. Each cycle fires on its own ticker
// and is guarded by a distributed re-entrancy lock, so a fire that overlaps a
// still-running previous iteration (or another instance's) is dropped rather
// than queued.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// CycleFunc is one iteration of a periodic cycle.
type CycleFunc func(ctx context.Context) error

// cycle is one registered loop.
type cycle struct {
	name     string
	interval time.Duration
	run      CycleFunc
}

// Scheduler owns the cycle goroutines and the last-run bookkeeping consumed
// by the liveness probe.
type Scheduler struct {
	locks  domain.LockManager
	logger *slog.Logger
	cycles []cycle

	mu      sync.RWMutex
	lastRun map[string]time.Time
}

// New creates an empty Scheduler.
func New(locks domain.LockManager, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		locks:   locks,
		logger:  logger.With(slog.String("component", "scheduler")),
		lastRun: make(map[string]time.Time),
	}
}

// Add registers a cycle. Must be called before Run.
func (s *Scheduler) Add(name string, interval time.Duration, run CycleFunc) {
	s.cycles = append(s.cycles, cycle{name: name, interval: interval, run: run})
}

// Run starts one goroutine per registered cycle and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.cycles {
		g.Go(func() error {
			s.loop(ctx, c)
			return nil
		})
	}
	s.logger.Info("scheduler started", slog.Int("cycles", len(s.cycles)))
	return g.Wait()
}

// LastRuns returns a copy of the completed-run timestamps per cycle.
func (s *Scheduler) LastRuns() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Time, len(s.lastRun))
	for k, v := range s.lastRun {
		out[k] = v
	}
	return out
}

// TriggerNow runs one registered cycle out of band, honoring the same
// re-entrancy lock as the ticker. Used by the manual-trigger endpoint.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	for _, c := range s.cycles {
		if c.name == name {
			return s.fire(ctx, c)
		}
	}
	return domain.ErrNotFound
}

func (s *Scheduler) loop(ctx context.Context, c cycle) {
	defer s.recoverAndLog(c.name)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cycle shutting down", slog.String("cycle", c.name))
			return
		case <-ticker.C:
			if err := s.fire(ctx, c); err != nil && ctx.Err() == nil {
				s.logger.Error("cycle failed",
					slog.String("cycle", c.name),
					slog.String("error", err.Error()))
			}
		}
	}
}

// fire runs one iteration under the cycle's re-entrancy lock. The lock TTL
// covers a hung iteration: if the holder dies, the next fire after the TTL
// proceeds.
func (s *Scheduler) fire(ctx context.Context, c cycle) error {
	unlock, err := s.locks.Acquire(ctx, "cycle:"+c.name, lockTTL(c.interval))
	if errors.Is(err, domain.ErrLockHeld) {
		s.logger.Debug("previous iteration still running, skipping fire",
			slog.String("cycle", c.name))
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	start := time.Now()
	if err := c.run(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastRun[c.name] = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Debug("cycle completed",
		slog.String("cycle", c.name),
		slog.Duration("took", time.Since(start)))
	return nil
}

// lockTTL bounds how long a dead holder can block a cycle.
func lockTTL(interval time.Duration) time.Duration {
	ttl := 2 * interval
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// recoverAndLog catches panics so one broken cycle cannot take down the rest.
func (s *Scheduler) recoverAndLog(name string) {
	if r := recover(); r != nil {
		s.logger.Error("panic recovered in cycle loop",
			slog.String("cycle", name),
			slog.Any("panic", r))
	}
}
