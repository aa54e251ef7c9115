package orchestrator

import (
	"sync"
	"time"
)

// Breaker is the system-wide circuit breaker for open-position attempts.
// Repeated vault write failures trip it, pausing all new opens until a quiet
// period with no failures has elapsed. The clock is injected so tests can
// advance virtual time deterministically.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	quiet       time.Duration
	now         func() time.Time
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a Breaker that trips after threshold failures and resets
// after quiet with no further failures. A nil now defaults to time.Now.
func NewBreaker(threshold int, quiet time.Duration, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		threshold: threshold,
		quiet:     quiet,
		now:       now,
	}
}

// Failure records one failed open attempt. The rolling counter restarts when
// the previous failure is older than the quiet period.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) >= b.quiet {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now
}

// Open reports whether the breaker is currently tripped. It resets the
// counter once the quiet period has passed without failures.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return false
	}
	if b.now().Sub(b.lastFailure) >= b.quiet {
		b.failures = 0
		return false
	}
	return true
}

// Failures returns the current rolling failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
