package health

import (
	"errors"
	"sync"
	"time"
)

// ErrRecoveryExhausted is reported when the breaker has opened
var ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

// Decision is the breaker's answer to "may I reset now?"
type Decision int

const (
	// Allow means a recovery attempt may proceed
	Allow Decision = iota
	// CoolingDown means the previous attempt was too recent
	CoolingDown
	// Exhausted means max attempts were used within the window
	Exhausted
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case CoolingDown:
		return "cooldown"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Breaker rate-limits recovery attempts: at most max attempts inside window,
// spaced at least cooldown apart. Once exhausted it stays open until Reset.
type Breaker struct {
	mu       sync.Mutex
	max      int
	cooldown time.Duration
	attempts *Window
	last     time.Time
	open     bool
}

// NewBreaker creates a closed breaker
func NewBreaker(max int, window, cooldown time.Duration) *Breaker {
	if max <= 0 {
		max = 3
	}
	return &Breaker{max: max, cooldown: cooldown, attempts: NewWindow(window)}
}

// Check reports whether an attempt may start at now without recording one
func (b *Breaker) Check(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkLocked(now)
}

func (b *Breaker) checkLocked(now time.Time) Decision {
	if b.open {
		return Exhausted
	}
	if b.attempts.Count(now) >= b.max {
		b.open = true
		return Exhausted
	}
	if !b.last.IsZero() && now.Sub(b.last) < b.cooldown {
		return CoolingDown
	}
	return Allow
}

// Acquire checks and, when allowed, records an attempt at now
func (b *Breaker) Acquire(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.checkLocked(now)
	if d == Allow {
		b.attempts.Add(now)
		b.last = now
	}
	return d
}

// Attempts returns attempts inside the window at now
func (b *Breaker) Attempts(now time.Time) int {
	return b.attempts.Count(now)
}

// Open reports whether the breaker has given up
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Reset closes the breaker and forgets previous attempts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.last = time.Time{}
	b.attempts.Reset()
}
