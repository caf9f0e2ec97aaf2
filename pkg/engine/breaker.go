package engine

import (
	"sync"
	"time"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// BreakerConfig tunes the analysis circuit breaker
type BreakerConfig struct {
	Window      time.Duration // Sliding window for the failure rate
	FailureRate float64       // Open when the rate meets or exceeds this
	MinSamples  int           // Rate is not evaluated below this sample count
	Cooldown    time.Duration // Open duration before probing
}

type breakerSample struct {
	at time.Time
	ok bool
}

// Breaker is a sliding-window circuit breaker. While open, calls are refused
// outright. After the cooldown a single probe call is admitted; its outcome
// closes or re-opens the circuit.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	samples  []breakerSample
	state    string
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Allow reports whether a call may proceed
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	default: // half-open
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Record reports the outcome of a call admitted by Allow
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.samples = append(b.samples, breakerSample{at: now, ok: success})
	b.prune(now)

	if b.state == BreakerHalfOpen {
		b.probing = false
		if success {
			b.state = BreakerClosed
			b.samples = nil
		} else {
			b.open(now)
		}
		return
	}

	if b.state != BreakerClosed {
		return
	}

	total, failed := 0, 0
	for _, s := range b.samples {
		total++
		if !s.ok {
			failed++
		}
	}
	if total >= b.cfg.MinSamples && float64(failed)/float64(total) >= b.cfg.FailureRate {
		b.open(now)
	}
}

// State returns the current breaker state
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
}
