package engine

import (
	"context"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays using exponential growth with full
// jitter. Attempt numbering starts at 1.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the sleep duration before the given retry attempt
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	max := p.Base << uint(attempt-1)
	if max > p.Cap || max <= 0 {
		max = p.Cap
	}
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Sleep waits for the backoff delay or until the context is cancelled
func (p BackoffPolicy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
