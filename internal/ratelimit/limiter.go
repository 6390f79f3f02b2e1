package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces page navigations across workers. A token bucket with
// burst 1 enforces strict spacing at the configured rate; waiters are
// woken in arrival order. An optional constant delay is applied after
// each token grant. The zero value of both settings is a pass-through.
type Limiter struct {
	bucket *rate.Limiter
	delay  time.Duration
}

// New builds a Limiter from the run config. requestsPerSecond <= 0
// disables the bucket; delayMs <= 0 disables the constant delay.
func New(requestsPerSecond float64, delayMs int) *Limiter {
	l := &Limiter{}
	if requestsPerSecond > 0 {
		l.bucket = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	if delayMs > 0 {
		l.delay = time.Duration(delayMs) * time.Millisecond
	}
	return l
}

// Await blocks until the caller may navigate, honoring ctx.
func (l *Limiter) Await(ctx context.Context) error {
	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			return err
		}
	}
	if l.delay > 0 {
		timer := time.NewTimer(l.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
