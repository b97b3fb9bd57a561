package summarize

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Limiter paces the parallel LLM fan-out. It holds a single next-allowed
// instant: acquirers sleep until that instant, then advance it by
// interval plus a jitter of up to five percent in either direction.
// Callers acquire in lock order, which makes the limiter fair under
// contention.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// NewLimiter builds a limiter for callsPerMinute acquisitions per minute.
func NewLimiter(callsPerMinute int) *Limiter {
	if callsPerMinute < 1 {
		callsPerMinute = 1
	}
	return &Limiter{
		interval: time.Duration(float64(time.Minute) / float64(callsPerMinute)),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// Wait blocks until the caller may proceed or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.next.IsZero() {
		l.next = now
	}
	if now.Before(l.next) {
		if err := l.sleep(ctx, l.next.Sub(now)); err != nil {
			return err
		}
		now = l.now()
	}
	jitter := time.Duration((rand.Float64()*0.1 - 0.05) * float64(l.interval))
	l.next = now.Add(l.interval + jitter)
	return nil
}
