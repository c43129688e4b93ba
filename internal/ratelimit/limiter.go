// Package ratelimit throttles inbound API requests per caller. This is
// request-level protection for the HTTP surface; outbound send quotas live
// in the quota package.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	idleEvictAfter = 5 * time.Minute
	sweepInterval  = 3 * time.Minute
)

// Limiter holds one token bucket per caller key (user ID when known,
// remote IP otherwise). Idle buckets are swept in the background.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing rps requests per second with the
// given burst per caller. The sweep goroutine stops when ctx is canceled.
func NewLimiter(ctx context.Context, rps float64, burst int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go l.sweep(ctx)
	return l
}

// Allow reports whether a request from the given caller key should proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

func (l *Limiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		for key, b := range l.buckets {
			if time.Since(b.lastSeen) >= idleEvictAfter {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}
