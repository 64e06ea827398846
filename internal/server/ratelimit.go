package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimiterIdleTTL       = time.Hour
	rateLimiterSweepInterval = 10 * time.Minute
)

type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// clientRateLimiter keeps one token bucket per client address. Idle buckets are swept
// during Allow calls, so no background goroutine is needed.
type clientRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	clock     func() time.Time
	lastSweep time.Time
}

func newClientRateLimiter(requestsPerSecond float64, burst int, clock func() time.Time) *clientRateLimiter {
	return &clientRateLimiter{
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      rate.Limit(requestsPerSecond),
		burst:     burst,
		clock:     clock,
		lastSweep: clock(),
	}
}

// Allow reports whether a request from key may proceed now.
func (l *clientRateLimiter) Allow(key string) bool {
	now := l.clock()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= rateLimiterSweepInterval {
		l.sweep(now)
	}
	entry, exists := l.limiters[key]
	if !exists {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func (l *clientRateLimiter) sweep(now time.Time) {
	threshold := now.Add(-rateLimiterIdleTTL)
	for key, entry := range l.limiters {
		if entry.lastAccess.Before(threshold) {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

func (l *clientRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
