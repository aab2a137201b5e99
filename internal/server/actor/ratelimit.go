package actor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a namespace may store n more entries now.
type RateLimiter interface {
	Allow(namespace string, n int) bool
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(string, int) bool { return true }

// TokenBucketLimiter keeps one token bucket per namespace, refilled at
// perSecond entries per second up to burst. A batch larger than burst is
// admitted once the bucket is full and drains it.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

func NewTokenBucketLimiter(perSecond float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

func (l *TokenBucketLimiter) Allow(namespace string, n int) bool {
	l.mu.Lock()
	b, ok := l.buckets[namespace]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[namespace] = b
	}
	l.mu.Unlock()

	return b.AllowN(l.now(), min(n, l.burst))
}
