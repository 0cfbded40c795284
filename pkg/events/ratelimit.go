package events

import (
	"sync"

	"golang.org/x/time/rate"
)

// SourceLimiter gives every webhook source an independent token bucket.
type SourceLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewSourceLimiter allows perSecond deliveries per source with the given
// burst. A non-positive rate disables limiting.
func NewSourceLimiter(perSecond float64, burst int) *SourceLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &SourceLimiter{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

// Allow consumes one token from source's bucket.
func (l *SourceLimiter) Allow(source string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[source]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[source] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
