package bridge

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

// scopeLimiter keeps one token bucket per (module, site) pair
type scopeLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[store.Scope]*bucket
	swept   time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newScopeLimiter returns nil when perSecond is not positive, which
// disables limiting
func newScopeLimiter(perSecond float64, burst int) *scopeLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &scopeLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
		buckets: make(map[store.Scope]*bucket),
	}
}

func (l *scopeLimiter) Allow(scope store.Scope) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[scope]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[scope] = b
	}
	b.lastSeen = now
	l.sweepLocked(now)
	return b.limiter.AllowN(now, 1)
}

// sweepLocked drops buckets that have been idle long enough to be full
func (l *scopeLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.swept) < l.idle {
		return
	}
	l.swept = now
	for scope, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, scope)
		}
	}
}
