package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterTTL is the minimum time a limiter is kept after its last use.
const limiterTTL = 10 * time.Minute

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-user token bucket pool. A limiter is created on first use
// of a user id and dropped once it has been idle long enough to be full
// again.
type Limiter struct {
	rps   float64
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	m         map[string]*limiterEntry
	lastSweep time.Time
}

// NewLimiter returns a pool allowing rps events per second per user, with
// bursts of up to burst events.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	ttl := limiterTTL
	if refill := time.Duration(float64(burst) / rps * float64(time.Second)); refill > ttl {
		ttl = refill
	}
	return &Limiter{rps: rps, burst: burst, ttl: ttl, now: time.Now}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if l.now != nil {
		now = l.now()
	}
	if l.m == nil {
		l.m = make(map[string]*limiterEntry)
	}
	if l.ttl > 0 && now.Sub(l.lastSweep) >= l.ttl {
		l.sweepLocked(now)
	}
	if e, ok := l.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	rl := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.m[key] = &limiterEntry{l: rl, lastSeen: now}
	return rl
}

// sweepLocked removes limiters unused for longer than the ttl. A limiter
// idle that long has refilled its bucket, so dropping it changes nothing.
func (l *Limiter) sweepLocked(now time.Time) {
	l.lastSweep = now
	cutoff := now.Add(-l.ttl)
	for k, e := range l.m {
		if e.lastSeen.Before(cutoff) {
			delete(l.m, k)
		}
	}
}

// Len returns the number of limiters held.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// Allow reports whether key may act now. A nil Limiter allows everything.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.get(key).Allow()
}
