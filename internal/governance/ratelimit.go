package governance

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = time.Minute

// HandshakeLimitConfig bounds handshakes per remote host.
type HandshakeLimitConfig struct {
	// PerSecond is the sustained rate per host. Zero or less disables
	// limiting.
	PerSecond float64
	// Burst defaults to PerSecond rounded up, at least 1.
	Burst int
	// IdleTTL drops a host's bucket after it has been unused this long.
	IdleTTL time.Duration
}

func (c HandshakeLimitConfig) normalized() HandshakeLimitConfig {
	if c.Burst <= 0 {
		c.Burst = int(math.Max(1, math.Ceil(c.PerSecond)))
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = defaultIdleTTL
	}
	return c
}

// HandshakeLimiter is a token bucket per remote host. It is safe for
// concurrent use.
type HandshakeLimiter struct {
	mu        sync.Mutex
	cfg       HandshakeLimitConfig
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimitStats is the state of one host's bucket.
type LimitStats struct {
	Limit     float64   `json:"limit"`
	Burst     int       `json:"burst"`
	Available float64   `json:"available"`
	LastSeen  time.Time `json:"lastSeen"`
}

// NewHandshakeLimiter creates a limiter with the provided configuration.
func NewHandshakeLimiter(cfg HandshakeLimitConfig) *HandshakeLimiter {
	l := &HandshakeLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	l.Configure(cfg)
	return l
}

// Configure replaces the limits. Existing buckets keep their tokens, capped
// at the new burst.
func (l *HandshakeLimiter) Configure(cfg HandshakeLimitConfig) {
	cfg = cfg.normalized()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	now := l.now()
	for _, b := range l.buckets {
		b.limiter.SetLimitAt(now, rate.Limit(cfg.PerSecond))
		b.limiter.SetBurstAt(now, cfg.Burst)
	}
}

// Allow reports whether host may start another handshake now and takes a
// token if so.
func (l *HandshakeLimiter) Allow(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.PerSecond <= 0 {
		return true
	}
	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[host]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)}
		l.buckets[host] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops idle buckets at most once per IdleTTL.
func (l *HandshakeLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.IdleTTL {
		return
	}
	l.lastSweep = now
	for host, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.cfg.IdleTTL {
			delete(l.buckets, host)
		}
	}
}

// Stats returns the current state of every tracked host.
func (l *HandshakeLimiter) Stats() map[string]LimitStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stats := make(map[string]LimitStats, len(l.buckets))
	for host, b := range l.buckets {
		stats[host] = LimitStats{
			Limit:     float64(b.limiter.Limit()),
			Burst:     b.limiter.Burst(),
			Available: b.limiter.TokensAt(now),
			LastSeen:  b.lastSeen,
		}
	}
	return stats
}
