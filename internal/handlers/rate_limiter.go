package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brainnel/checkout-api/internal/platform/auth"
	"github.com/brainnel/checkout-api/internal/platform/httpx"
)

const limiterIdleTTL = 10 * time.Minute

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per caller. Callers are keyed by Firebase UID, or by
// client IP before authentication.
type RateLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	limiters  sync.Map // map[string]*keyedLimiter
	mu        sync.Mutex
	lastSweep time.Time
}

// NewRateLimiter allows perMinute requests per caller with the given burst. It returns nil when
// perMinute is not positive, which disables limiting.
func NewRateLimiter(perMinute, burst int, clock func() time.Time) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		limit: rate.Limit(float64(perMinute) / 60),
		burst: burst,
		clock: clock,
	}
}

// Allow reports whether the caller identified by key may proceed now.
func (l *RateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.sweep(now)

	entry := &keyedLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
	if existing, loaded := l.limiters.LoadOrStore(key, entry); loaded {
		entry = existing.(*keyedLimiter)
	}
	l.mu.Lock()
	entry.lastSeen = now
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func (l *RateLimiter) sweep(now time.Time) {
	l.mu.Lock()
	if now.Sub(l.lastSweep) < limiterIdleTTL {
		l.mu.Unlock()
		return
	}
	l.lastSweep = now
	l.mu.Unlock()

	l.limiters.Range(func(key, value any) bool {
		entry := value.(*keyedLimiter)
		l.mu.Lock()
		idle := now.Sub(entry.lastSeen) > limiterIdleTTL
		l.mu.Unlock()
		if idle {
			l.limiters.Delete(key)
		}
		return true
	})
}

// Middleware rejects requests over the limit with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(rateLimitKey(r)) {
			w.Header().Set("Retry-After", "60")
			httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many payment attempts; try again shortly", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.UID != "" {
		return "uid:" + identity.UID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
