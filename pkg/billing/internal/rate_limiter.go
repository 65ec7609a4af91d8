package internal

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRateLimitPerMinute is used when a provider is configured with 0.
const DefaultRateLimitPerMinute = 100

// RateLimiter limits webhook requests per client IP with a token bucket per
// address. Idle buckets are evicted so the map cannot grow without bound.
type RateLimiter struct {
	mu            sync.Mutex
	visitors      map[string]*visitor
	limit         rate.Limit
	burst         int
	idleTTL       time.Duration
	now           func() time.Time
	requestCount  int
	cleanupEvery  int
	cleanupAtSize int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per minute per IP, with bursts of
// up to perMinute requests.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRateLimitPerMinute
	}
	return &RateLimiter{
		visitors:      make(map[string]*visitor),
		limit:         rate.Every(time.Minute / time.Duration(perMinute)),
		burst:         perMinute,
		idleTTL:       2 * time.Minute,
		now:           time.Now,
		cleanupEvery:  100,
		cleanupAtSize: 200,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.visitors) > rl.cleanupAtSize {
		rl.cleanupIdle(now)
		if rl.requestCount >= rl.cleanupEvery*10 {
			rl.requestCount = 0
		}
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) cleanupIdle(now time.Time) {
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, ip)
		}
	}
}

// Cleanup removes idle visitors.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupIdle(rl.now())
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(GetClientIP(r)) {
			_ = WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP returns the host part of RemoteAddr. Forwarding headers are
// not read here; the server rewrites RemoteAddr for trusted proxies only.
func GetClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
