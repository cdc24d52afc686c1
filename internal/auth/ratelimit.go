package auth

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TrustProxy settings control whether X-Forwarded-For is believed when
// attributing requests to a client IP.
const (
	TrustNone     = "none"
	TrustLoopback = "loopback"
	TrustAll      = "all"
)

// RateLimiter is a fixed-window per-IP limiter for the authorization
// endpoints. It emits draft RateLimit headers so clients can back off
// before hitting 429.
type RateLimiter struct {
	window     time.Duration
	max        int
	trustProxy string

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter builds a limiter allowing max requests per window per IP.
func NewRateLimiter(window time.Duration, max int, trustProxy string) *RateLimiter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if max <= 0 {
		max = 100
	}
	return &RateLimiter{
		window:     window,
		max:        max,
		trustProxy: trustProxy,
		buckets:    make(map[string]*bucket),
	}
}

// clientIP attributes the request, honoring X-Forwarded-For only when the
// peer is trusted under the configured policy.
func (rl *RateLimiter) clientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}

	trusted := false
	switch rl.trustProxy {
	case TrustAll:
		trusted = true
	case TrustLoopback:
		if ip := net.ParseIP(peer); ip != nil && ip.IsLoopback() {
			trusted = true
		}
	}
	if !trusted {
		return peer
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return peer
	}
	// The left-most entry is the original client.
	first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
	if first == "" {
		return peer
	}
	return first
}

// allow consumes one slot for the IP and reports the remaining budget.
func (rl *RateLimiter) allow(ip string, now time.Time) (allowed bool, remaining int, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.buckets[ip]
	if b == nil || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(rl.window)}
		rl.buckets[ip] = b
	}
	if b.count >= rl.max {
		return false, 0, b.resetAt
	}
	b.count++
	return true, rl.max - b.count, b.resetAt
}

// Sweep drops expired buckets; called from the auth cleanup ticker.
func (rl *RateLimiter) Sweep() {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, ip)
		}
	}
}

// Middleware enforces the limit and sets the draft RateLimit headers.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		allowed, remaining, resetAt := rl.allow(rl.clientIP(r), now)

		w.Header().Set("RateLimit-Limit", strconv.Itoa(rl.max))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("RateLimit-Reset", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))
			oauthError(w, http.StatusTooManyRequests, "slow_down", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
