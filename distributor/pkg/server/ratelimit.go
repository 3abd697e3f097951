package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// RateLimitError is returned when rate limit is exceeded.
type RateLimitError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	idle      time.Duration
	clock     clockwork.Clock
	lastPrune time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter with the specified rate (requests per second) and burst size.
// Entries idle for five minutes are dropped.
func NewRateLimiter(r rate.Limit, burst int, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      r,
		burst:     burst,
		idle:      5 * time.Minute,
		clock:     clock,
		lastPrune: clock.Now(),
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	allowed, _ := rl.AllowWithRetry(ip)
	return allowed
}

// AllowWithRetry checks if a request is allowed and returns time until next token if not.
func (rl *RateLimiter) AllowWithRetry(ip string) (allowed bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	if now.Sub(rl.lastPrune) >= rl.idle {
		rl.prune(now)
	}

	entry, exists := rl.limiters[ip]
	if !exists {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.idle)
	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
	rl.lastPrune = now
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// RateLimitMiddleware rejects requests over the limit with 429 and a
// Retry-After header.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := limiter.AllowWithRetry(clientIP(r))
			if !allowed {
				retrySeconds := int(retryAfter.Seconds())
				if retrySeconds < 1 {
					retrySeconds = 1
				}

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
				w.WriteHeader(http.StatusTooManyRequests)

				_ = json.NewEncoder(w).Encode(RateLimitError{
					Error:      "rate_limit_exceeded",
					Message:    "Too many requests. Please slow down.",
					RetryAfter: retrySeconds,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP expects RemoteAddr to have been rewritten by middleware.RealIP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
