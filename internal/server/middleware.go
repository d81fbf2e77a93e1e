package server

import (
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter implements a simple token bucket rate limiter per IP address
type RateLimiter struct {
	limiters  map[string]*rate.Limiter
	mu        sync.Mutex
	rateLimit rate.Limit // Requests per second
	burstSize int        // Maximum burst size
}

// NewRateLimiter creates a new rate limiter
// rateLimit: requests per second
// burstSize: maximum number of requests allowed in a burst
func NewRateLimiter(rateLimit rate.Limit, burstSize int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rateLimit,
		burstSize: burstSize,
	}
}

// GetLimiter returns the rate limiter for a given IP address
// Creates a new limiter for the IP if one doesn't exist
func (rl *RateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rateLimit, rl.burstSize)
		rl.limiters[ip] = limiter
	}

	return limiter
}

// NewRateLimitMiddleware limits each client IP to perSecond requests with
// the given burst.
func NewRateLimitMiddleware(perSecond float64, burst int, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(rate.Limit(perSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr

			if !limiter.GetLimiter(ip).Allow() {
				logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
				_ = writeJSON(w, http.StatusTooManyRequests, errorBody("Rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
