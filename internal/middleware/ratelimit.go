package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a per-client token bucket for inbound HTTP requests. This
// protects the API surface; the notification cooldown in internal/ratelimit
// is a separate, domain-level concern.
type RateLimiter struct {
	mu          sync.RWMutex
	clients     map[string]*clientBucket
	rate        int           // requests per window
	window      time.Duration // time window
	cleanupTick *time.Ticker
	stopCleanup chan struct{}
}

type clientBucket struct {
	mu         sync.Mutex
	tokens     int
	lastUpdate time.Time
}

// NewRateLimiter creates a rate limiter allowing rate requests per window
// per client.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients:     make(map[string]*clientBucket),
		rate:        rate,
		window:      window,
		cleanupTick: time.NewTicker(5 * time.Minute),
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// cleanup drops buckets for clients idle longer than an hour.
func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.cleanupTick.C:
			rl.mu.Lock()
			now := time.Now()
			for key, bucket := range rl.clients {
				bucket.mu.Lock()
				if now.Sub(bucket.lastUpdate) > time.Hour {
					delete(rl.clients, key)
				}
				bucket.mu.Unlock()
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cleanupTick.Stop()
	close(rl.stopCleanup)
}

// Allow reports whether a request from the given client key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.RLock()
	bucket, exists := rl.clients[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		bucket, exists = rl.clients[key]
		if !exists {
			bucket = &clientBucket{
				tokens:     rl.rate,
				lastUpdate: time.Now(),
			}
			rl.clients[key] = bucket
		}
		rl.mu.Unlock()
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastUpdate)

	if elapsed >= rl.window {
		bucket.tokens = rl.rate
		bucket.lastUpdate = now
	} else {
		refill := int(float64(rl.rate) * elapsed.Seconds() / rl.window.Seconds())
		if refill > 0 {
			bucket.tokens = min(bucket.tokens+refill, rl.rate)
			bucket.lastUpdate = now
		}
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}

	return false
}

// GetClientKey extracts a client identifier from the request, preferring
// proxy headers over the raw remote address.
func GetClientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return r.RemoteAddr
}

// RateLimitMiddleware rejects requests over the per-client budget with 429.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetClientKey(r)

			if !limiter.Allow(key) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.rate))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error": "rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
