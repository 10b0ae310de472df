package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SecurityHeadersMiddleware adds security headers to all responses. Responses
// carry key material, so nothing may be cached.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			// Strict Transport Security (only if TLS)
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				fields := logrus.Fields{
					"panic":  fmt.Sprint(rec),
					"method": r.Method,
					"path":   r.URL.Path,
					"stack":  string(debug.Stack()),
				}
				if ri := RequestInfoFromContext(r.Context()); ri != nil {
					fields["request_id"] = ri.ID
				}
				logger.WithFields(fields).Error("Recovered from handler panic")
				writeJSONError(w, http.StatusInternalServerError, "InternalError", "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// BodyLimitMiddleware caps request bodies at maxBytes.
func BodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter implements a fixed window limiter. Every request is charged to
// the caller's IP; requests declaring a client ID are also charged to that
// client, whose limit a LimitResolver may set.
type RateLimiter struct {
	mu              sync.Mutex
	requests        map[string]*tokenBucket
	limit           int           // requests per window
	window          time.Duration // time window
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	resolve         LimitResolver
	logger          *logrus.Logger
}

// LimitResolver returns a client specific limit. ok is false when the client
// uses the limiter's own limit.
type LimitResolver func(client string) (limit int, window time.Duration, ok bool)

type tokenBucket struct {
	tokens     int
	window     time.Duration
	lastUpdate time.Time
}

// bucketLimit is the limit a single request is checked against.
type bucketLimit struct {
	key    string
	limit  int
	window time.Duration
}

// NewRateLimiter creates a new rate limiter. A non-positive window falls back
// to one minute.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		requests:        make(map[string]*tokenBucket),
		limit:           limit,
		window:          window,
		cleanupInterval: window,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}

	// Start cleanup goroutine
	go rl.cleanup()

	return rl
}

// cleanup periodically removes buckets whose own window has expired.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictExpired(time.Now())
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) evictExpired(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, bucket := range rl.requests {
		if now.Sub(bucket.lastUpdate) > bucket.window {
			delete(rl.requests, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// SetLimit changes the limit on a running limiter, e.g. after a config reload.
// Existing windows keep their remaining tokens.
func (rl *RateLimiter) SetLimit(limit int, window time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limit > 0 {
		rl.limit = limit
	}
	if window > 0 {
		rl.window = window
	}
}

// SetLimitResolver installs per-client limits. A nil resolver removes them.
func (rl *RateLimiter) SetLimitResolver(fn LimitResolver) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.resolve = fn
}

// Allow checks if a request from the given key should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.allow(key, "")
}

// allow charges ipKey and, when client is set, the client's bucket. Tokens are
// only taken when every bucket has one left.
func (rl *RateLimiter) allow(ipKey, client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	limits := rl.limitsFor(ipKey, client)
	for _, l := range limits {
		if !rl.available(l, now) {
			return false
		}
	}
	for _, l := range limits {
		rl.take(l, now)
	}
	return true
}

// limitsFor must be called with rl.mu held.
func (rl *RateLimiter) limitsFor(ipKey, client string) []bucketLimit {
	limits := []bucketLimit{{key: ipKey, limit: rl.limit, window: rl.window}}
	if client == "" {
		return limits
	}
	limit, window := rl.limit, rl.window
	if rl.resolve != nil {
		if l, w, ok := rl.resolve(client); ok && l > 0 && w > 0 {
			limit, window = l, w
		}
	}
	return append(limits, bucketLimit{key: "client:" + client, limit: limit, window: window})
}

func (rl *RateLimiter) available(l bucketLimit, now time.Time) bool {
	bucket, ok := rl.requests[l.key]
	if !ok || now.Sub(bucket.lastUpdate) >= l.window {
		return l.limit > 0
	}
	return bucket.tokens > 0
}

func (rl *RateLimiter) take(l bucketLimit, now time.Time) {
	bucket, ok := rl.requests[l.key]
	if !ok || now.Sub(bucket.lastUpdate) >= l.window {
		rl.requests[l.key] = &tokenBucket{
			tokens:     l.limit - 1,
			window:     l.window,
			lastUpdate: now,
		}
		return
	}
	bucket.tokens--
	bucket.window = l.window
}

// retryAfter returns the seconds until every exhausted bucket of the request resets.
func (rl *RateLimiter) retryAfter(ipKey, client string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	var wait time.Duration
	for _, l := range rl.limitsFor(ipKey, client) {
		if rl.available(l, now) {
			continue
		}
		if remaining := l.window - now.Sub(rl.requests[l.key].lastUpdate); remaining > wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return 0
	}
	return int(wait.Seconds()) + 1
}

// getClientKey identifies the caller: the IP bucket key and the declared client
// ID, if any.
func getClientKey(r *http.Request) (key, client string) {
	if ri := RequestInfoFromContext(r.Context()); ri != nil {
		client = ri.Client
	}
	return "ip:" + ClientIP(r), client
}

// RateLimitMiddleware creates a middleware that enforces rate limiting.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ipKey, client := getClientKey(r)

			if !limiter.allow(ipKey, client) {
				limiter.logger.WithFields(logrus.Fields{
					"ip":     ipKey,
					"client": client,
					"path":   r.URL.Path,
				}).Warn("Rate limit exceeded")

				if s := limiter.retryAfter(ipKey, client); s > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(s))
				}
				writeJSONError(w, http.StatusTooManyRequests, "RateLimitExceeded", "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeJSONError writes the same error body shape as the API handlers.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
