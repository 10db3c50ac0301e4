// Package gateway provides per-sender rate limiting for ticket intake.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	Limit          int           `yaml:"limit"` // requests per sender per window
	Window         time.Duration `yaml:"window"`
	Prefix         string        `yaml:"prefix"`
	IncludeHeaders bool          `yaml:"include_headers"`
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// counter increments a windowed counter and reports its remaining lifetime.
type counter interface {
	incr(ctx context.Context, key string, window time.Duration) (int, time.Duration, error)
}

var windowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

type redisCounter struct {
	client redis.Scripter
}

func (c redisCounter) incr(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	vals, err := windowScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit reply %v", vals)
	}
	return int(vals[0]), time.Duration(vals[1]) * time.Millisecond, nil
}

// RateLimiter caps how many tickets one sender may file per window. When
// Redis is unavailable every request is allowed.
type RateLimiter struct {
	counter counter
	logger  *zap.Logger
	config  RateLimitConfig
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.Limit == 0 {
		cfg.Limit = 20
	}
	if cfg.Window == 0 {
		cfg.Window = time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "portsec:ratelimit"
	}

	return &RateLimiter{
		counter: redisCounter{client: redisClient},
		logger:  logger,
		config:  cfg,
		now:     time.Now,
	}
}

// Check counts one request for sender.
func (rl *RateLimiter) Check(ctx context.Context, sender string) *RateLimitResult {
	key := rl.config.Prefix + ":" + strings.ToLower(sender)
	now := rl.now()

	current, ttl, err := rl.counter.incr(ctx, key, rl.config.Window)
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.String("sender", sender), zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: rl.config.Limit, Remaining: rl.config.Limit}
	}

	allowed := current <= rl.config.Limit
	remaining := rl.config.Limit - current
	if remaining < 0 {
		remaining = 0
	}

	result := &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     rl.config.Limit,
		ResetAt:   now.Add(ttl),
	}
	if !allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result
}

// Allow reports whether sender may file another ticket.
func (rl *RateLimiter) Allow(ctx context.Context, sender string) bool {
	return rl.Check(ctx, sender).Allowed
}

// Middleware limits HTTP requests by the client returned from getClientID,
// falling back to the client address.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result := rl.Check(r.Context(), clientID)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"%s","retry_after":%d}`,
					result.Reason, int(result.RetryAfter.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
