package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
)

const (
	defaultRateLimitPrefix = "dishdrop:rate_limit"
	rateLimitWindow        = time.Minute
)

// countInWindow increments the bucket for the current window. The bucket lives one
// second past its window so a slow clock never reopens a closed window.
var countInWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisRateLimiter caps drops and coupon claims per user per minute. Each
// (scope, user, minute) gets its own Redis counter.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix, now: time.Now}
}

// Allow counts one request by userID against limit for scope. A nil limiter, a
// limiter without a client, an unknown scope or a non-positive limit always allows.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope domain.RateLimitScope, userID string, limit int) (domain.RateLimitDecision, error) {
	allowed := domain.RateLimitDecision{Allowed: true}
	userID = strings.TrimSpace(userID)
	if r == nil || r.client == nil || limit <= 0 || !scope.Valid() || userID == "" {
		return allowed, nil
	}

	now := r.now()
	key, resetAt := r.bucket(scope, userID, now)
	ttlSeconds := int64(math.Ceil(rateLimitWindow.Seconds())) + 1

	count, err := countInWindow.Run(ctx, r.client, []string{key}, ttlSeconds).Int64()
	if err != nil {
		return allowed, fmt.Errorf("rate limit %s for %s: %w", scope, userID, err)
	}

	decision := domain.RateLimitDecision{Allowed: count <= int64(limit), Count: int(count)}
	if !decision.Allowed {
		decision.RetryAfter = resetAt.Sub(now)
		if decision.RetryAfter < time.Second {
			decision.RetryAfter = time.Second
		}
	}
	return decision, nil
}

// bucket returns the counter key for the window containing now and the instant
// that window closes.
func (r *RedisRateLimiter) bucket(scope domain.RateLimitScope, userID string, now time.Time) (string, time.Time) {
	start := now.UTC().Truncate(rateLimitWindow)
	return fmt.Sprintf("%s:%s:%s:%d", r.prefix, scope, userID, start.Unix()), start.Add(rateLimitWindow)
}
