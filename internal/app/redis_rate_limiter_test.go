package app

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
)

func TestNewRedisRateLimiter_NormalizesPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "", want: "dishdrop:rate_limit"},
		{prefix: "  custom:limits: ", want: "custom:limits"},
		{prefix: ":", want: "dishdrop:rate_limit"},
		{prefix: "plain", want: "plain"},
	}
	for _, tt := range tests {
		if got := NewRedisRateLimiter(nil, tt.prefix).prefix; got != tt.want {
			t.Fatalf("prefix %q: expected %q, got %q", tt.prefix, tt.want, got)
		}
	}
}

func TestRedisRateLimiter_DisabledAlwaysAllows(t *testing.T) {
	ctx := context.Background()

	var nilLimiter *RedisRateLimiter
	if d, err := nilLimiter.Allow(ctx, domain.RateLimitDrops, "user-1", 5); !d.Allowed || err != nil {
		t.Fatalf("nil limiter: got %+v err=%v", d, err)
	}

	limiter := NewRedisRateLimiter(nil, "")
	tests := []struct {
		name   string
		scope  domain.RateLimitScope
		userID string
		limit  int
	}{
		{name: "no client", scope: domain.RateLimitClaims, userID: "user-1", limit: 5},
		{name: "unknown scope", scope: "comments", userID: "user-1", limit: 5},
		{name: "zero limit", scope: domain.RateLimitDrops, userID: "user-1", limit: 0},
		{name: "blank user", scope: domain.RateLimitDrops, userID: "  ", limit: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := limiter.Allow(ctx, tt.scope, tt.userID, tt.limit)
			if err != nil || !d.Allowed || d.RetryAfter != 0 {
				t.Fatalf("expected an unconditional allow, got %+v err=%v", d, err)
			}
		})
	}
}

func TestRedisRateLimiter_BucketPerScopeAndMinute(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, "limits")
	at := time.Date(2025, time.March, 10, 12, 0, 42, 0, time.UTC)

	key, resetAt := limiter.bucket(domain.RateLimitDrops, "user-1", at)
	windowStart := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	if want := "limits:drops:user-1:" + strconv.FormatInt(windowStart.Unix(), 10); key != want {
		t.Fatalf("expected key %q, got %q", want, key)
	}
	if !resetAt.Equal(windowStart.Add(time.Minute)) {
		t.Fatalf("expected reset at %v, got %v", windowStart.Add(time.Minute), resetAt)
	}

	sameMinute, _ := limiter.bucket(domain.RateLimitDrops, "user-1", at.Add(17*time.Second))
	nextMinute, _ := limiter.bucket(domain.RateLimitDrops, "user-1", at.Add(18*time.Second))
	otherScope, _ := limiter.bucket(domain.RateLimitClaims, "user-1", at)
	if sameMinute != key {
		t.Fatalf("requests in one minute must share a bucket: %q vs %q", sameMinute, key)
	}
	if nextMinute == key || otherScope == key {
		t.Fatalf("expected distinct buckets, got %q and %q for %q", nextMinute, otherScope, key)
	}
}
