package domain

import "time"

// RateLimitScope names a per-user limit on a mutating ledger route.
type RateLimitScope string

const (
	RateLimitDrops  RateLimitScope = "drops"
	RateLimitClaims RateLimitScope = "claims"
)

func (s RateLimitScope) Valid() bool {
	switch s {
	case RateLimitDrops, RateLimitClaims:
		return true
	}
	return false
}

// RateLimitDecision is the limiter's verdict for one request.
type RateLimitDecision struct {
	Allowed bool
	// Count is the number of requests seen in the current window, this one included.
	Count int
	// RetryAfter is the time left until the window resets. Zero when allowed.
	RetryAfter time.Duration
}
