package domain

import "errors"

// Business rule rejections. They are deterministic for the current state and are
// never retried.
var (
	ErrInsufficientBalance = errors.New("insufficient meal balance")
	ErrInsufficientCoins   = errors.New("insufficient coins")
	ErrSoldOut             = errors.New("coupon sold out")
	ErrAlreadyClaimed      = errors.New("coupon already claimed")
	ErrAlreadyUsed         = errors.New("coupon already used")
	ErrDuplicateDrop       = errors.New("drop already recorded for this post")
	ErrSponsorshipInactive = errors.New("sponsorship is not active")
	ErrCouponInactive      = errors.New("coupon is not active")
	ErrCouponExpired       = errors.New("coupon has expired")

	ErrInvalidRequest      = errors.New("invalid request")
	ErrIdempotencyConflict = errors.New("reference already used with different values")
	ErrInvalidDefinition   = errors.New("invalid catalog definition")

	ErrAccountNotFound     = errors.New("account not found")
	ErrSponsorshipNotFound = errors.New("sponsorship not found")
	ErrCouponNotFound      = errors.New("coupon not found")
	ErrClaimNotFound       = errors.New("coupon claim not found")
)

// ErrStorageUnavailable is the only transient error. Every operation is
// idempotent or atomic, so callers may retry it.
var ErrStorageUnavailable = errors.New("storage unavailable")

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
