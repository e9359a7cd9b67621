package domain

import "time"

// CouponStatus is the lifecycle of a user's coupon claim.
type CouponStatus string

const (
	CouponStatusActive  CouponStatus = "active"
	CouponStatusUsed    CouponStatus = "used"
	CouponStatusExpired CouponStatus = "expired"
)

// Coupon maps to the `coupons` table. A nil TotalQuantity means unlimited supply.
type Coupon struct {
	ID            string     `json:"id"`
	RestaurantID  string     `json:"restaurant_id"`
	Title         string     `json:"title"`
	CoinCost      int64      `json:"coin_cost"`
	TotalQuantity *int64     `json:"total_quantity,omitempty"`
	ClaimedCount  int64      `json:"claimed_count"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IsActive      bool       `json:"is_active"`
}

// ExpiredAt reports whether the coupon has expired at now.
func (c Coupon) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// UserCoupon maps to the `user_coupons` table.
type UserCoupon struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	CouponID  string       `json:"coupon_id"`
	Status    CouponStatus `json:"status"`
	ClaimedAt time.Time    `json:"claimed_at"`
	UsedAt    *time.Time   `json:"used_at,omitempty"`
}

// ClaimResult is returned from a successful coupon claim.
type ClaimResult struct {
	Claim        UserCoupon `json:"claim"`
	CoinBalance  int64      `json:"coin_balance"`
	ClaimedCount int64      `json:"claimed_count"`
}
