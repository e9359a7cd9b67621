package domain

import "time"

// Routing keys published on the ledger exchange.
const (
	RoutingKeyDonationRecorded     = "ledger.donation.recorded"
	RoutingKeySponsorshipCompleted = "ledger.sponsorship.completed"
	RoutingKeySponsorshipExpired   = "ledger.sponsorship.expired"
	RoutingKeyCouponClaimed        = "ledger.coupon.claimed"
)

// Routing keys consumed from the platform exchange.
const (
	RoutingKeyUserCreated         = "user.created"
	RoutingKeyPaymentVerified     = "payment.verified"
	RoutingKeySponsorshipUpserted = "catalog.sponsorship.upserted"
	RoutingKeyCouponUpserted      = "catalog.coupon.upserted"
)

// DonationRecordedEvent is published after a donation commits.
type DonationRecordedEvent struct {
	EventID     string         `json:"event_id"`
	UserID      string         `json:"user_id"`
	MealCount   int64          `json:"meal_count"`
	Source      DonationSource `json:"source"`
	ReferenceID string         `json:"reference_id"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// SponsorshipCompletedEvent is published once per sponsorship when its goal is reached.
type SponsorshipCompletedEvent struct {
	SponsorshipID string    `json:"sponsorship_id"`
	RestaurantID  string    `json:"restaurant_id"`
	CompletedBy   string    `json:"completed_by"`
	BonusMeals    int64     `json:"bonus_meals"`
	CurrentDrops  int64     `json:"current_drops"`
	TargetDrops   int64     `json:"target_drops"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// SponsorshipExpiredEvent is published once per sponsorship that ended short of its goal.
type SponsorshipExpiredEvent struct {
	SponsorshipID string    `json:"sponsorship_id"`
	RestaurantID  string    `json:"restaurant_id"`
	CurrentDrops  int64     `json:"current_drops"`
	TargetDrops   int64     `json:"target_drops"`
	EndedAt       time.Time `json:"ended_at"`
}

// CouponClaimedEvent is published after a coupon claim commits.
type CouponClaimedEvent struct {
	ClaimID      string    `json:"claim_id"`
	UserID       string    `json:"user_id"`
	CouponID     string    `json:"coupon_id"`
	RestaurantID string    `json:"restaurant_id"`
	CoinCost     int64     `json:"coin_cost"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// UserCreatedEvent is emitted by the auth surface when an account is created.
type UserCreatedEvent struct {
	UserID string `json:"user_id"`
}

// PaymentVerifiedEvent is emitted by the payment collaborator once a meal purchase clears.
type PaymentVerifiedEvent struct {
	UserID     string `json:"user_id"`
	MealCount  int64  `json:"meal_count"`
	PaymentRef string `json:"payment_ref"`
}

// SponsorshipDefinition carries the admin-managed fields of a sponsorship.
type SponsorshipDefinition struct {
	ID                string    `json:"id"`
	RestaurantID      string    `json:"restaurant_id"`
	TargetDrops       int64     `json:"target_drops"`
	MealsPerDrop      int64     `json:"meals_per_drop"`
	BonusMeals        int64     `json:"bonus_meals"`
	TotalMealsPledged int64     `json:"total_meals_pledged"`
	StartsAt          time.Time `json:"starts_at"`
	EndsAt            time.Time `json:"ends_at"`
}

// CouponDefinition carries the admin-managed fields of a coupon.
type CouponDefinition struct {
	ID            string     `json:"id"`
	RestaurantID  string     `json:"restaurant_id"`
	Title         string     `json:"title"`
	CoinCost      int64      `json:"coin_cost"`
	TotalQuantity *int64     `json:"total_quantity"`
	ExpiresAt     *time.Time `json:"expires_at"`
	IsActive      bool       `json:"is_active"`
}
