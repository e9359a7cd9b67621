/**
 * @description
 * This file defines the core domain models for the incentive ledger.
 * These structs represent the balance, donation and coin records shared by the
 * application layer, the storage backends and the HTTP adapter.
 *
 * @notes
 * - Meal and coin amounts are whole units stored as `int64`.
 * - User ids are the subject issued by the identity provider and are treated as
 *   opaque strings. Record ids generated by the ledger are UUID strings.
 */

package domain

import "time"

// CommunityUserID owns donation events that credit only the global total.
const CommunityUserID = "community"

// GlobalStatsID is the key of the singleton global stats row.
const GlobalStatsID = "global"

// DonationSource identifies what produced a donation event.
type DonationSource string

const (
	DonationSourcePost             DonationSource = "post"
	DonationSourcePurchase         DonationSource = "purchase"
	DonationSourceSponsorshipBonus DonationSource = "sponsorship_bonus"
)

// Valid reports whether s is one of the known donation sources.
func (s DonationSource) Valid() bool {
	switch s {
	case DonationSourcePost, DonationSourcePurchase, DonationSourceSponsorshipBonus:
		return true
	}
	return false
}

// Outcome tells the caller whether a mutation was applied by this call or by an earlier one.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
)

// UserBalance maps to the `user_balances` table.
type UserBalance struct {
	UserID             string    `json:"user_id"`
	MealsDonatedTotal  int64     `json:"meals_donated_total"`
	MealsAvailable     int64     `json:"meals_available"`
	CoinBalance        int64     `json:"coin_balance"`
	CoinLifetimeEarned int64     `json:"coin_lifetime_earned"`
	LastActivityDate   string    `json:"last_activity_date,omitempty"` // YYYY-MM-DD, empty when the user never posted
	CurrentStreak      int       `json:"current_streak"`
	CreatedAt          time.Time `json:"created_at"`
}

// GlobalStats maps to the singleton `global_stats` row.
type GlobalStats struct {
	TotalMealsDonated int64 `json:"total_meals_donated"`
	GoalTarget        int64 `json:"goal_target"`
	TotalContributors int64 `json:"total_contributors"`
}

// DonationEvent is an append-only record. One exists per (source, reference, user).
type DonationEvent struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	MealCount   int64          `json:"meal_count"`
	Source      DonationSource `json:"source"`
	ReferenceID string         `json:"reference_id"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MealSpend records meals a user gave away from their available balance.
type MealSpend struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	MealCount   int64     `json:"meal_count"`
	ReferenceID string    `json:"reference_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CoinAward is the idempotency record for awarded coins.
type CoinAward struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason"`
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// DonationRequest is the input to recording a donation.
type DonationRequest struct {
	UserID      string         `json:"user_id"`
	MealCount   int64          `json:"meal_count"`
	Source      DonationSource `json:"source"`
	ReferenceID string         `json:"reference_id"`
}

// DonationResult is returned for both first applications and retries.
type DonationResult struct {
	Outcome Outcome       `json:"outcome"`
	Event   DonationEvent `json:"event"`
	Streak  int           `json:"current_streak,omitempty"`
}

// SpendRequest debits meals from a user's available balance.
// ReferenceID is optional; when set, retries with the same value are not re-applied.
type SpendRequest struct {
	UserID      string `json:"user_id"`
	MealCount   int64  `json:"meal_count"`
	ReferenceID string `json:"reference_id"`
}

// SpendResult carries the remaining balance after a spend.
type SpendResult struct {
	Outcome        Outcome `json:"outcome"`
	MealsAvailable int64   `json:"meals_available"`
}

// PurchaseRequest is the DTO for meals bought through a verified payment.
type PurchaseRequest struct {
	UserID     string `json:"user_id"`
	MealCount  int64  `json:"meal_count"`
	PaymentRef string `json:"payment_ref"`
}

// CoinAwardRequest is the input to awarding coins.
type CoinAwardRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id"`
}

// CoinAwardResult reports the balance after an award.
type CoinAwardResult struct {
	Outcome     Outcome `json:"outcome"`
	CoinBalance int64   `json:"coin_balance"`
}

// ActivityResult reports the streak after recording a user's activity.
type ActivityResult struct {
	LastActivityDate string `json:"last_activity_date"`
	CurrentStreak    int    `json:"current_streak"`
}

// ReconciliationReport compares stored totals with the donation event log.
type ReconciliationReport struct {
	GlobalTotal     int64 `json:"global_total"`
	EventSum        int64 `json:"event_sum"`
	DriftedAccounts int64 `json:"drifted_accounts"`
}

// Drift is the difference between the stored global total and the event log.
func (r ReconciliationReport) Drift() int64 {
	return r.GlobalTotal - r.EventSum
}
