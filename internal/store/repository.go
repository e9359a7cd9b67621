/**
 * @description
 * This file defines the storage contract of the incentive ledger. Every mutating
 * operation runs inside Store.WithinTx and touches shared numbers only through the
 * Counters primitives, each of which is a single conditional UPDATE ... RETURNING.
 *
 * @notes
 * - Two implementations exist: PostgresRepository (pgx) for production and
 *   SQLiteRepository (modernc.org/sqlite) for single-node deployments and tests.
 * - Lock order inside a transaction is entity row, then user row, then global row.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
)

// dayLayout is the format of last_activity_date values.
const dayLayout = "2006-01-02"

// Counter names a numeric column that may only change through the Counters primitives.
type Counter int

const (
	CounterMealsDonated Counter = iota + 1
	CounterMealsAvailable
	CounterCoinBalance
	CounterCoinLifetime
	CounterGlobalMeals
	CounterGlobalContributors
	CounterSponsorshipDrops
	CounterCouponClaimed
)

type counterColumn struct {
	table    string
	idColumn string
	column   string
	notFound error
}

// counterColumns is the whitelist that keeps counter SQL free of caller input.
var counterColumns = map[Counter]counterColumn{
	CounterMealsDonated:       {table: "user_balances", idColumn: "user_id", column: "meals_donated_total", notFound: domain.ErrAccountNotFound},
	CounterMealsAvailable:     {table: "user_balances", idColumn: "user_id", column: "meals_available", notFound: domain.ErrAccountNotFound},
	CounterCoinBalance:        {table: "user_balances", idColumn: "user_id", column: "coin_balance", notFound: domain.ErrAccountNotFound},
	CounterCoinLifetime:       {table: "user_balances", idColumn: "user_id", column: "coin_lifetime_earned", notFound: domain.ErrAccountNotFound},
	CounterGlobalMeals:        {table: "global_stats", idColumn: "id", column: "total_meals_donated", notFound: ErrGlobalStatsMissing},
	CounterGlobalContributors: {table: "global_stats", idColumn: "id", column: "total_contributors", notFound: ErrGlobalStatsMissing},
	CounterSponsorshipDrops:   {table: "flash_sponsorships", idColumn: "id", column: "current_drops", notFound: domain.ErrSponsorshipNotFound},
	CounterCouponClaimed:      {table: "coupons", idColumn: "id", column: "claimed_count", notFound: domain.ErrCouponNotFound},
}

func lookupCounter(key CounterKey) (counterColumn, error) {
	col, ok := counterColumns[key.Counter]
	if !ok {
		return counterColumn{}, fmt.Errorf("unknown counter %d", key.Counter)
	}
	if key.ID == "" {
		return counterColumn{}, fmt.Errorf("%s: empty key", key.Counter)
	}
	return col, nil
}

func (c Counter) String() string {
	if col, ok := counterColumns[c]; ok {
		return col.table + "." + col.column
	}
	return "unknown"
}

// CounterKey addresses one counter cell.
type CounterKey struct {
	Counter Counter
	ID      string
}

// UserCounter addresses a per-user balance counter.
func UserCounter(c Counter, userID string) CounterKey {
	return CounterKey{Counter: c, ID: userID}
}

// GlobalCounter addresses a counter of the singleton global stats row.
func GlobalCounter(c Counter) CounterKey {
	return CounterKey{Counter: c, ID: domain.GlobalStatsID}
}

// Counters are the atomic primitives for shared numbers.
type Counters interface {
	// Increment adds delta and returns the new value.
	Increment(ctx context.Context, key CounterKey, delta int64) (int64, error)
	// CompareAndIncrementIfBelow adds delta only when the result stays <= ceiling.
	// When rejected it returns the unchanged value and false.
	CompareAndIncrementIfBelow(ctx context.Context, key CounterKey, delta, ceiling int64) (int64, bool, error)
	// DecrementIfAtLeast subtracts amount only when the value is >= amount.
	DecrementIfAtLeast(ctx context.Context, key CounterKey, amount int64) (int64, bool, error)
}

// Tx is the unit of work handed to Store.WithinTx. Find* methods return nil, nil
// when no row matches. Insert* methods return false when a uniqueness key
// already exists. Lock* methods take a row lock where the backend supports it.
type Tx interface {
	Counters

	EnsureUserBalance(ctx context.Context, userID string, now time.Time) (created bool, err error)
	LockUserBalance(ctx context.Context, userID string) (*domain.UserBalance, error)
	SetStreak(ctx context.Context, userID string, day string, streak int) error

	FindDonationEvent(ctx context.Context, source domain.DonationSource, referenceID, userID string) (*domain.DonationEvent, error)
	InsertDonationEvent(ctx context.Context, event *domain.DonationEvent) (bool, error)

	FindMealSpend(ctx context.Context, userID, referenceID string) (*domain.MealSpend, error)
	InsertMealSpend(ctx context.Context, spend *domain.MealSpend) (bool, error)

	FindCoinAward(ctx context.Context, reason, referenceID, userID string) (*domain.CoinAward, error)
	InsertCoinAward(ctx context.Context, award *domain.CoinAward) (bool, error)

	LockSponsorship(ctx context.Context, sponsorshipID string) (*domain.FlashSponsorship, error)
	FindDrop(ctx context.Context, sponsorshipID, userID, postID string) (*domain.SponsorshipDrop, error)
	InsertDrop(ctx context.Context, drop *domain.SponsorshipDrop) (bool, error)
	// MarkSponsorshipCompleted flips is_completed only if it is still false.
	MarkSponsorshipCompleted(ctx context.Context, sponsorshipID string, at time.Time) (bool, error)
	UpsertSponsorship(ctx context.Context, def domain.SponsorshipDefinition) error

	LockCoupon(ctx context.Context, couponID string) (*domain.Coupon, error)
	FindCouponClaim(ctx context.Context, userID, couponID string) (*domain.UserCoupon, error)
	InsertCouponClaim(ctx context.Context, claim *domain.UserCoupon) (bool, error)
	LockUserCoupon(ctx context.Context, userCouponID string) (*domain.UserCoupon, error)
	// SetUserCouponStatus moves a claim from one status to another and reports
	// whether the row was still in the from status.
	SetUserCouponStatus(ctx context.Context, userCouponID string, from, to domain.CouponStatus, at time.Time) (bool, error)
	UpsertCoupon(ctx context.Context, def domain.CouponDefinition) error
}

// Store is implemented by PostgresRepository and SQLiteRepository.
type Store interface {
	// WithinTx commits when fn returns nil and rolls back otherwise.
	// Transport and contention failures come back wrapping domain.ErrStorageUnavailable.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetUserBalance(ctx context.Context, userID string) (*domain.UserBalance, error)
	GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error)
	SetGlobalGoalTarget(ctx context.Context, target int64) error
	GetSponsorship(ctx context.Context, sponsorshipID string) (*domain.FlashSponsorship, error)
	GetCoupon(ctx context.Context, couponID string) (*domain.Coupon, error)
	ListUserCoupons(ctx context.Context, userID string) ([]domain.UserCoupon, error)
	CountDonationEvents(ctx context.Context, source domain.DonationSource, referenceID string) (int64, error)

	ExpireActiveClaims(ctx context.Context, now time.Time) (int64, error)
	ListUnnotifiedExpiredSponsorships(ctx context.Context, now time.Time, limit int) ([]domain.FlashSponsorship, error)
	MarkSponsorshipExpiryNotified(ctx context.Context, sponsorshipID string, at time.Time) (bool, error)
	ReconcileDonationTotals(ctx context.Context) (*domain.ReconciliationReport, error)

	Ping(ctx context.Context) error
	Close()
}
