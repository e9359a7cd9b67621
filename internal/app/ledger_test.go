package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
)

func TestOpenAccount(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	created, err := f.ledger.OpenAccount(ctx, "user-1")
	if err != nil || !created {
		t.Fatalf("expected account to be created, got created=%v err=%v", created, err)
	}
	created, err = f.ledger.OpenAccount(ctx, "user-1")
	if err != nil || created {
		t.Fatalf("expected second open to be a no-op, got created=%v err=%v", created, err)
	}

	b := f.balance(t, "user-1")
	if b.MealsAvailable != 0 || b.MealsDonatedTotal != 0 || b.CoinBalance != 0 || b.CurrentStreak != 0 {
		t.Fatalf("expected zeroed balance, got %+v", b)
	}

	if _, err := f.ledger.Balance(ctx, "nobody"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := f.ledger.OpenAccount(ctx, "  "); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for blank user, got %v", err)
	}
}

func TestRecordDonation_ConservesTotals(t *testing.T) {
	f := newLedgerFixture(t)

	f.donate(t, "user-1", 3, "post-1")
	f.donate(t, "user-1", 2, "post-2")
	f.donate(t, "user-2", 4, "post-3")

	if b := f.balance(t, "user-1"); b.MealsDonatedTotal != 5 || b.MealsAvailable != 5 {
		t.Fatalf("unexpected user-1 balance %+v", b)
	}
	if b := f.balance(t, "user-2"); b.MealsDonatedTotal != 4 || b.MealsAvailable != 4 {
		t.Fatalf("unexpected user-2 balance %+v", b)
	}

	stats := f.stats(t)
	if stats.TotalMealsDonated != 9 {
		t.Fatalf("expected global total 9, got %d", stats.TotalMealsDonated)
	}
	if stats.TotalContributors != 2 {
		t.Fatalf("expected 2 contributors, got %d", stats.TotalContributors)
	}

	report, err := f.store.ReconcileDonationTotals(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Drift() != 0 || report.DriftedAccounts != 0 {
		t.Fatalf("expected no drift, got %+v", report)
	}
	if got := f.pub.count(domain.RoutingKeyDonationRecorded); got != 3 {
		t.Fatalf("expected 3 donation events published, got %d", got)
	}
}

func TestRecordDonation_RetryIsNotReapplied(t *testing.T) {
	f := newLedgerFixture(t)

	first := f.donate(t, "user-1", 3, "post-1")
	if first.Outcome != domain.OutcomeApplied {
		t.Fatalf("expected applied, got %s", first.Outcome)
	}
	retry := f.donate(t, "user-1", 3, "post-1")
	if retry.Outcome != domain.OutcomeAlreadyApplied {
		t.Fatalf("expected already_applied, got %s", retry.Outcome)
	}
	if retry.Event.ID != first.Event.ID {
		t.Fatalf("expected the original event to be returned, got %s and %s", first.Event.ID, retry.Event.ID)
	}

	if b := f.balance(t, "user-1"); b.MealsDonatedTotal != 3 {
		t.Fatalf("expected donated total 3 after retry, got %d", b.MealsDonatedTotal)
	}
	if stats := f.stats(t); stats.TotalMealsDonated != 3 {
		t.Fatalf("expected global total 3 after retry, got %d", stats.TotalMealsDonated)
	}
	if got := f.pub.count(domain.RoutingKeyDonationRecorded); got != 1 {
		t.Fatalf("expected one published event, got %d", got)
	}
}

func TestRecordDonation_ConflictingRetry(t *testing.T) {
	f := newLedgerFixture(t)
	f.donate(t, "user-1", 3, "post-1")

	_, err := f.ledger.RecordDonation(context.Background(), domain.DonationRequest{
		UserID:      "user-1",
		MealCount:   4,
		Source:      domain.DonationSourcePost,
		ReferenceID: "post-1",
	})
	if !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
	if b := f.balance(t, "user-1"); b.MealsDonatedTotal != 3 {
		t.Fatalf("conflicting retry changed the balance: %+v", b)
	}
}

func TestRecordDonation_ConcurrentRetriesApplyOnce(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.ledger.RecordDonation(ctx, domain.DonationRequest{
				UserID:      "user-1",
				MealCount:   2,
				Source:      domain.DonationSourcePost,
				ReferenceID: "post-race",
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Outcome == domain.OutcomeApplied {
				applied++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied donation, got %d", applied)
	}
	count, err := f.store.CountDonationEvents(ctx, domain.DonationSourcePost, "post-race")
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one donation event, got %d", count)
	}
	if stats := f.stats(t); stats.TotalMealsDonated != 2 {
		t.Fatalf("expected global total 2, got %d", stats.TotalMealsDonated)
	}
}

func TestRecordDonation_Validation(t *testing.T) {
	f := newLedgerFixture(t)

	tests := []struct {
		name string
		req  domain.DonationRequest
	}{
		{name: "missing user", req: domain.DonationRequest{MealCount: 1, Source: domain.DonationSourcePost, ReferenceID: "p"}},
		{name: "zero meals", req: domain.DonationRequest{UserID: "u", Source: domain.DonationSourcePost, ReferenceID: "p"}},
		{name: "negative meals", req: domain.DonationRequest{UserID: "u", MealCount: -2, Source: domain.DonationSourcePost, ReferenceID: "p"}},
		{name: "unknown source", req: domain.DonationRequest{UserID: "u", MealCount: 1, Source: "gift", ReferenceID: "p"}},
		{name: "missing reference", req: domain.DonationRequest{UserID: "u", MealCount: 1, Source: domain.DonationSourcePost}},
		{name: "sponsorship bonus source", req: domain.DonationRequest{UserID: "u", MealCount: 1, Source: domain.DonationSourceSponsorshipBonus, ReferenceID: "sp-1"}},
		{name: "community user", req: domain.DonationRequest{UserID: domain.CommunityUserID, MealCount: 1, Source: domain.DonationSourcePost, ReferenceID: "p"}},
		{name: "community purchase", req: domain.DonationRequest{UserID: " " + domain.CommunityUserID + " ", MealCount: 1, Source: domain.DonationSourcePurchase, ReferenceID: "pay"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.ledger.RecordDonation(context.Background(), tt.req); !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if stats := f.stats(t); stats.TotalMealsDonated != 0 {
		t.Fatalf("rejected requests changed the global total: %d", stats.TotalMealsDonated)
	}
}

func TestPurchaseMeals_IdempotentByPaymentRef(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	req := domain.PurchaseRequest{UserID: "user-1", MealCount: 10, PaymentRef: "pay_123"}

	res, err := f.ledger.PurchaseMeals(ctx, req)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.Outcome != domain.OutcomeApplied || res.Event.Source != domain.DonationSourcePurchase {
		t.Fatalf("unexpected purchase result %+v", res)
	}
	if res, err = f.ledger.PurchaseMeals(ctx, req); err != nil || res.Outcome != domain.OutcomeAlreadyApplied {
		t.Fatalf("expected replay, got %+v err=%v", res, err)
	}

	if b := f.balance(t, "user-1"); b.MealsAvailable != 10 || b.MealsDonatedTotal != 10 {
		t.Fatalf("unexpected balance after purchase %+v", b)
	}
	if b := f.balance(t, "user-1"); b.CurrentStreak != 0 {
		t.Fatalf("purchases must not advance the streak, got %d", b.CurrentStreak)
	}
}

func TestSpendAvailableMeals(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.donate(t, "user-1", 5, "post-1")

	res, err := f.ledger.SpendAvailableMeals(ctx, domain.SpendRequest{UserID: "user-1", MealCount: 3})
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if res.MealsAvailable != 2 {
		t.Fatalf("expected 2 meals left, got %d", res.MealsAvailable)
	}

	_, err = f.ledger.SpendAvailableMeals(ctx, domain.SpendRequest{UserID: "user-1", MealCount: 3})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	b := f.balance(t, "user-1")
	if b.MealsAvailable != 2 {
		t.Fatalf("rejected spend changed the balance: %d", b.MealsAvailable)
	}
	if b.MealsDonatedTotal != 5 {
		t.Fatalf("spending must not reduce the donated total, got %d", b.MealsDonatedTotal)
	}
	if stats := f.stats(t); stats.TotalMealsDonated != 5 {
		t.Fatalf("spending must not reduce the global total, got %d", stats.TotalMealsDonated)
	}
}

func TestSpendAvailableMeals_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.donate(t, "user-1", 10, "post-1")

	const callers = 8
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		spent        int
		insufficient int
		other        []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.SpendAvailableMeals(ctx, domain.SpendRequest{UserID: "user-1", MealCount: 3})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				spent++
			case errors.Is(err, domain.ErrInsufficientBalance):
				insufficient++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if spent != 3 || insufficient != callers-3 {
		t.Fatalf("expected 3 spends and %d rejections, got %d and %d", callers-3, spent, insufficient)
	}
	if b := f.balance(t, "user-1"); b.MealsAvailable != 1 || b.MealsDonatedTotal != 10 {
		t.Fatalf("unexpected balance after concurrent spends %+v", b)
	}
}

func TestSpendAndClaim_InterleavedNeverGoNegative(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.donate(t, "user-1", 7, "post-1")
	f.award(t, "user-1", 25, "signup")

	const coupons = 6
	for i := 0; i < coupons; i++ {
		f.coupon(t, domain.CouponDefinition{ID: fmt.Sprintf("cp-%d", i), CoinCost: 10, IsActive: true})
	}

	var (
		wg                   sync.WaitGroup
		mu                   sync.Mutex
		spent, claimed       int
		lowBalance, lowCoins int
		other                []error
	)
	for i := 0; i < coupons; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.ledger.SpendAvailableMeals(ctx, domain.SpendRequest{UserID: "user-1", MealCount: 2})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				spent++
			case errors.Is(err, domain.ErrInsufficientBalance):
				lowBalance++
			default:
				other = append(other, err)
			}
		}()
		go func(i int) {
			defer wg.Done()
			_, err := f.coupons.ClaimCoupon(ctx, "user-1", fmt.Sprintf("cp-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed++
			case errors.Is(err, domain.ErrInsufficientCoins):
				lowCoins++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if spent != 3 || lowBalance != coupons-3 {
		t.Fatalf("expected 3 spends and %d balance rejections, got %d and %d", coupons-3, spent, lowBalance)
	}
	if claimed != 2 || lowCoins != coupons-2 {
		t.Fatalf("expected 2 claims and %d coin rejections, got %d and %d", coupons-2, claimed, lowCoins)
	}

	b := f.balance(t, "user-1")
	if b.MealsAvailable != 1 || b.CoinBalance != 5 {
		t.Fatalf("unexpected balance %+v", b)
	}
	if b.CoinLifetimeEarned != 25 {
		t.Fatalf("claims must not reduce lifetime coins, got %d", b.CoinLifetimeEarned)
	}
	claims, err := f.coupons.Claims(ctx, "user-1")
	if err != nil {
		t.Fatalf("list claims: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected 2 stored claims, got %d", len(claims))
	}
}

func TestSpendAvailableMeals_WithReference(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.donate(t, "user-1", 5, "post-1")

	req := domain.SpendRequest{UserID: "user-1", MealCount: 2, ReferenceID: "post-9"}
	if res, err := f.ledger.SpendAvailableMeals(ctx, req); err != nil || res.Outcome != domain.OutcomeApplied {
		t.Fatalf("expected applied spend, got %+v err=%v", res, err)
	}
	res, err := f.ledger.SpendAvailableMeals(ctx, req)
	if err != nil || res.Outcome != domain.OutcomeAlreadyApplied || res.MealsAvailable != 3 {
		t.Fatalf("expected replayed spend with 3 left, got %+v err=%v", res, err)
	}

	req.MealCount = 1
	if _, err := f.ledger.SpendAvailableMeals(ctx, req); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestSpendAvailableMeals_UnknownAccount(t *testing.T) {
	f := newLedgerFixture(t)

	for _, ref := range []string{"", "gift-1"} {
		_, err := f.ledger.SpendAvailableMeals(context.Background(), domain.SpendRequest{UserID: "ghost", MealCount: 1, ReferenceID: ref})
		if !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("reference %q: expected ErrAccountNotFound, got %v", ref, err)
		}
	}
}

func TestDonationStreakAcrossDays(t *testing.T) {
	f := newLedgerFixture(t)

	steps := []struct {
		advance    time.Duration
		wantStreak int
		wantDay    string
	}{
		{advance: 0, wantStreak: 1, wantDay: "2025-03-10"},
		{advance: 3 * time.Hour, wantStreak: 1, wantDay: "2025-03-10"},
		{advance: 24 * time.Hour, wantStreak: 2, wantDay: "2025-03-11"},
		{advance: 24 * time.Hour, wantStreak: 3, wantDay: "2025-03-12"},
		{advance: 72 * time.Hour, wantStreak: 1, wantDay: "2025-03-15"},
	}

	for i, step := range steps {
		f.clock.Advance(step.advance)
		res := f.donate(t, "user-1", 1, fmt.Sprintf("post-%d", i))
		if res.Streak != step.wantStreak {
			t.Fatalf("step %d: expected streak %d, got %d", i, step.wantStreak, res.Streak)
		}
		b := f.balance(t, "user-1")
		if b.CurrentStreak != step.wantStreak || b.LastActivityDate != step.wantDay {
			t.Fatalf("step %d: expected %d on %s, got %d on %s", i, step.wantStreak, step.wantDay, b.CurrentStreak, b.LastActivityDate)
		}
	}
}

func TestRecordActivity(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	res, err := f.ledger.RecordActivity(ctx, "user-1")
	if err != nil {
		t.Fatalf("record activity: %v", err)
	}
	if res.CurrentStreak != 1 || res.LastActivityDate != "2025-03-10" {
		t.Fatalf("unexpected first activity %+v", res)
	}

	f.clock.Advance(24 * time.Hour)
	if res, err = f.ledger.RecordActivity(ctx, "user-1"); err != nil || res.CurrentStreak != 2 {
		t.Fatalf("expected streak 2 next day, got %+v err=%v", res, err)
	}

	// A clock running behind the stored day leaves the streak alone.
	f.clock.Advance(-48 * time.Hour)
	res, err = f.ledger.RecordActivity(ctx, "user-1")
	if err != nil {
		t.Fatalf("record activity with skewed clock: %v", err)
	}
	if res.CurrentStreak != 2 || res.LastActivityDate != "2025-03-11" {
		t.Fatalf("expected streak 2 on 2025-03-11, got %+v", res)
	}

	if b := f.balance(t, "user-1"); b.MealsDonatedTotal != 0 {
		t.Fatalf("activity must not donate meals, got %d", b.MealsDonatedTotal)
	}
}

func TestSetGoalTarget(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	if err := f.ledger.SetGoalTarget(ctx, 10000); err != nil {
		t.Fatalf("set goal target: %v", err)
	}
	if stats := f.stats(t); stats.GoalTarget != 10000 {
		t.Fatalf("expected goal target 10000, got %d", stats.GoalTarget)
	}
	if err := f.ledger.SetGoalTarget(ctx, -1); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
