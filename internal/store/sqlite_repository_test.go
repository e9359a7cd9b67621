package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
)

var testNow = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

func openTestSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), true)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func withTx(t *testing.T, repo *SQLiteRepository, fn func(tx Tx) error) error {
	t.Helper()
	return repo.WithinTx(context.Background(), fn)
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	if _, err := OpenSQLite("  ", true); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenSQLite_MigrationsAreRerunnable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	first, err := OpenSQLite(path, true)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	first.Close()

	second, err := OpenSQLite(path, true)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	stats, err := second.GetGlobalStats(context.Background())
	if err != nil {
		t.Fatalf("global stats: %v", err)
	}
	if stats.TotalMealsDonated != 0 {
		t.Fatalf("expected seeded global row, got %+v", stats)
	}
}

func TestCounters(t *testing.T) {
	repo := openTestSQLite(t)
	key := UserCounter(CounterMealsAvailable, "user-1")

	err := withTx(t, repo, func(tx Tx) error {
		if _, err := tx.EnsureUserBalance(context.Background(), "user-1", testNow); err != nil {
			return err
		}
		v, err := tx.Increment(context.Background(), key, 5)
		if err != nil {
			return err
		}
		if v != 5 {
			t.Fatalf("expected 5 after increment, got %d", v)
		}

		v, ok, err := tx.DecrementIfAtLeast(context.Background(), key, 7)
		if err != nil {
			return err
		}
		if ok || v != 5 {
			t.Fatalf("expected rejected decrement at 5, got ok=%v v=%d", ok, v)
		}

		v, ok, err = tx.DecrementIfAtLeast(context.Background(), key, 5)
		if err != nil {
			return err
		}
		if !ok || v != 0 {
			t.Fatalf("expected decrement to 0, got ok=%v v=%d", ok, v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestCompareAndIncrementIfBelow(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()

	err := withTx(t, repo, func(tx Tx) error {
		return tx.UpsertCoupon(ctx, domain.CouponDefinition{ID: "cp-1", RestaurantID: "r", CoinCost: 1, IsActive: true})
	})
	if err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	key := CounterKey{Counter: CounterCouponClaimed, ID: "cp-1"}
	tests := []struct {
		ceiling int64
		want    int64
		ok      bool
	}{
		{ceiling: 2, want: 1, ok: true},
		{ceiling: 2, want: 2, ok: true},
		{ceiling: 2, want: 2, ok: false},
		{ceiling: 3, want: 3, ok: true},
	}
	for i, tt := range tests {
		err := withTx(t, repo, func(tx Tx) error {
			v, ok, err := tx.CompareAndIncrementIfBelow(ctx, key, 1, tt.ceiling)
			if err != nil {
				return err
			}
			if v != tt.want || ok != tt.ok {
				t.Fatalf("step %d: expected (%d, %v), got (%d, %v)", i, tt.want, tt.ok, v, ok)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestCounters_MissingRows(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()

	tests := []struct {
		name string
		key  CounterKey
		want error
	}{
		{name: "user", key: UserCounter(CounterCoinBalance, "ghost"), want: domain.ErrAccountNotFound},
		{name: "sponsorship", key: CounterKey{Counter: CounterSponsorshipDrops, ID: "ghost"}, want: domain.ErrSponsorshipNotFound},
		{name: "coupon", key: CounterKey{Counter: CounterCouponClaimed, ID: "ghost"}, want: domain.ErrCouponNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := withTx(t, repo, func(tx Tx) error {
				_, err := tx.Increment(ctx, tt.key, 1)
				return err
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	err := withTx(t, repo, func(tx Tx) error {
		_, err := tx.Increment(ctx, CounterKey{Counter: Counter(99), ID: "x"}, 1)
		return err
	})
	if err == nil {
		t.Fatal("expected error for unknown counter")
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := withTx(t, repo, func(tx Tx) error {
		if _, err := tx.EnsureUserBalance(ctx, "user-1", testNow); err != nil {
			return err
		}
		if _, err := tx.Increment(ctx, GlobalCounter(CounterGlobalMeals), 10); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error, got %v", err)
	}

	if _, err := repo.GetUserBalance(ctx, "user-1"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected rolled back account, got %v", err)
	}
	stats, err := repo.GetGlobalStats(ctx)
	if err != nil {
		t.Fatalf("global stats: %v", err)
	}
	if stats.TotalMealsDonated != 0 {
		t.Fatalf("expected rolled back global total, got %d", stats.TotalMealsDonated)
	}
}

func TestIdempotentInserts(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()

	err := withTx(t, repo, func(tx Tx) error {
		if _, err := tx.EnsureUserBalance(ctx, "u", testNow); err != nil {
			return err
		}
		if err := tx.UpsertSponsorship(ctx, domain.SponsorshipDefinition{
			ID: "sp", RestaurantID: "r", TargetDrops: 5, StartsAt: testNow, EndsAt: testNow.Add(time.Hour),
		}); err != nil {
			return err
		}

		ev := &domain.DonationEvent{ID: "ev-1", UserID: "u", MealCount: 2, Source: domain.DonationSourcePost, ReferenceID: "p", CreatedAt: testNow}
		if ok, err := tx.InsertDonationEvent(ctx, ev); err != nil || !ok {
			t.Fatalf("first insert: ok=%v err=%v", ok, err)
		}
		dup := *ev
		dup.ID = "ev-2"
		if ok, err := tx.InsertDonationEvent(ctx, &dup); err != nil || ok {
			t.Fatalf("duplicate insert: ok=%v err=%v", ok, err)
		}
		found, err := tx.FindDonationEvent(ctx, domain.DonationSourcePost, "p", "u")
		if err != nil || found == nil || found.ID != "ev-1" || !found.CreatedAt.Equal(testNow) {
			t.Fatalf("unexpected lookup %+v err=%v", found, err)
		}
		if missing, err := tx.FindDonationEvent(ctx, domain.DonationSourcePurchase, "p", "u"); err != nil || missing != nil {
			t.Fatalf("expected no purchase event, got %+v err=%v", missing, err)
		}

		// Spends and drops without a reference are never deduplicated.
		for _, id := range []string{"s-1", "s-2"} {
			if ok, err := tx.InsertMealSpend(ctx, &domain.MealSpend{ID: id, UserID: "u", MealCount: 1, CreatedAt: testNow}); err != nil || !ok {
				t.Fatalf("spend %s: ok=%v err=%v", id, ok, err)
			}
		}
		for _, id := range []string{"d-1", "d-2"} {
			if ok, err := tx.InsertDrop(ctx, &domain.SponsorshipDrop{ID: id, SponsorshipID: "sp", UserID: "u", CreatedAt: testNow}); err != nil || !ok {
				t.Fatalf("drop %s: ok=%v err=%v", id, ok, err)
			}
		}
		if ok, err := tx.InsertDrop(ctx, &domain.SponsorshipDrop{ID: "d-3", SponsorshipID: "sp", UserID: "u", PostID: "post", CreatedAt: testNow}); err != nil || !ok {
			t.Fatalf("drop with post: ok=%v err=%v", ok, err)
		}
		if ok, err := tx.InsertDrop(ctx, &domain.SponsorshipDrop{ID: "d-4", SponsorshipID: "sp", UserID: "u", PostID: "post", CreatedAt: testNow}); err != nil || ok {
			t.Fatalf("duplicate drop with post: ok=%v err=%v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestMarkSponsorshipCompleted_OnlyOnce(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()

	err := withTx(t, repo, func(tx Tx) error {
		if err := tx.UpsertSponsorship(ctx, domain.SponsorshipDefinition{
			ID: "sp", RestaurantID: "r", TargetDrops: 1, StartsAt: testNow, EndsAt: testNow.Add(time.Hour),
		}); err != nil {
			return err
		}
		first, err := tx.MarkSponsorshipCompleted(ctx, "sp", testNow)
		if err != nil {
			return err
		}
		second, err := tx.MarkSponsorshipCompleted(ctx, "sp", testNow)
		if err != nil {
			return err
		}
		if !first || second {
			t.Fatalf("expected first=true second=false, got %v %v", first, second)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	sp, err := repo.GetSponsorship(ctx, "sp")
	if err != nil {
		t.Fatalf("get sponsorship: %v", err)
	}
	if !sp.IsCompleted || sp.CompletedAt == nil || !sp.CompletedAt.Equal(testNow) {
		t.Fatalf("unexpected completed sponsorship %+v", sp)
	}
}

func TestSetStreak(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()

	err := withTx(t, repo, func(tx Tx) error {
		if _, err := tx.EnsureUserBalance(ctx, "u", testNow); err != nil {
			return err
		}
		if err := tx.SetStreak(ctx, "u", "not-a-day", 1); err == nil {
			t.Fatal("expected invalid day to be rejected")
		}
		if err := tx.SetStreak(ctx, "ghost", "2025-03-10", 1); !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("expected ErrAccountNotFound, got %v", err)
		}
		return tx.SetStreak(ctx, "u", "2025-03-10", 4)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	b, err := repo.GetUserBalance(ctx, "u")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.LastActivityDate != "2025-03-10" || b.CurrentStreak != 4 {
		t.Fatalf("unexpected streak fields %+v", b)
	}
}

func TestForeignKeys_MatchPostgresSchema(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		insert func(tx Tx) error
	}{
		{name: "spend without account", insert: func(tx Tx) error {
			_, err := tx.InsertMealSpend(ctx, &domain.MealSpend{ID: "s", UserID: "ghost", MealCount: 1, CreatedAt: testNow})
			return err
		}},
		{name: "award without account", insert: func(tx Tx) error {
			_, err := tx.InsertCoinAward(ctx, &domain.CoinAward{ID: "a", UserID: "ghost", Amount: 1, Reason: "post", ReferenceID: "p", CreatedAt: testNow})
			return err
		}},
		{name: "drop without sponsorship", insert: func(tx Tx) error {
			_, err := tx.InsertDrop(ctx, &domain.SponsorshipDrop{ID: "d", SponsorshipID: "ghost", UserID: "u", CreatedAt: testNow})
			return err
		}},
		{name: "claim without coupon", insert: func(tx Tx) error {
			if _, err := tx.EnsureUserBalance(ctx, "u", testNow); err != nil {
				return err
			}
			_, err := tx.InsertCouponClaim(ctx, &domain.UserCoupon{ID: "c", UserID: "u", CouponID: "ghost", Status: domain.CouponStatusActive, ClaimedAt: testNow})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := withTx(t, repo, tt.insert)
			if err == nil {
				t.Fatal("expected a foreign key violation")
			}
			if domain.IsRetryable(err) {
				t.Fatalf("constraint violation must not be retryable: %v", err)
			}
		})
	}
}
