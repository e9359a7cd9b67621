package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
	"github.com/maudeniemann/dish-drop-sub000/internal/store"
	"github.com/maudeniemann/dish-drop-sub000/internal/streak"
)

var baseTime = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.routingKey == routingKey {
			n++
		}
	}
	return n
}

type ledgerFixture struct {
	store   *store.SQLiteRepository
	clock   *testClock
	pub     *recordingPublisher
	ledger  *MealLedger
	goals   *GoalEngine
	coupons *CouponEconomy
	catalog *CatalogSync
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), true)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(st.Close)

	f := &ledgerFixture{
		store: st,
		clock: &testClock{now: baseTime},
		pub:   &recordingPublisher{},
	}
	opts := Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Publisher: f.pub,
		Calendar:  streak.UTC(),
		OpTimeout: 30 * time.Second,
		Now:       f.clock.Now,
	}
	f.ledger = NewMealLedger(st, opts)
	f.goals = NewGoalEngine(st, f.ledger, opts)
	f.coupons = NewCouponEconomy(st, opts)
	f.catalog = NewCatalogSync(st, opts)
	return f
}

func (f *ledgerFixture) openAccount(t *testing.T, userID string) {
	t.Helper()
	if _, err := f.ledger.OpenAccount(context.Background(), userID); err != nil {
		t.Fatalf("open account %s: %v", userID, err)
	}
}

func (f *ledgerFixture) balance(t *testing.T, userID string) *domain.UserBalance {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance %s: %v", userID, err)
	}
	return b
}

func (f *ledgerFixture) stats(t *testing.T) *domain.GlobalStats {
	t.Helper()
	s, err := f.ledger.GlobalStats(context.Background())
	if err != nil {
		t.Fatalf("global stats: %v", err)
	}
	return s
}

func (f *ledgerFixture) donate(t *testing.T, userID string, meals int64, ref string) *domain.DonationResult {
	t.Helper()
	res, err := f.ledger.RecordDonation(context.Background(), domain.DonationRequest{
		UserID:      userID,
		MealCount:   meals,
		Source:      domain.DonationSourcePost,
		ReferenceID: ref,
	})
	if err != nil {
		t.Fatalf("donate %d meals for %s: %v", meals, userID, err)
	}
	return res
}

// activeSponsorship stores a sponsorship running from an hour ago to a day from now.
func (f *ledgerFixture) activeSponsorship(t *testing.T, id string, target, pledged int64) {
	t.Helper()
	now := f.clock.Now()
	err := f.catalog.UpsertSponsorship(context.Background(), domain.SponsorshipDefinition{
		ID:                id,
		RestaurantID:      "rest-1",
		TargetDrops:       target,
		TotalMealsPledged: pledged,
		StartsAt:          now.Add(-time.Hour),
		EndsAt:            now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert sponsorship %s: %v", id, err)
	}
}

func (f *ledgerFixture) coupon(t *testing.T, def domain.CouponDefinition) {
	t.Helper()
	if def.RestaurantID == "" {
		def.RestaurantID = "rest-1"
	}
	if err := f.catalog.UpsertCoupon(context.Background(), def); err != nil {
		t.Fatalf("upsert coupon %s: %v", def.ID, err)
	}
}

func (f *ledgerFixture) award(t *testing.T, userID string, amount int64, ref string) {
	t.Helper()
	_, err := f.coupons.AwardCoins(context.Background(), domain.CoinAwardRequest{
		UserID:      userID,
		Amount:      amount,
		Reason:      "post",
		ReferenceID: ref,
	})
	if err != nil {
		t.Fatalf("award %d coins to %s: %v", amount, userID, err)
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}
