package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
)

type accountOpenerStub struct {
	err   error
	calls []string
}

func (s *accountOpenerStub) OpenAccount(ctx context.Context, userID string) (bool, error) {
	s.calls = append(s.calls, userID)
	return s.err == nil, s.err
}

type mealPurchaserStub struct {
	err      error
	outcome  domain.Outcome
	requests []domain.PurchaseRequest
}

func (s *mealPurchaserStub) PurchaseMeals(ctx context.Context, req domain.PurchaseRequest) (*domain.DonationResult, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	outcome := s.outcome
	if outcome == "" {
		outcome = domain.OutcomeApplied
	}
	return &domain.DonationResult{Outcome: outcome}, nil
}

type catalogWriterStub struct {
	err          error
	sponsorships []domain.SponsorshipDefinition
	coupons      []domain.CouponDefinition
}

func (s *catalogWriterStub) UpsertSponsorship(ctx context.Context, def domain.SponsorshipDefinition) error {
	s.sponsorships = append(s.sponsorships, def)
	return s.err
}

func (s *catalogWriterStub) UpsertCoupon(ctx context.Context, def domain.CouponDefinition) error {
	s.coupons = append(s.coupons, def)
	return s.err
}

func newTestHandlers(accounts *accountOpenerStub, purchases *mealPurchaserStub, catalog *catalogWriterStub) *EventHandlers {
	return NewEventHandlers(accounts, purchases, catalog, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEventHandlers_Bindings(t *testing.T) {
	h := newTestHandlers(&accountOpenerStub{}, &mealPurchaserStub{}, &catalogWriterStub{})
	bindings := h.Bindings()

	for _, key := range []string{
		domain.RoutingKeyUserCreated,
		domain.RoutingKeyPaymentVerified,
		domain.RoutingKeySponsorshipUpserted,
		domain.RoutingKeyCouponUpserted,
	} {
		if bindings[key] == nil {
			t.Fatalf("missing handler for %s", key)
		}
	}
}

func TestHandleUserCreated(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		err       error
		wantAck   bool
		wantCalls int
	}{
		{name: "opens account", body: `{"user_id":"user_1"}`, wantAck: true, wantCalls: 1},
		{name: "malformed body is dropped", body: `{"user_id":`, wantAck: true, wantCalls: 0},
		{name: "invalid request is dropped", body: `{"user_id":""}`, err: domain.ErrInvalidRequest, wantAck: true, wantCalls: 1},
		{name: "storage outage is re-queued", body: `{"user_id":"user_1"}`, err: fmt.Errorf("begin: %w", domain.ErrStorageUnavailable), wantAck: false, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := &accountOpenerStub{err: tt.err}
			h := newTestHandlers(accounts, &mealPurchaserStub{}, &catalogWriterStub{})

			if got := h.HandleUserCreated([]byte(tt.body)); got != tt.wantAck {
				t.Fatalf("expected ack=%v, got %v", tt.wantAck, got)
			}
			if len(accounts.calls) != tt.wantCalls {
				t.Fatalf("expected %d OpenAccount calls, got %d", tt.wantCalls, len(accounts.calls))
			}
		})
	}
}

func TestHandlePaymentVerified(t *testing.T) {
	purchases := &mealPurchaserStub{}
	h := newTestHandlers(&accountOpenerStub{}, purchases, &catalogWriterStub{})

	if !h.HandlePaymentVerified([]byte(`{"user_id":"user_1","meal_count":4,"payment_ref":"pay_9"}`)) {
		t.Fatal("expected event to be acked")
	}
	if len(purchases.requests) != 1 {
		t.Fatalf("expected one purchase, got %d", len(purchases.requests))
	}
	want := domain.PurchaseRequest{UserID: "user_1", MealCount: 4, PaymentRef: "pay_9"}
	if purchases.requests[0] != want {
		t.Fatalf("expected %+v, got %+v", want, purchases.requests[0])
	}

	purchases.outcome = domain.OutcomeAlreadyApplied
	if !h.HandlePaymentVerified([]byte(`{"user_id":"user_1","meal_count":4,"payment_ref":"pay_9"}`)) {
		t.Fatal("expected redelivered payment to be acked")
	}

	purchases.err = domain.ErrIdempotencyConflict
	if !h.HandlePaymentVerified([]byte(`{"user_id":"user_1","meal_count":5,"payment_ref":"pay_9"}`)) {
		t.Fatal("expected conflicting payment to be acked and dropped")
	}

	purchases.err = domain.ErrStorageUnavailable
	if h.HandlePaymentVerified([]byte(`{"user_id":"user_1","meal_count":4,"payment_ref":"pay_10"}`)) {
		t.Fatal("expected payment to be re-queued while storage is unavailable")
	}
}

func TestHandleCatalogEvents(t *testing.T) {
	catalog := &catalogWriterStub{}
	h := newTestHandlers(&accountOpenerStub{}, &mealPurchaserStub{}, catalog)

	sponsorship := `{"id":"sp_1","restaurant_id":"r_1","target_drops":10,"total_meals_pledged":100,
		"starts_at":"2025-03-01T00:00:00Z","ends_at":"2025-03-08T00:00:00Z"}`
	if !h.HandleSponsorshipUpserted([]byte(sponsorship)) {
		t.Fatal("expected sponsorship event to be acked")
	}
	if len(catalog.sponsorships) != 1 || catalog.sponsorships[0].TargetDrops != 10 {
		t.Fatalf("unexpected sponsorship upserts %+v", catalog.sponsorships)
	}

	if !h.HandleCouponUpserted([]byte(`{"id":"cp_1","restaurant_id":"r_1","coin_cost":25,"total_quantity":5,"is_active":true}`)) {
		t.Fatal("expected coupon event to be acked")
	}
	if len(catalog.coupons) != 1 || catalog.coupons[0].TotalQuantity == nil || *catalog.coupons[0].TotalQuantity != 5 {
		t.Fatalf("unexpected coupon upserts %+v", catalog.coupons)
	}

	catalog.err = fmt.Errorf("upsert coupon: %w", domain.ErrStorageUnavailable)
	if h.HandleCouponUpserted([]byte(`{"id":"cp_1","restaurant_id":"r_1"}`)) {
		t.Fatal("expected coupon event to be re-queued while storage is unavailable")
	}
}
