package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
	"github.com/maudeniemann/dish-drop-sub000/internal/metrics"
	"github.com/maudeniemann/dish-drop-sub000/internal/store"
	"github.com/maudeniemann/dish-drop-sub000/internal/streak"
)

// MealLedger owns meal balances, the global donation totals and posting streaks.
type MealLedger struct {
	service
}

// NewMealLedger creates a ledger over st.
func NewMealLedger(st store.Store, opts Options) *MealLedger {
	return &MealLedger{service: newService(st, opts)}
}

// OpenAccount creates the zeroed balance record for userID. It reports whether
// this call created it.
func (l *MealLedger) OpenAccount(ctx context.Context, userID string) (bool, error) {
	userID, err := requireID("user_id", userID)
	if err != nil {
		return false, err
	}

	var created bool
	err = l.inTx(ctx, "open_account", func(ctx context.Context, tx store.Tx) error {
		var err error
		created, err = tx.EnsureUserBalance(ctx, userID, l.now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("open account %s: %w", userID, err)
	}
	if created {
		l.logger.Info("opened ledger account", "user_id", userID)
	}
	return created, nil
}

// RecordDonation applies a donation exactly once per (source, reference, user).
func (l *MealLedger) RecordDonation(ctx context.Context, req domain.DonationRequest) (*domain.DonationResult, error) {
	req, err := normalizeDonation(req)
	if err != nil {
		return nil, err
	}

	var result *domain.DonationResult
	err = l.inTx(ctx, "record_donation", func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = l.recordDonation(ctx, tx, req, l.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	l.afterDonation(ctx, result)
	return result, nil
}

// PurchaseMeals records meals bought through a verified payment.
func (l *MealLedger) PurchaseMeals(ctx context.Context, req domain.PurchaseRequest) (*domain.DonationResult, error) {
	return l.RecordDonation(ctx, domain.DonationRequest{
		UserID:      req.UserID,
		MealCount:   req.MealCount,
		Source:      domain.DonationSourcePurchase,
		ReferenceID: req.PaymentRef,
	})
}

// SpendAvailableMeals debits meals the user gives away. A spend with a
// reference is applied at most once.
func (l *MealLedger) SpendAvailableMeals(ctx context.Context, req domain.SpendRequest) (*domain.SpendResult, error) {
	userID, err := requireID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	if req.MealCount <= 0 {
		return nil, invalidf("meal_count must be positive, got %d", req.MealCount)
	}
	referenceID := strings.TrimSpace(req.ReferenceID)

	var result *domain.SpendResult
	err = l.inTx(ctx, "spend_meals", func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockUserBalance(ctx, userID); err != nil {
			return err
		}
		spend := &domain.MealSpend{
			ID:          l.newID(),
			UserID:      userID,
			MealCount:   req.MealCount,
			ReferenceID: referenceID,
			CreatedAt:   l.now(),
		}
		inserted, err := tx.InsertMealSpend(ctx, spend)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := tx.FindMealSpend(ctx, userID, referenceID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("meal spend %s/%s conflicted but was not found", userID, referenceID)
			}
			if existing.MealCount != req.MealCount {
				return fmt.Errorf("%w: spend %s recorded %d meals", domain.ErrIdempotencyConflict, referenceID, existing.MealCount)
			}
			balance, err := tx.LockUserBalance(ctx, userID)
			if err != nil {
				return err
			}
			result = &domain.SpendResult{Outcome: domain.OutcomeAlreadyApplied, MealsAvailable: balance.MealsAvailable}
			return nil
		}

		remaining, ok, err := tx.DecrementIfAtLeast(ctx, store.UserCounter(store.CounterMealsAvailable, userID), req.MealCount)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d available, %d requested", domain.ErrInsufficientBalance, remaining, req.MealCount)
		}
		result = &domain.SpendResult{Outcome: domain.OutcomeApplied, MealsAvailable: remaining}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordActivity advances the streak of a user who posted without donating meals.
// The day is taken from the server clock.
func (l *MealLedger) RecordActivity(ctx context.Context, userID string) (*domain.ActivityResult, error) {
	userID, err := requireID("user_id", userID)
	if err != nil {
		return nil, err
	}

	var result *domain.ActivityResult
	err = l.inTx(ctx, "record_activity", func(ctx context.Context, tx store.Tx) error {
		now := l.now()
		if _, err := tx.EnsureUserBalance(ctx, userID, now); err != nil {
			return err
		}
		var err error
		result, err = l.advanceStreak(ctx, tx, userID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Balance returns the user's balance record.
func (l *MealLedger) Balance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	userID, err := requireID("user_id", userID)
	if err != nil {
		return nil, err
	}
	return l.store.GetUserBalance(ctx, userID)
}

// GlobalStats returns the community totals.
func (l *MealLedger) GlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	return l.store.GetGlobalStats(ctx)
}

// SetGoalTarget updates the displayed community goal.
func (l *MealLedger) SetGoalTarget(ctx context.Context, target int64) error {
	if target < 0 {
		return invalidf("goal target must not be negative, got %d", target)
	}
	return l.store.SetGlobalGoalTarget(ctx, target)
}

func normalizeDonation(req domain.DonationRequest) (domain.DonationRequest, error) {
	var err error
	if req.UserID, err = requireID("user_id", req.UserID); err != nil {
		return req, err
	}
	if req.ReferenceID, err = requireID("reference_id", req.ReferenceID); err != nil {
		return req, err
	}
	if req.MealCount <= 0 {
		return req, invalidf("meal_count must be positive, got %d", req.MealCount)
	}
	if !req.Source.Valid() {
		return req, invalidf("unknown donation source %q", req.Source)
	}
	// Sponsorship bonuses and the community account are written only by the
	// goal engine inside the completing drop's transaction.
	if req.Source == domain.DonationSourceSponsorshipBonus {
		return req, invalidf("source %q is reserved", req.Source)
	}
	if req.UserID == domain.CommunityUserID {
		return req, invalidf("user_id %q is reserved", req.UserID)
	}
	return req, nil
}

// recordDonation is the in-transaction body shared with the goal engine.
// Lock order: user row, then the global row.
func (l *MealLedger) recordDonation(ctx context.Context, tx store.Tx, req domain.DonationRequest, now time.Time) (*domain.DonationResult, error) {
	existing, err := tx.FindDonationEvent(ctx, req.Source, req.ReferenceID, req.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return replayDonation(existing, req)
	}

	community := req.UserID == domain.CommunityUserID
	if !community {
		if _, err := tx.EnsureUserBalance(ctx, req.UserID, now); err != nil {
			return nil, err
		}
	}

	event := domain.DonationEvent{
		ID:          l.newID(),
		UserID:      req.UserID,
		MealCount:   req.MealCount,
		Source:      req.Source,
		ReferenceID: req.ReferenceID,
		CreatedAt:   now,
	}
	inserted, err := tx.InsertDonationEvent(ctx, &event)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// A concurrent transaction committed the same key first.
		existing, err := tx.FindDonationEvent(ctx, req.Source, req.ReferenceID, req.UserID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("donation %s/%s conflicted but was not found", req.Source, req.ReferenceID)
		}
		return replayDonation(existing, req)
	}

	result := &domain.DonationResult{Outcome: domain.OutcomeApplied, Event: event}
	firstDonation := false
	if !community {
		total, err := tx.Increment(ctx, store.UserCounter(store.CounterMealsDonated, req.UserID), req.MealCount)
		if err != nil {
			return nil, err
		}
		firstDonation = total == req.MealCount
		if _, err := tx.Increment(ctx, store.UserCounter(store.CounterMealsAvailable, req.UserID), req.MealCount); err != nil {
			return nil, err
		}
		if req.Source == domain.DonationSourcePost {
			activity, err := l.advanceStreak(ctx, tx, req.UserID, now)
			if err != nil {
				return nil, err
			}
			result.Streak = activity.CurrentStreak
		}
	}

	if _, err := tx.Increment(ctx, store.GlobalCounter(store.CounterGlobalMeals), req.MealCount); err != nil {
		return nil, err
	}
	if firstDonation {
		if _, err := tx.Increment(ctx, store.GlobalCounter(store.CounterGlobalContributors), 1); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func replayDonation(existing *domain.DonationEvent, req domain.DonationRequest) (*domain.DonationResult, error) {
	if existing.MealCount != req.MealCount {
		return nil, fmt.Errorf("%w: %s donation %s recorded %d meals, retry sent %d",
			domain.ErrIdempotencyConflict, req.Source, req.ReferenceID, existing.MealCount, req.MealCount)
	}
	return &domain.DonationResult{Outcome: domain.OutcomeAlreadyApplied, Event: *existing}, nil
}

// afterDonation runs post-commit side effects of a newly applied donation.
func (l *MealLedger) afterDonation(ctx context.Context, result *domain.DonationResult) {
	if result == nil || result.Outcome != domain.OutcomeApplied {
		return
	}
	ev := result.Event
	metrics.RecordDonation(ev.Source, ev.MealCount)
	l.logger.Info("donation recorded",
		"user_id", ev.UserID,
		"source", ev.Source,
		"reference_id", ev.ReferenceID,
		"meal_count", ev.MealCount,
	)
	l.publish(ctx, domain.RoutingKeyDonationRecorded, domain.DonationRecordedEvent{
		EventID:     ev.ID,
		UserID:      ev.UserID,
		MealCount:   ev.MealCount,
		Source:      ev.Source,
		ReferenceID: ev.ReferenceID,
		OccurredAt:  ev.CreatedAt,
	})
}

// advanceStreak applies NextStreak to the user's row. A clock that runs behind
// the stored day leaves both the day and the streak untouched.
func (l *MealLedger) advanceStreak(ctx context.Context, tx store.Tx, userID string, now time.Time) (*domain.ActivityResult, error) {
	balance, err := tx.LockUserBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	last, err := streak.ParseDay(balance.LastActivityDate)
	if err != nil {
		return nil, err
	}
	today := l.calendar.Today(now)
	next := streak.NextStreak(last, today, balance.CurrentStreak)

	day := today
	if !last.IsZero() && streak.DaysBetween(last, today) < 0 {
		day = last
	}
	if day == last && next == balance.CurrentStreak {
		return &domain.ActivityResult{LastActivityDate: last.String(), CurrentStreak: next}, nil
	}
	if err := tx.SetStreak(ctx, userID, day.String(), next); err != nil {
		return nil, err
	}
	return &domain.ActivityResult{LastActivityDate: day.String(), CurrentStreak: next}, nil
}
