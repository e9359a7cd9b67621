package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
	"github.com/maudeniemann/dish-drop-sub000/internal/metrics"
	"github.com/maudeniemann/dish-drop-sub000/internal/store"
)

const expiryNoticeBatch = 100

// GoalEngine tracks flash sponsorship progress and releases the pledged
// community donation exactly once per sponsorship.
type GoalEngine struct {
	service
	ledger *MealLedger
}

// NewGoalEngine creates a goal engine that credits completions through ledger.
func NewGoalEngine(st store.Store, ledger *MealLedger, opts Options) *GoalEngine {
	return &GoalEngine{service: newService(st, opts), ledger: ledger}
}

// RecordDrop counts one qualifying post toward a sponsorship. The call that
// pushes the count to the target also completes the sponsorship and credits the
// pledged meals, all in the same transaction.
func (g *GoalEngine) RecordDrop(ctx context.Context, req domain.DropRequest) (*domain.DropResult, error) {
	sponsorshipID, err := requireID("sponsorship_id", req.SponsorshipID)
	if err != nil {
		return nil, err
	}
	userID, err := requireID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	postID := strings.TrimSpace(req.PostID)

	var (
		result      *domain.DropResult
		sponsorship *domain.FlashSponsorship
		bonus       *domain.DonationResult
	)
	err = g.inTx(ctx, "record_drop", func(ctx context.Context, tx store.Tx) error {
		now := g.now()
		sp, err := tx.LockSponsorship(ctx, sponsorshipID)
		if err != nil {
			return err
		}
		sponsorship = sp

		if postID != "" {
			existing, err := tx.FindDrop(ctx, sponsorshipID, userID, postID)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%w: post %s on sponsorship %s", domain.ErrDuplicateDrop, postID, sponsorshipID)
			}
		}
		if state := sp.State(now); state != domain.SponsorshipActive {
			return fmt.Errorf("%w: sponsorship %s is %s", domain.ErrSponsorshipInactive, sponsorshipID, state)
		}

		drop := domain.SponsorshipDrop{
			ID:            g.newID(),
			SponsorshipID: sponsorshipID,
			UserID:        userID,
			PostID:        postID,
			CreatedAt:     now,
		}
		inserted, err := tx.InsertDrop(ctx, &drop)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%w: post %s on sponsorship %s", domain.ErrDuplicateDrop, postID, sponsorshipID)
		}

		current, err := tx.Increment(ctx, store.CounterKey{Counter: store.CounterSponsorshipDrops, ID: sponsorshipID}, 1)
		if err != nil {
			return err
		}
		result = &domain.DropResult{Drop: drop, CurrentDrops: current, TargetDrops: sp.TargetDrops}

		if current < sp.TargetDrops || sp.IsCompleted {
			return nil
		}
		marked, err := tx.MarkSponsorshipCompleted(ctx, sponsorshipID, now)
		if err != nil {
			return err
		}
		if !marked {
			return nil
		}
		result.Completed = true
		result.BonusMeals = sp.PledgedMeals()
		if result.BonusMeals <= 0 {
			return nil
		}
		bonus, err = g.ledger.recordDonation(ctx, tx, domain.DonationRequest{
			UserID:      domain.CommunityUserID,
			MealCount:   result.BonusMeals,
			Source:      domain.DonationSourceSponsorshipBonus,
			ReferenceID: sponsorshipID,
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result.Completed {
		g.afterCompletion(ctx, sponsorship, result, userID)
		g.ledger.afterDonation(ctx, bonus)
	}
	return result, nil
}

func (g *GoalEngine) afterCompletion(ctx context.Context, sp *domain.FlashSponsorship, result *domain.DropResult, userID string) {
	metrics.RecordSponsorshipCompleted()
	g.logger.Info("flash sponsorship completed",
		"sponsorship_id", sp.ID,
		"restaurant_id", sp.RestaurantID,
		"completed_by", userID,
		"bonus_meals", result.BonusMeals,
	)
	g.publish(ctx, domain.RoutingKeySponsorshipCompleted, domain.SponsorshipCompletedEvent{
		SponsorshipID: sp.ID,
		RestaurantID:  sp.RestaurantID,
		CompletedBy:   userID,
		BonusMeals:    result.BonusMeals,
		CurrentDrops:  result.CurrentDrops,
		TargetDrops:   result.TargetDrops,
		OccurredAt:    result.Drop.CreatedAt,
	})
}

// Sponsorship returns the sponsorship with its state at the current time.
func (g *GoalEngine) Sponsorship(ctx context.Context, sponsorshipID string) (*domain.SponsorshipView, error) {
	sponsorshipID, err := requireID("sponsorship_id", sponsorshipID)
	if err != nil {
		return nil, err
	}
	sp, err := g.store.GetSponsorship(ctx, sponsorshipID)
	if err != nil {
		return nil, err
	}
	return &domain.SponsorshipView{FlashSponsorship: *sp, State: sp.State(g.now())}, nil
}

// NotifyExpiredSponsorships publishes one expiry notice per sponsorship that
// ended short of its goal. It returns the number of notices sent.
func (g *GoalEngine) NotifyExpiredSponsorships(ctx context.Context) (int, error) {
	now := g.now()
	expired, err := g.store.ListUnnotifiedExpiredSponsorships(ctx, now, expiryNoticeBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired sponsorships: %w", err)
	}

	notified := 0
	for _, sp := range expired {
		marked, err := g.store.MarkSponsorshipExpiryNotified(ctx, sp.ID, now)
		if err != nil {
			g.logger.Error("failed to mark sponsorship expiry", "sponsorship_id", sp.ID, "error", err)
			continue
		}
		if !marked {
			continue
		}
		g.publish(ctx, domain.RoutingKeySponsorshipExpired, domain.SponsorshipExpiredEvent{
			SponsorshipID: sp.ID,
			RestaurantID:  sp.RestaurantID,
			CurrentDrops:  sp.CurrentDrops,
			TargetDrops:   sp.TargetDrops,
			EndedAt:       sp.EndsAt,
		})
		notified++
	}
	return notified, nil
}
