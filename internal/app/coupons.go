package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
	"github.com/maudeniemann/dish-drop-sub000/internal/store"
)

// CouponEconomy awards coins and exchanges them for restaurant coupons.
type CouponEconomy struct {
	service
}

// NewCouponEconomy creates the coin and coupon component.
func NewCouponEconomy(st store.Store, opts Options) *CouponEconomy {
	return &CouponEconomy{service: newService(st, opts)}
}

// AwardCoins credits coins once per (reason, reference, user).
func (c *CouponEconomy) AwardCoins(ctx context.Context, req domain.CoinAwardRequest) (*domain.CoinAwardResult, error) {
	var err error
	if req.UserID, err = requireID("user_id", req.UserID); err != nil {
		return nil, err
	}
	if req.Reason, err = requireID("reason", req.Reason); err != nil {
		return nil, err
	}
	if req.ReferenceID, err = requireID("reference_id", req.ReferenceID); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, invalidf("amount must be positive, got %d", req.Amount)
	}

	var result *domain.CoinAwardResult
	err = c.inTx(ctx, "award_coins", func(ctx context.Context, tx store.Tx) error {
		now := c.now()
		if _, err := tx.EnsureUserBalance(ctx, req.UserID, now); err != nil {
			return err
		}
		award := &domain.CoinAward{
			ID:          c.newID(),
			UserID:      req.UserID,
			Amount:      req.Amount,
			Reason:      req.Reason,
			ReferenceID: req.ReferenceID,
			CreatedAt:   now,
		}
		inserted, err := tx.InsertCoinAward(ctx, award)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := tx.FindCoinAward(ctx, req.Reason, req.ReferenceID, req.UserID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("coin award %s/%s conflicted but was not found", req.Reason, req.ReferenceID)
			}
			if existing.Amount != req.Amount {
				return fmt.Errorf("%w: award %s/%s recorded %d coins", domain.ErrIdempotencyConflict, req.Reason, req.ReferenceID, existing.Amount)
			}
			balance, err := tx.LockUserBalance(ctx, req.UserID)
			if err != nil {
				return err
			}
			result = &domain.CoinAwardResult{Outcome: domain.OutcomeAlreadyApplied, CoinBalance: balance.CoinBalance}
			return nil
		}

		coins, err := tx.Increment(ctx, store.UserCounter(store.CounterCoinBalance, req.UserID), req.Amount)
		if err != nil {
			return err
		}
		if _, err := tx.Increment(ctx, store.UserCounter(store.CounterCoinLifetime, req.UserID), req.Amount); err != nil {
			return err
		}
		result = &domain.CoinAwardResult{Outcome: domain.OutcomeApplied, CoinBalance: coins}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimCoupon exchanges coins for one unit of a coupon. A user who already holds
// a claim gets ErrAlreadyClaimed together with that claim.
func (c *CouponEconomy) ClaimCoupon(ctx context.Context, userID, couponID string) (*domain.ClaimResult, error) {
	userID, err := requireID("user_id", userID)
	if err != nil {
		return nil, err
	}
	couponID, err = requireID("coupon_id", couponID)
	if err != nil {
		return nil, err
	}

	var (
		result *domain.ClaimResult
		coupon *domain.Coupon
	)
	err = c.inTx(ctx, "claim_coupon", func(ctx context.Context, tx store.Tx) error {
		now := c.now()
		cp, err := tx.LockCoupon(ctx, couponID)
		if err != nil {
			return err
		}
		coupon = cp

		existing, err := tx.FindCouponClaim(ctx, userID, couponID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &domain.ClaimResult{Claim: *existing, ClaimedCount: cp.ClaimedCount}
			if balance, err := tx.LockUserBalance(ctx, userID); err == nil {
				result.CoinBalance = balance.CoinBalance
			}
			return fmt.Errorf("%w: coupon %s", domain.ErrAlreadyClaimed, couponID)
		}

		if !cp.IsActive {
			return fmt.Errorf("%w: coupon %s", domain.ErrCouponInactive, couponID)
		}
		if cp.ExpiredAt(now) {
			return fmt.Errorf("%w: coupon %s", domain.ErrCouponExpired, couponID)
		}

		claimedKey := store.CounterKey{Counter: store.CounterCouponClaimed, ID: couponID}
		var claimed int64
		if cp.TotalQuantity != nil {
			value, ok, err := tx.CompareAndIncrementIfBelow(ctx, claimedKey, 1, *cp.TotalQuantity)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %d of %d claimed", domain.ErrSoldOut, value, *cp.TotalQuantity)
			}
			claimed = value
		} else {
			if claimed, err = tx.Increment(ctx, claimedKey, 1); err != nil {
				return err
			}
		}

		coins, ok, err := tx.DecrementIfAtLeast(ctx, store.UserCounter(store.CounterCoinBalance, userID), cp.CoinCost)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d coins, coupon costs %d", domain.ErrInsufficientCoins, coins, cp.CoinCost)
		}

		claim := domain.UserCoupon{
			ID:        c.newID(),
			UserID:    userID,
			CouponID:  couponID,
			Status:    domain.CouponStatusActive,
			ClaimedAt: now,
		}
		inserted, err := tx.InsertCouponClaim(ctx, &claim)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%w: coupon %s", domain.ErrAlreadyClaimed, couponID)
		}
		result = &domain.ClaimResult{Claim: claim, CoinBalance: coins, ClaimedCount: claimed}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) && result != nil {
			return result, err
		}
		return nil, err
	}

	c.logger.Info("coupon claimed", "user_id", userID, "coupon_id", couponID, "claim_id", result.Claim.ID)
	c.publish(ctx, domain.RoutingKeyCouponClaimed, domain.CouponClaimedEvent{
		ClaimID:      result.Claim.ID,
		UserID:       userID,
		CouponID:     couponID,
		RestaurantID: coupon.RestaurantID,
		CoinCost:     coupon.CoinCost,
		OccurredAt:   result.Claim.ClaimedAt,
	})
	return result, nil
}

// UseCoupon redeems an active claim. A claim whose coupon has expired is moved to
// expired and ErrCouponExpired is returned.
func (c *CouponEconomy) UseCoupon(ctx context.Context, userID, userCouponID string) (*domain.UserCoupon, error) {
	userID, err := requireID("user_id", userID)
	if err != nil {
		return nil, err
	}
	userCouponID, err = requireID("claim_id", userCouponID)
	if err != nil {
		return nil, err
	}

	var (
		claim   *domain.UserCoupon
		expired bool
	)
	err = c.inTx(ctx, "use_coupon", func(ctx context.Context, tx store.Tx) error {
		now := c.now()
		uc, err := tx.LockUserCoupon(ctx, userCouponID)
		if err != nil {
			return err
		}
		if uc.UserID != userID {
			return fmt.Errorf("%w: %s", domain.ErrClaimNotFound, userCouponID)
		}
		switch uc.Status {
		case domain.CouponStatusUsed:
			return fmt.Errorf("%w: %s", domain.ErrAlreadyUsed, userCouponID)
		case domain.CouponStatusExpired:
			expired = true
			return nil
		}

		cp, err := tx.LockCoupon(ctx, uc.CouponID)
		if err != nil {
			return err
		}
		if cp.ExpiredAt(now) {
			if _, err := tx.SetUserCouponStatus(ctx, uc.ID, domain.CouponStatusActive, domain.CouponStatusExpired, now); err != nil {
				return err
			}
			expired = true
			return nil
		}

		ok, err := tx.SetUserCouponStatus(ctx, uc.ID, domain.CouponStatusActive, domain.CouponStatusUsed, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyUsed, userCouponID)
		}
		uc.Status = domain.CouponStatusUsed
		uc.UsedAt = &now
		claim = uc
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("%w: claim %s", domain.ErrCouponExpired, userCouponID)
	}
	return claim, nil
}

// Claims lists the user's coupon claims, newest first.
func (c *CouponEconomy) Claims(ctx context.Context, userID string) ([]domain.UserCoupon, error) {
	userID, err := requireID("user_id", userID)
	if err != nil {
		return nil, err
	}
	return c.store.ListUserCoupons(ctx, userID)
}

// ExpireClaims moves active claims of expired coupons to expired.
func (c *CouponEconomy) ExpireClaims(ctx context.Context) (int64, error) {
	return c.store.ExpireActiveClaims(ctx, c.now())
}
