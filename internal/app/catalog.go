package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
	"github.com/maudeniemann/dish-drop-sub000/internal/store"
)

// CatalogSync stores sponsorship and coupon definitions maintained by the admin
// surface. It never writes progress fields such as current drops or claimed counts.
type CatalogSync struct {
	service
}

// NewCatalogSync creates the catalog writer.
func NewCatalogSync(st store.Store, opts Options) *CatalogSync {
	return &CatalogSync{service: newService(st, opts)}
}

func invalidDefinition(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidDefinition}, args...)...)
}

// UpsertSponsorship creates or updates a flash sponsorship definition.
func (c *CatalogSync) UpsertSponsorship(ctx context.Context, def domain.SponsorshipDefinition) error {
	def.ID = strings.TrimSpace(def.ID)
	def.RestaurantID = strings.TrimSpace(def.RestaurantID)
	switch {
	case def.ID == "":
		return invalidDefinition("sponsorship id is required")
	case def.RestaurantID == "":
		return invalidDefinition("restaurant id is required for sponsorship %s", def.ID)
	case def.TargetDrops <= 0:
		return invalidDefinition("target drops must be positive for sponsorship %s", def.ID)
	case def.MealsPerDrop < 0 || def.BonusMeals < 0 || def.TotalMealsPledged < 0:
		return invalidDefinition("meal amounts must not be negative for sponsorship %s", def.ID)
	case def.StartsAt.IsZero() || !def.EndsAt.After(def.StartsAt):
		return invalidDefinition("sponsorship %s must end after it starts", def.ID)
	}
	def.StartsAt = def.StartsAt.UTC()
	def.EndsAt = def.EndsAt.UTC()

	err := c.inTx(ctx, "upsert_sponsorship", func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertSponsorship(ctx, def)
	})
	if err != nil {
		return fmt.Errorf("upsert sponsorship %s: %w", def.ID, err)
	}
	c.logger.Info("sponsorship definition stored", "sponsorship_id", def.ID, "target_drops", def.TargetDrops)
	return nil
}

// UpsertCoupon creates or updates a coupon definition. Lowering the quantity
// below the number already claimed is rejected.
func (c *CatalogSync) UpsertCoupon(ctx context.Context, def domain.CouponDefinition) error {
	def.ID = strings.TrimSpace(def.ID)
	def.RestaurantID = strings.TrimSpace(def.RestaurantID)
	switch {
	case def.ID == "":
		return invalidDefinition("coupon id is required")
	case def.RestaurantID == "":
		return invalidDefinition("restaurant id is required for coupon %s", def.ID)
	case def.CoinCost < 0:
		return invalidDefinition("coin cost must not be negative for coupon %s", def.ID)
	case def.TotalQuantity != nil && *def.TotalQuantity < 0:
		return invalidDefinition("total quantity must not be negative for coupon %s", def.ID)
	}
	if def.ExpiresAt != nil {
		utc := def.ExpiresAt.UTC()
		def.ExpiresAt = &utc
	}

	err := c.inTx(ctx, "upsert_coupon", func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertCoupon(ctx, def)
	})
	if err != nil {
		return fmt.Errorf("upsert coupon %s: %w", def.ID, err)
	}
	c.logger.Info("coupon definition stored", "coupon_id", def.ID, "active", def.IsActive)
	return nil
}
