/**
 * @description
 * Event handlers for messages the ledger consumes from the platform exchange.
 * Each handler returns whether the message should be acknowledged.
 *
 * @notes
 * - Malformed payloads and business rejections are acknowledged so they are not
 *   redelivered forever.
 * - Storage outages are re-queued. Every handler is idempotent, so a redelivery
 *   of an already applied message is harmless.
 */
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
)

const handlerTimeout = 30 * time.Second

// AccountOpener creates ledger accounts.
type AccountOpener interface {
	OpenAccount(ctx context.Context, userID string) (bool, error)
}

// MealPurchaser credits purchased meals.
type MealPurchaser interface {
	PurchaseMeals(ctx context.Context, req domain.PurchaseRequest) (*domain.DonationResult, error)
}

// CatalogWriter stores admin-managed definitions.
type CatalogWriter interface {
	UpsertSponsorship(ctx context.Context, def domain.SponsorshipDefinition) error
	UpsertCoupon(ctx context.Context, def domain.CouponDefinition) error
}

// EventHandlers routes inbound platform events to the ledger components.
type EventHandlers struct {
	accounts  AccountOpener
	purchases MealPurchaser
	catalog   CatalogWriter
	logger    *slog.Logger
}

// NewEventHandlers creates the inbound event handlers.
func NewEventHandlers(accounts AccountOpener, purchases MealPurchaser, catalog CatalogWriter, logger *slog.Logger) *EventHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandlers{
		accounts:  accounts,
		purchases: purchases,
		catalog:   catalog,
		logger:    logger,
	}
}

// Bindings maps routing keys to handlers for rabbitmq.Consumer.ConsumeWithBindings.
func (h *EventHandlers) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.RoutingKeyUserCreated:         h.HandleUserCreated,
		domain.RoutingKeyPaymentVerified:     h.HandlePaymentVerified,
		domain.RoutingKeySponsorshipUpserted: h.HandleSponsorshipUpserted,
		domain.RoutingKeyCouponUpserted:      h.HandleCouponUpserted,
	}
}

// HandleUserCreated opens the ledger account of a new user.
func (h *EventHandlers) HandleUserCreated(body []byte) bool {
	var event domain.UserCreatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("failed to unmarshal user.created event", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	_, err := h.accounts.OpenAccount(ctx, event.UserID)
	return h.ack(domain.RoutingKeyUserCreated, err, "user_id", event.UserID)
}

// HandlePaymentVerified credits meals for a cleared purchase.
func (h *EventHandlers) HandlePaymentVerified(body []byte) bool {
	var event domain.PaymentVerifiedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("failed to unmarshal payment.verified event", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	result, err := h.purchases.PurchaseMeals(ctx, domain.PurchaseRequest{
		UserID:     event.UserID,
		MealCount:  event.MealCount,
		PaymentRef: event.PaymentRef,
	})
	if err == nil && result.Outcome == domain.OutcomeAlreadyApplied {
		h.logger.Info("payment already credited", "user_id", event.UserID, "payment_ref", event.PaymentRef)
	}
	return h.ack(domain.RoutingKeyPaymentVerified, err, "user_id", event.UserID, "payment_ref", event.PaymentRef)
}

// HandleSponsorshipUpserted stores a sponsorship definition.
func (h *EventHandlers) HandleSponsorshipUpserted(body []byte) bool {
	var def domain.SponsorshipDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		h.logger.Error("failed to unmarshal sponsorship definition", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := h.catalog.UpsertSponsorship(ctx, def)
	return h.ack(domain.RoutingKeySponsorshipUpserted, err, "sponsorship_id", def.ID)
}

// HandleCouponUpserted stores a coupon definition.
func (h *EventHandlers) HandleCouponUpserted(body []byte) bool {
	var def domain.CouponDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		h.logger.Error("failed to unmarshal coupon definition", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := h.catalog.UpsertCoupon(ctx, def)
	return h.ack(domain.RoutingKeyCouponUpserted, err, "coupon_id", def.ID)
}

func (h *EventHandlers) ack(routingKey string, err error, attrs ...any) bool {
	if err == nil {
		return true
	}
	attrs = append(attrs, "routing_key", routingKey, "error", err)
	if domain.IsRetryable(err) {
		h.logger.Warn("ledger unavailable; re-queuing event", attrs...)
		return false
	}
	h.logger.Warn("event rejected by ledger", attrs...)
	return true
}
