package api

import (
	"errors"
	"net/http"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
)

// retryAfterSeconds is advertised when the ledger store is unavailable.
const retryAfterSeconds = "1"

// statusFor maps the ledger error taxonomy to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "Ledger temporarily unavailable, please retry"
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidDefinition):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrSponsorshipNotFound),
		errors.Is(err, domain.ErrCouponNotFound),
		errors.Is(err, domain.ErrClaimNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrInsufficientCoins):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrSoldOut),
		errors.Is(err, domain.ErrAlreadyClaimed),
		errors.Is(err, domain.ErrAlreadyUsed),
		errors.Is(err, domain.ErrDuplicateDrop),
		errors.Is(err, domain.ErrSponsorshipInactive),
		errors.Is(err, domain.ErrCouponInactive),
		errors.Is(err, domain.ErrCouponExpired),
		errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// errorCode is a stable machine-readable name for the error.
func errorCode(err error) string {
	codes := []struct {
		target error
		code   string
	}{
		{domain.ErrStorageUnavailable, "storage_unavailable"},
		{domain.ErrInvalidRequest, "invalid_request"},
		{domain.ErrInvalidDefinition, "invalid_definition"},
		{domain.ErrAccountNotFound, "account_not_found"},
		{domain.ErrSponsorshipNotFound, "sponsorship_not_found"},
		{domain.ErrCouponNotFound, "coupon_not_found"},
		{domain.ErrClaimNotFound, "claim_not_found"},
		{domain.ErrInsufficientBalance, "insufficient_balance"},
		{domain.ErrInsufficientCoins, "insufficient_coins"},
		{domain.ErrSoldOut, "sold_out"},
		{domain.ErrAlreadyClaimed, "already_claimed"},
		{domain.ErrAlreadyUsed, "already_used"},
		{domain.ErrDuplicateDrop, "duplicate_drop"},
		{domain.ErrSponsorshipInactive, "sponsorship_inactive"},
		{domain.ErrCouponInactive, "coupon_inactive"},
		{domain.ErrCouponExpired, "coupon_expired"},
		{domain.ErrIdempotencyConflict, "idempotency_conflict"},
	}
	for _, c := range codes {
		if errors.Is(err, c.target) {
			return c.code
		}
	}
	return "internal"
}
