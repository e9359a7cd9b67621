/**
 * @description
 * This file contains the HTTP handlers for the ledger service. Handlers
 * decode requests, call into the application layer and translate ledger
 * errors into HTTP responses.
 *
 * @dependencies
 * - net/http, encoding/json: For handling HTTP requests and JSON.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
)

const maxBodyBytes = 1 << 20

// Ledger is the meal ledger surface used by the handlers.
type Ledger interface {
	OpenAccount(ctx context.Context, userID string) (bool, error)
	RecordDonation(ctx context.Context, req domain.DonationRequest) (*domain.DonationResult, error)
	PurchaseMeals(ctx context.Context, req domain.PurchaseRequest) (*domain.DonationResult, error)
	SpendAvailableMeals(ctx context.Context, req domain.SpendRequest) (*domain.SpendResult, error)
	RecordActivity(ctx context.Context, userID string) (*domain.ActivityResult, error)
	Balance(ctx context.Context, userID string) (*domain.UserBalance, error)
	GlobalStats(ctx context.Context) (*domain.GlobalStats, error)
}

// Goals is the flash sponsorship surface used by the handlers.
type Goals interface {
	RecordDrop(ctx context.Context, req domain.DropRequest) (*domain.DropResult, error)
	Sponsorship(ctx context.Context, sponsorshipID string) (*domain.SponsorshipView, error)
}

// Coupons is the coin and coupon surface used by the handlers.
type Coupons interface {
	AwardCoins(ctx context.Context, req domain.CoinAwardRequest) (*domain.CoinAwardResult, error)
	ClaimCoupon(ctx context.Context, userID, couponID string) (*domain.ClaimResult, error)
	UseCoupon(ctx context.Context, userID, userCouponID string) (*domain.UserCoupon, error)
	Claims(ctx context.Context, userID string) ([]domain.UserCoupon, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds the dependencies for the HTTP handlers.
type Handlers struct {
	ledger  Ledger
	goals   Goals
	coupons Coupons
	health  Pinger
	logger  *slog.Logger
}

// NewHandlers creates a new Handlers. health may be nil.
func NewHandlers(ledger Ledger, goals Goals, coupons Coupons, health Pinger, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{ledger: ledger, goals: goals, coupons: coupons, health: health, logger: logger}
}

// HealthCheck reports service liveness and store reachability.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": "ledger-service"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "ledger-service"})
}

// GetBalance returns the caller's balance. Users without an account read as zero.
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		writeJSON(w, http.StatusOK, domain.UserBalance{UserID: userID})
		return
	}
	if err != nil {
		h.writeLedgerError(w, r, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *Handlers) GetGlobalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.GlobalStats(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, "get global stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type spendBody struct {
	MealCount   int64  `json:"meal_count"`
	ReferenceID string `json:"reference_id"`
}

// SpendMeals gives away meals from the caller's available balance.
func (h *Handlers) SpendMeals(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body spendBody
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := h.ledger.SpendAvailableMeals(r.Context(), domain.SpendRequest{
		UserID:      userID,
		MealCount:   body.MealCount,
		ReferenceID: body.ReferenceID,
	})
	if err != nil {
		h.writeLedgerError(w, r, "spend meals", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) GetSponsorship(w http.ResponseWriter, r *http.Request) {
	view, err := h.goals.Sponsorship(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, "get sponsorship", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type dropBody struct {
	PostID string `json:"post_id"`
}

// RecordDrop counts a qualifying post toward a flash sponsorship.
func (h *Handlers) RecordDrop(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body dropBody
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := h.goals.RecordDrop(r.Context(), domain.DropRequest{
		SponsorshipID: chi.URLParam(r, "id"),
		UserID:        userID,
		PostID:        body.PostID,
	})
	if err != nil {
		h.writeLedgerError(w, r, "record drop", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ClaimCoupon spends coins on a coupon. A repeated claim answers 409 with the existing claim.
func (h *Handlers) ClaimCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	result, err := h.coupons.ClaimCoupon(r.Context(), userID, chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrAlreadyClaimed) && result != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": err.Error(),
			"code":  errorCode(err),
			"claim": result.Claim,
		})
		return
	}
	if err != nil {
		h.writeLedgerError(w, r, "claim coupon", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handlers) ListClaims(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	claims, err := h.coupons.Claims(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, r, "list claims", err)
		return
	}
	if claims == nil {
		claims = []domain.UserCoupon{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"claims": claims})
}

// UseCoupon redeems one of the caller's active claims.
func (h *Handlers) UseCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	claim, err := h.coupons.UseCoupon(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, "use coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

type accountBody struct {
	UserID string `json:"user_id"`
}

// OpenAccount creates a zero balance for a new user.
func (h *Handlers) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var body accountBody
	if !decodeBody(w, r, &body) {
		return
	}

	created, err := h.ledger.OpenAccount(r.Context(), body.UserID)
	if err != nil {
		h.writeLedgerError(w, r, "open account", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{"user_id": strings.TrimSpace(body.UserID), "created": created})
}

func (h *Handlers) RecordDonation(w http.ResponseWriter, r *http.Request) {
	var req domain.DonationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.ledger.RecordDonation(r.Context(), req)
	if err != nil {
		h.writeLedgerError(w, r, "record donation", err)
		return
	}
	writeJSON(w, outcomeStatus(result.Outcome), result)
}

func (h *Handlers) PurchaseMeals(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.ledger.PurchaseMeals(r.Context(), req)
	if err != nil {
		h.writeLedgerError(w, r, "purchase meals", err)
		return
	}
	writeJSON(w, outcomeStatus(result.Outcome), result)
}

func (h *Handlers) AwardCoins(w http.ResponseWriter, r *http.Request) {
	var req domain.CoinAwardRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.coupons.AwardCoins(r.Context(), req)
	if err != nil {
		h.writeLedgerError(w, r, "award coins", err)
		return
	}
	writeJSON(w, outcomeStatus(result.Outcome), result)
}

func (h *Handlers) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var body accountBody
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := h.ledger.RecordActivity(r.Context(), body.UserID)
	if err != nil {
		h.writeLedgerError(w, r, "record activity", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok || userID == "" {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return "", false
	}
	return userID, true
}

// writeLedgerError maps err to a response. Unexpected errors are logged with the operation name.
func (h *Handlers) writeLedgerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("ledger request failed", "operation", op, "path", r.URL.Path, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": errorCode(err)})
}

func outcomeStatus(outcome domain.Outcome) int {
	if outcome == domain.OutcomeApplied {
		return http.StatusCreated
	}
	return http.StatusOK
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeJSON is a helper to write JSON responses.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is a helper to write JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
