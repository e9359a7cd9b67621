/**
 * @description
 * Scheduled job implementations for the ledger: claim expiry, sponsorship expiry
 * notices and the donation total reconciliation.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
	"github.com/maudeniemann/dish-drop-sub000/internal/metrics"
)

const jobTimeout = 2 * time.Minute

// ClaimExpirer expires claims of coupons past their expiry.
type ClaimExpirer interface {
	ExpireClaims(ctx context.Context) (int64, error)
}

// ExpiryNotifier announces sponsorships that ended short of their goal.
type ExpiryNotifier interface {
	NotifyExpiredSponsorships(ctx context.Context) (int, error)
}

// Reconciler compares stored totals with the donation event log.
type Reconciler interface {
	ReconcileDonationTotals(ctx context.Context) (*domain.ReconciliationReport, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	claims       ClaimExpirer
	sponsorships ExpiryNotifier
	reconciler   Reconciler
	logger       *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(claims ClaimExpirer, sponsorships ExpiryNotifier, reconciler Reconciler, logger *slog.Logger) *Jobs {
	return &Jobs{
		claims:       claims,
		sponsorships: sponsorships,
		reconciler:   reconciler,
		logger:       logger,
	}
}

// ExpireCouponClaims moves active claims of expired coupons to expired.
func (j *Jobs) ExpireCouponClaims() {
	j.logger.Info("starting coupon claim expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	expired, err := j.claims.ExpireClaims(ctx)
	if err != nil {
		j.logger.Error("failed to expire coupon claims", "error", err)
		return
	}

	j.logger.Info("coupon claim expiry job finished", "expired", expired)
}

// NotifyExpiredSponsorships publishes expiry notices for ended sponsorships.
func (j *Jobs) NotifyExpiredSponsorships() {
	j.logger.Info("starting sponsorship expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	notified, err := j.sponsorships.NotifyExpiredSponsorships(ctx)
	if err != nil {
		j.logger.Error("failed to notify expired sponsorships", "error", err)
		return
	}

	j.logger.Info("sponsorship expiry job finished", "notified", notified)
}

// ReconcileDonationTotals checks conservation of donated meals off the hot path.
// Drift is reported, never repaired automatically.
func (j *Jobs) ReconcileDonationTotals() {
	j.logger.Info("starting donation reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	report, err := j.reconciler.ReconcileDonationTotals(ctx)
	if err != nil {
		j.logger.Error("failed to reconcile donation totals", "error", err)
		return
	}
	metrics.RecordReconciliation(*report)

	if report.Drift() != 0 || report.DriftedAccounts > 0 {
		j.logger.Error("donation totals drifted from event log",
			"global_total", report.GlobalTotal,
			"event_sum", report.EventSum,
			"drift", report.Drift(),
			"drifted_accounts", report.DriftedAccounts,
		)
		return
	}

	j.logger.Info("donation reconciliation job finished", "global_total", report.GlobalTotal)
}
