/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/maudeniemann/dish-drop-sub000/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number
// of jobs that were scheduled.
func (s *Scheduler) Start() int {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: "coupon claim expiry", schedule: s.config.CouponExpirySchedule, run: s.jobs.ExpireCouponClaims},
		{name: "sponsorship expiry", schedule: s.config.SponsorshipExpirySchedule, run: s.jobs.NotifyExpiredSponsorships},
		{name: "donation reconciliation", schedule: s.config.ReconcileSchedule, run: s.jobs.ReconcileDonationTotals},
	}

	scheduled := 0
	for _, entry := range entries {
		if entry.schedule == "" {
			s.logger.Info("job disabled", "job", entry.name)
			continue
		}
		if _, err := s.cron.AddFunc(entry.schedule, entry.run); err != nil {
			s.logger.Error("failed to schedule job", "job", entry.name, "schedule", entry.schedule, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", entry.name, "schedule", entry.schedule)
		scheduled++
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
