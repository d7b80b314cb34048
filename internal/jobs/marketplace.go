package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/samma/market-engine/internal/ranking"
	"github.com/samma/market-engine/internal/settlement"
)

// Cleaner deletes or retires records past their retention.
type Cleaner interface {
	DeactivateStaleListings(ctx context.Context, before time.Time) (int, error)
	DeleteReadNotificationsBefore(ctx context.Context, before time.Time) (int, error)
	DeleteAuditEntriesBefore(ctx context.Context, before time.Time) (int, error)
}

// Schedule holds job intervals and retention windows.
type Schedule struct {
	Rankings            time.Duration
	Ratings             time.Duration
	StaleListings       time.Duration
	SweepPending        time.Duration
	Payouts             time.Duration
	ExpireAbandoned     time.Duration
	NotificationCleanup time.Duration
	AuditCleanup        time.Duration

	StaleListingAge       time.Duration
	NotificationRetention time.Duration
	AuditRetention        time.Duration
}

const day = 24 * time.Hour

// DefaultSchedule returns the production intervals.
func DefaultSchedule() Schedule {
	return Schedule{
		Rankings:            5 * time.Minute,
		Ratings:             time.Hour,
		StaleListings:       day,
		SweepPending:        time.Minute,
		Payouts:             time.Hour,
		ExpireAbandoned:     time.Hour,
		NotificationCleanup: day,
		AuditCleanup:        30 * day,

		StaleListingAge:       365 * day,
		NotificationRetention: 180 * day,
		AuditRetention:        365 * day,
	}
}

// Marketplace builds the marketplace's periodic jobs. clock may be nil.
func Marketplace(rank *ranking.Engine, pipe *settlement.Pipeline, c Cleaner, sched Schedule, clock func() time.Time, logger *slog.Logger) []Job {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return []Job{
		{
			Name:  "update-rankings",
			Every: sched.Rankings,
			Run: func(ctx context.Context) error {
				_, err := rank.RecomputeAll(ctx)
				return err
			},
		},
		{
			Name:  "update-ratings",
			Every: sched.Ratings,
			Run: func(ctx context.Context) error {
				_, err := rank.RefreshAllRatings(ctx)
				return err
			},
		},
		{
			Name:             "deactivate-stale-listings",
			Every:            sched.StaleListings,
			StartImmediately: true,
			Run: func(ctx context.Context) error {
				n, err := c.DeactivateStaleListings(ctx, clock().Add(-sched.StaleListingAge))
				if n > 0 {
					logger.Info("stale listings deactivated", "count", n)
				}
				return err
			},
		},
		{
			Name:    "sweep-pending-payments",
			Every:   sched.SweepPending,
			Timeout: 10 * sched.SweepPending,
			Run: func(ctx context.Context) error {
				_, err := pipe.SweepPending(ctx)
				return err
			},
		},
		{
			Name:  "settle-payouts",
			Every: sched.Payouts,
			Run: func(ctx context.Context) error {
				_, err := pipe.SettlePayouts(ctx)
				return err
			},
		},
		{
			Name:  "expire-abandoned-payments",
			Every: sched.ExpireAbandoned,
			Run: func(ctx context.Context) error {
				_, err := pipe.ExpireAbandoned(ctx)
				return err
			},
		},
		{
			Name:             "cleanup-notifications",
			Every:            sched.NotificationCleanup,
			StartImmediately: true,
			Run: func(ctx context.Context) error {
				n, err := c.DeleteReadNotificationsBefore(ctx, clock().Add(-sched.NotificationRetention))
				if n > 0 {
					logger.Info("old notifications deleted", "count", n)
				}
				return err
			},
		},
		{
			Name:             "cleanup-audit-log",
			Every:            sched.AuditCleanup,
			StartImmediately: true,
			Run: func(ctx context.Context) error {
				n, err := c.DeleteAuditEntriesBefore(ctx, clock().Add(-sched.AuditRetention))
				if n > 0 {
					logger.Info("old audit entries deleted", "count", n)
				}
				return err
			},
		},
	}
}
