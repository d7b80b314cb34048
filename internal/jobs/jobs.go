// Package jobs runs the marketplace's periodic work: score and rating
// refreshes, settlement sweeps and payouts, and retention cleanups.
//
// A Job is a plain function over injected collaborators, so it can be run
// directly in tests with Execute. Scheduler drives the same jobs on gocron.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samma/market-engine/internal/metrics"
)

// Job is one unit of periodic work.
type Job struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration // 0 means no deadline beyond the parent context
	// StartImmediately runs the job once on Start instead of waiting a full
	// interval. Set it on jobs whose interval outlives a typical deploy.
	StartImmediately bool
	Run              func(ctx context.Context) error
}

// Execute runs j once, recording duration and outcome.
func Execute(ctx context.Context, j Job, logger *slog.Logger) (err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
		elapsed := time.Since(start)
		metrics.JobDuration.WithLabelValues(j.Name).Observe(elapsed.Seconds())
		if err != nil {
			metrics.JobRuns.WithLabelValues(j.Name, "error").Inc()
			logger.Error("job failed", "job", j.Name, "duration", elapsed, "err", err)
			return
		}
		metrics.JobRuns.WithLabelValues(j.Name, "ok").Inc()
		logger.Debug("job finished", "job", j.Name, "duration", elapsed)
	}()

	return j.Run(ctx)
}
