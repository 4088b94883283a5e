package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Archiver copies settled keeper history to cold storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates an Archiver. Only rows older than retentionDays are
// archived.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Cutoff returns the creation time before which rows are archived.
func (a *Archiver) Cutoff() time.Time {
	return a.now().UTC().AddDate(0, 0, -a.retentionDays)
}

// Run executes a single archive run for settled jobs and rebalance history.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.Cutoff()
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	jobs, err := a.blobArchiver.ArchiveJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive jobs before %s: %w", cutoff.Format(time.DateOnly), err)
	}
	rebalances, err := a.blobArchiver.ArchiveRebalances(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive rebalances before %s: %w", cutoff.Format(time.DateOnly), err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("jobs_archived", jobs),
		slog.Int64("rebalances_archived", rebalances),
	)
	return nil
}

// RunCron runs the archiver on a cron schedule until ctx is cancelled. A
// failed run is logged and the next slot is awaited.
//
// Example: "0 3 1 * *" runs at 03:00 UTC on the 1st of every month.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := ParseSchedule(cronExpr)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next := sched.Next(a.now().UTC())
		if next.IsZero() {
			return fmt.Errorf("pipeline: cron %q never fires", cronExpr)
		}
		wait := time.Until(next)
		a.logger.DebugContext(ctx, "archiver waiting",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.InfoContext(ctx, "archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
