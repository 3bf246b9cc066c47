package trading

import (
	"context"
	"time"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/logging"
	"kabu-trader/internal/models"
)

// due reports whether a SCHEDULED job should start at now.
func due(job *models.BatchJob, now time.Time) bool {
	switch job.RunMode {
	case models.RunImmediate:
		return true
	case models.RunScheduled:
		return job.ScheduledAt != nil && !job.ScheduledAt.After(now)
	}
	return false
}

// runScheduler promotes due jobs to RUNNING.
func (e *Engine) runScheduler(ctx context.Context, t *tick) error {
	jobs, err := e.store.ListJobs(ctx, models.JobScheduled)
	if err != nil {
		return err
	}

	var errs collect
	for _, job := range jobs {
		if !due(job, t.now) {
			continue
		}
		typ, msg := "IMMEDIATE_TRIGGERED", "Batch started: "+job.Code
		if job.RunMode == models.RunScheduled {
			typ = "SCHEDULE_TRIGGERED"
			msg = "Scheduled batch started: " + job.Code + " (at " + job.ScheduledAt.In(e.loc).Format("2006-01-02 15:04") + ")"
		}
		err := e.store.TransitionJob(ctx, job.ID, models.JobScheduled, models.JobRunning, t.now,
			event(t.now, models.LevelInfo, typ, "%s", msg))
		if apperrors.Is(err, apperrors.ErrStaleState) {
			// Cancelled by an intent since the listing.
			continue
		}
		if err != nil {
			errs.add(err)
			continue
		}
		jobLogger := logging.WithJob(t.logger, job.ID, job.Code)
		jobLogger.Info().Str("run_mode", string(job.RunMode)).Msg("Job running")
	}
	return errs.err()
}
