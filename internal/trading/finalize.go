package trading

import (
	"context"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/logging"
	"kabu-trader/internal/models"
	"kabu-trader/internal/store"
)

// jobOutcome decides the status a RUNNING job moves to given its items.
// ok is false while the job must keep running.
func jobOutcome(statuses []models.ItemStatus) (next models.JobStatus, ok bool) {
	if len(statuses) == 0 {
		return "", false
	}
	closed, cancelled := 0, 0
	for _, s := range statuses {
		switch s {
		case models.ItemError:
			return models.JobError, true
		case models.ItemClosed:
			closed++
		case models.ItemCancelled:
			cancelled++
		}
	}
	switch {
	case closed == len(statuses):
		return models.JobDone, true
	case closed+cancelled == len(statuses):
		return models.JobCancelled, true
	}
	return "", false
}

// runFinalize settles RUNNING jobs whose items reached an outcome.
func (e *Engine) runFinalize(ctx context.Context, t *tick) error {
	jobs, err := e.store.ListJobs(ctx, models.JobRunning)
	if err != nil {
		return err
	}

	var errs collect
	for _, job := range jobs {
		items, err := e.store.ListItems(ctx, store.ItemFilter{JobID: job.ID})
		if err != nil {
			errs.add(err)
			continue
		}
		statuses := make([]models.ItemStatus, len(items))
		for i, it := range items {
			statuses[i] = it.Status
		}
		next, ok := jobOutcome(statuses)
		if !ok {
			continue
		}
		logger := logging.WithJob(t.logger, job.ID, job.Code)

		var ev *models.EventLog
		switch next {
		case models.JobDone:
			ev = event(t.now, models.LevelInfo, "BATCH_DONE", "Batch done: %s", job.Code)
		case models.JobCancelled:
			ev = event(t.now, models.LevelInfo, "BATCH_CANCELLED", "Batch cancelled: %s", job.Code)
		case models.JobError:
			ev = event(t.now, models.LevelError, "BATCH_ERROR", "Batch error: %s", job.Code)
			// Unsent items of a failed batch are never sent.
			for _, it := range items {
				if it.Status != models.ItemReady {
					continue
				}
				it.Status = models.ItemCancelled
				errs.add(e.save(ctx, itemLogger(logger, it), it, models.ItemReady, t.now, nil,
					event(t.now, models.LevelInfo, "ITEM_CANCELLED", "#%d %s cancelled: batch in error", it.ID, it.Symbol)))
			}
		}

		err = e.store.TransitionJob(ctx, job.ID, models.JobRunning, next, t.now, ev)
		if apperrors.Is(err, apperrors.ErrStaleState) {
			continue
		}
		if err != nil {
			errs.add(err)
			continue
		}
		logger.Info().Str("status", string(next)).Msg("Job finished")
	}
	return errs.err()
}
