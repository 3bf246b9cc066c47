package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kabu-trader/internal/broker"
	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/logging"
	"kabu-trader/internal/models"
	"kabu-trader/internal/store"
	"kabu-trader/pkg/utils"
)

const eodHoldIDText = "end-of-day close waiting for hold id"

// openStates are the item states holding a position the engine may close.
var openStates = []models.ItemStatus{
	models.ItemEntryPartial, models.ItemEntryFilled, models.ItemEntryFilledWaitPrice, models.ItemBracketSent,
}

// tradingDay is the instant the job's session started: the schedule time
// for scheduled jobs, else the submission time.
func tradingDay(job *models.BatchJob) time.Time {
	if job.RunMode == models.RunScheduled && job.ScheduledAt != nil {
		return *job.ScheduledAt
	}
	return job.CreatedAt
}

// runEOD force-closes positions of jobs past their close time and
// settles items whose exit order filled.
func (e *Engine) runEOD(ctx context.Context, t *tick) error {
	var errs collect
	errs.add(e.forceCloseJobs(ctx, t))
	errs.add(e.settleExits(ctx, t))
	return errs.err()
}

// pastClose reports whether the job of an item is due for its forced
// close. Results are memoised in seen for the rest of the step.
func (e *Engine) pastClose(ctx context.Context, t *tick, jobID int64, seen map[int64]bool) (bool, error) {
	if past, ok := seen[jobID]; ok {
		return past, nil
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	past := false
	if job.EODForceClose {
		if past, err = utils.PastCutoff(t.now, tradingDay(job), job.EODCloseTime); err != nil {
			return false, fmt.Errorf("job %s: %w", job.Code, err)
		}
	}
	seen[jobID] = past
	return past, nil
}

func (e *Engine) forceCloseJobs(ctx context.Context, t *tick) error {
	jobs, err := e.store.ListJobs(ctx, positionJobs...)
	if err != nil {
		return err
	}

	var errs collect
	for _, job := range jobs {
		if !job.EODForceClose {
			continue
		}
		past, err := utils.PastCutoff(t.now, tradingDay(job), job.EODCloseTime)
		if err != nil {
			errs.add(fmt.Errorf("job %s: %w", job.Code, err))
			continue
		}
		if !past {
			continue
		}

		items, err := e.store.ListItems(ctx, store.ItemFilter{JobID: job.ID, Statuses: openStates})
		if err != nil {
			errs.add(err)
			continue
		}
		if len(items) == 0 {
			continue
		}
		acct, err := t.needAccount()
		if err != nil {
			return err
		}
		logger := logging.WithJob(t.logger, job.ID, job.Code)
		for _, it := range items {
			if ctx.Err() != nil {
				return errs.err()
			}
			errs.add(e.closeAtEOD(ctx, t, acct, logger, it))
		}
	}
	return errs.err()
}

// errEntryWorking means the entry order of a partly filled item was asked
// to cancel but the broker still reports it working.
var errEntryWorking = errors.New("entry order still working after cancel")

// prepareClose cancels every live order that could still change the
// position and folds partial exit fills into closed qty. A cancelled
// entry order is read back so fills that landed since the last sync are
// counted. It returns the quantity still open.
func (e *Engine) prepareClose(ctx context.Context, t *tick, acct *models.ApiAccount, it *models.BatchItem) (int, error) {
	ids := []string{it.TPOrderID, it.SLOrderID}
	entryPending := it.Status == models.ItemEntryPartial && it.EntryOrderID != ""
	if entryPending {
		ids = append(ids, it.EntryOrderID)
	}

	closed := it.ClosedQty
	for _, id := range ids {
		if id == "" {
			continue
		}
		o, err := e.store.GetOrder(ctx, id)
		if err != nil {
			return 0, err
		}
		if o == nil || o.Status.Live() {
			if err := e.broker.CancelOrder(ctx, acct, id); err != nil {
				return 0, fmt.Errorf("cancelling order %s: %w", id, err)
			}
		}
		if o != nil && o.Role != models.RoleEntry {
			closed += o.CumQty
		}
	}

	if entryPending {
		if err := e.rereadEntry(ctx, t, acct, it); err != nil {
			return 0, err
		}
	}

	if closed > it.EntryFilledQty {
		closed = it.EntryFilledQty
	}
	it.ClosedQty = closed
	return it.RemainingQty(), nil
}

// rereadEntry refreshes the entry fill of it from the broker.
func (e *Engine) rereadEntry(ctx context.Context, t *tick, acct *models.ApiAccount, it *models.BatchItem) error {
	snaps, err := e.broker.FetchOrders(ctx, acct)
	if err != nil {
		return fmt.Errorf("re-reading entry %s: %w", it.EntryOrderID, err)
	}
	var snap *broker.OrderSnapshot
	for i := range snaps {
		if snaps[i].ID == it.EntryOrderID {
			snap = &snaps[i]
			break
		}
	}
	if snap == nil {
		return fmt.Errorf("entry %s missing from the broker order list: %w", it.EntryOrderID, errEntryWorking)
	}

	if snap.CumQty > it.EntryFilledQty {
		it.EntryFilledQty = snap.CumQty
		if it.EntryFilledQty > it.Qty {
			it.EntryFilledQty = it.Qty
		}
	}
	if snap.HasAvg && snap.AvgPrice.IsPositive() {
		it.EntryAvgPrice = snap.AvgPrice
	}
	if o, err := e.store.GetOrder(ctx, it.EntryOrderID); err == nil && o != nil {
		if refresh(o, *snap, t) {
			if err := e.store.UpsertOrder(ctx, o); err != nil {
				return err
			}
		}
	}
	if !snap.Status.Final() {
		return fmt.Errorf("entry %s is %s: %w", it.EntryOrderID, snap.Status, errEntryWorking)
	}
	return nil
}

func (e *Engine) closeAtEOD(ctx context.Context, t *tick, acct *models.ApiAccount, jobLogger zerolog.Logger, it *models.BatchItem) error {
	logger := itemLogger(jobLogger, it)
	from := it.Status

	remaining, err := e.prepareClose(ctx, t, acct, it)
	if errors.Is(err, errEntryWorking) {
		// Sync folds the final entry fill in on a later tick.
		logger.Info().Err(err).Msg("End-of-day close waits for the entry order")
		return nil
	}
	if err != nil {
		return err
	}
	if remaining <= 0 {
		it.Status = models.ItemClosed
		it.LastError = ""
		return e.save(ctx, logger, it, from, t.now, nil,
			event(t.now, models.LevelInfo, "EOD_NO_REMAINING", "#%d %s has no open quantity at close time", it.ID, it.Symbol))
	}

	if it.Product == models.ProductMargin && it.HoldID == "" {
		if it.LastError == eodHoldIDText {
			return nil
		}
		it.LastError = eodHoldIDText
		return e.save(ctx, logger, it, from, t.now, nil,
			event(t.now, models.LevelError, "EOD_HOLD_ID_MISSING", "#%d %s: %s", it.ID, it.Symbol, eodHoldIDText))
	}

	id, req, err := e.sendMarketExit(ctx, acct, it, remaining)
	if err != nil {
		return e.fail(ctx, logger, it, t.now, "EOD_FAILED", "end-of-day exit failed: "+err.Error())
	}

	it.Status = models.ItemEODMarketSent
	it.EODOrderID = id
	it.LastError = ""
	order := exitOrder(models.RoleEOD, id, req, broker.ExitMarket, it.HoldID, t)
	logging.LogOrder(logger, string(models.RoleEOD), id, it.Symbol, string(order.Side), string(models.OrderNew))
	return e.save(ctx, logger, it, from, t.now, []*models.Order{order},
		event(t.now, models.LevelWarn, "EOD_FORCE_CLOSE", "#%d %s market exit qty %d order=%s", it.ID, it.Symbol, remaining, id))
}

// sendMarketExit places a market order closing qty of the item.
func (e *Engine) sendMarketExit(ctx context.Context, acct *models.ApiAccount, it *models.BatchItem, qty int) (string, broker.SendOrderRequest, error) {
	req, err := broker.NewExitOrder(it, broker.ExitMarket, qty, decimal.Zero, it.HoldID)
	if err != nil {
		return "", req, err
	}
	id, _, err := e.broker.PlaceOrder(ctx, acct, req)
	return id, req, err
}

// settleExits closes items whose end-of-day or manual exit has filled.
func (e *Engine) settleExits(ctx context.Context, t *tick) error {
	items, err := e.store.ListItems(ctx, store.ItemFilter{
		Statuses:    []models.ItemStatus{models.ItemEODMarketSent},
		JobStatuses: positionJobs,
	})
	if err != nil || len(items) == 0 {
		return err
	}

	var errs collect
	for _, it := range items {
		logger := itemLogger(t.logger, it)
		o, err := e.store.GetOrder(ctx, it.EODOrderID)
		if err != nil {
			errs.add(err)
			continue
		}
		if o == nil {
			continue
		}
		label := "end-of-day"
		if o.Role == models.RoleManual {
			label = "manual"
		}

		switch o.Status {
		case models.OrderFilled:
			it.Status = models.ItemClosed
			it.ClosedQty = it.EntryFilledQty
			it.LastError = ""
			errs.add(e.save(ctx, logger, it, models.ItemEODMarketSent, t.now, nil,
				event(t.now, models.LevelInfo, "EOD_FILLED", "#%d %s %s exit filled %d @ %s", it.ID, it.Symbol, label, o.CumQty, displayPrice(o.AvgPrice))))
		case models.OrderCancelled:
			it.ClosedQty = closedAfter(it, o)
			errs.add(e.fail(ctx, logger, it, t.now, "EOD_FAILED",
				fmt.Sprintf("%s exit %s was cancelled by the broker after %d filled", label, o.APIOrderID, o.CumQty)))
		}
	}
	return errs.err()
}

// closeManually sends a market exit for an operator. Unlike the
// end-of-day path, a margin item without hold id is refused outright.
func (e *Engine) closeManually(ctx context.Context, acct *models.ApiAccount, it *models.BatchItem, now time.Time) error {
	t := &tick{now: now, logger: e.logger}
	logger := itemLogger(e.logger, it)
	from := it.Status

	if it.Product == models.ProductMargin && it.HoldID == "" {
		return fmt.Errorf("item %d: %w", it.ID, apperrors.ErrHoldIDMissing)
	}

	remaining, err := e.prepareClose(ctx, t, acct, it)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		it.Status = models.ItemClosed
		it.LastError = ""
		return e.save(ctx, logger, it, from, now, nil,
			event(now, models.LevelInfo, "MANUAL_CLOSE", "#%d %s closed manually with no open quantity", it.ID, it.Symbol))
	}

	id, req, err := e.sendMarketExit(ctx, acct, it, remaining)
	if err != nil {
		// The bracket is already cancelled, so the item cannot stay as it was.
		if ferr := e.fail(ctx, logger, it, now, "MANUAL_CLOSE_FAILED", "manual exit failed: "+err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("Failed to record manual close failure")
		}
		return fmt.Errorf("manual exit for item %d: %w", it.ID, err)
	}

	it.Status = models.ItemEODMarketSent
	it.EODOrderID = id
	it.LastError = ""
	order := exitOrder(models.RoleManual, id, req, broker.ExitMarket, it.HoldID, t)
	logging.LogOrder(logger, string(models.RoleManual), id, it.Symbol, string(order.Side), string(models.OrderNew))
	return e.save(ctx, logger, it, from, now, []*models.Order{order},
		event(now, models.LevelWarn, "MANUAL_CLOSE", "#%d %s manual market exit qty %d order=%s", it.ID, it.Symbol, remaining, id))
}
