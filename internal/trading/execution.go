package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"kabu-trader/internal/broker"
	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/logging"
	"kabu-trader/internal/models"
	"kabu-trader/internal/security"
	"kabu-trader/internal/store"
)

// payloadText renders a redacted order summary for the event log.
func payloadText(req broker.SendOrderRequest) string {
	b, err := json.Marshal(security.LogWithoutCredentials(req.Summary()))
	if err != nil {
		return req.Symbol
	}
	return string(b)
}

// runExecution sends the entry order of every READY item of a RUNNING job.
func (e *Engine) runExecution(ctx context.Context, t *tick) error {
	items, err := e.store.ListItems(ctx, store.ItemFilter{
		Statuses:    []models.ItemStatus{models.ItemReady},
		JobStatuses: []models.JobStatus{models.JobRunning},
	})
	if err != nil || len(items) == 0 {
		return err
	}

	acct, err := t.needAccount()
	if err != nil {
		return err
	}

	var errs collect
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		errs.add(e.sendEntry(ctx, t, acct, it))
	}
	return errs.err()
}

func (e *Engine) sendEntry(ctx context.Context, t *tick, acct *models.ApiAccount, it *models.BatchItem) error {
	logger := itemLogger(t.logger, it)

	req, err := broker.NewEntryOrder(it)
	if err != nil {
		return e.fail(ctx, logger, it, t.now, "ENTRY_FAILED", "entry order invalid: "+err.Error())
	}

	payload := event(t.now, models.LevelDebug, "ENTRY_PAYLOAD", "#%d %s", it.ID, payloadText(req))
	logger.Debug().Interface("payload", security.LogWithoutCredentials(req.Summary())).Msg("Sending entry order")

	orderID, exchange, err := e.broker.PlaceOrder(ctx, acct, req)
	if err != nil {
		it.Status = models.ItemError
		it.LastError = "entry order failed: " + err.Error()
		return e.save(ctx, logger, it, models.ItemReady, t.now, nil, payload,
			event(t.now, models.LevelError, "ENTRY_FAILED", "#%d %s: %s", it.ID, it.Symbol, it.LastError))
	}

	it.Status = models.ItemEntrySent
	it.EntryOrderID = orderID
	it.Exchange = exchange
	it.LastError = ""

	orderType := models.OrderTypeMarket
	if it.EntryType == models.EntryLimit {
		orderType = models.OrderTypeLimit
	}
	order := &models.Order{
		Role:       models.RoleEntry,
		APIOrderID: orderID,
		Side:       it.Side,
		Qty:        it.Qty,
		Type:       orderType,
		Price:      it.EntryPrice,
		Status:     models.OrderNew,
		SentAt:     t.now,
		UpdatedAt:  t.now,
	}

	orderLogger := logging.WithOrderID(logger, orderID)
	logging.LogOrder(orderLogger, string(models.RoleEntry), orderID, it.Symbol, string(it.Side), string(models.OrderNew))
	err = e.save(ctx, logger, it, models.ItemReady, t.now, []*models.Order{order}, payload,
		event(t.now, models.LevelInfo, "ENTRY_SENT", "#%d %s %s x%d order=%s exchange=%d",
			it.ID, it.Symbol, it.Side, it.Qty, orderID, int(exchange)))
	if apperrors.Is(err, apperrors.ErrStaleState) {
		return e.orphanedEntry(ctx, orderLogger, acct, it, order, t.now, err)
	}
	return err
}

// orphanedEntry handles an entry order placed for an item that left READY
// while the order was in flight. The order is cancelled and kept in the
// ledger so sync still tracks any fill that beat the cancel.
func (e *Engine) orphanedEntry(ctx context.Context, logger zerolog.Logger, acct *models.ApiAccount, it *models.BatchItem, order *models.Order, now time.Time, cause error) error {
	order.ItemID = it.ID
	if cerr := e.broker.CancelOrder(ctx, acct, order.APIOrderID); cerr != nil {
		logger.Error().Err(cerr).Msg("Failed to cancel orphaned entry order")
		cause = fmt.Errorf("%w; cancelling entry %s failed: %v", cause, order.APIOrderID, cerr)
	}
	if uerr := e.store.UpsertOrder(ctx, order); uerr != nil {
		cause = fmt.Errorf("%w; recording entry %s failed: %v", cause, order.APIOrderID, uerr)
	}
	ev := event(now, models.LevelError, "ENTRY_ORPHANED", "#%d %s entry %s sent after the item left READY; cancel requested",
		it.ID, it.Symbol, order.APIOrderID)
	ev.JobID = it.JobID
	if aerr := e.store.AppendEvent(ctx, ev); aerr != nil {
		logger.Warn().Err(aerr).Msg("Failed to record orphaned entry")
	}
	return cause
}
