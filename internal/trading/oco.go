package trading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kabu-trader/internal/broker"
	"kabu-trader/internal/logging"
	"kabu-trader/internal/models"
	"kabu-trader/internal/store"
)

const (
	waitHoldIDText = "waiting for hold id"
	waitPriceText  = "waiting for fill price"
)

// runOCO places brackets for filled items and watches placed ones.
func (e *Engine) runOCO(ctx context.Context, t *tick) error {
	var errs collect
	errs.add(e.placeBrackets(ctx, t))
	errs.add(e.watchBrackets(ctx, t))
	return errs.err()
}

func (e *Engine) placeBrackets(ctx context.Context, t *tick) error {
	items, err := e.store.ListItems(ctx, store.ItemFilter{
		Statuses:    []models.ItemStatus{models.ItemEntryFilled, models.ItemEntryFilledWaitPrice},
		JobStatuses: positionJobs,
	})
	if err != nil || len(items) == 0 {
		return err
	}

	var errs collect
	closing := make(map[int64]bool)
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		if it.TPOrderID != "" || it.SLOrderID != "" {
			continue
		}
		// Past the forced close the end-of-day step owns the position.
		past, err := e.pastClose(ctx, t, it.JobID, closing)
		if err != nil {
			errs.add(err)
			continue
		}
		if past {
			continue
		}
		errs.add(e.placeBracket(ctx, t, it))
	}
	return errs.err()
}

// exitOrder records an exit order the engine placed.
func exitOrder(role models.OrderRole, id string, req broker.SendOrderRequest, kind broker.ExitKind, holdID string, t *tick) *models.Order {
	return &models.Order{
		Role:         role,
		APIOrderID:   id,
		Side:         mustSide(req.Side),
		Qty:          req.Qty,
		Type:         kind.OrderType(),
		Price:        req.Price.Decimal(),
		TriggerPrice: req.TriggerPrice(),
		HoldID:       holdID,
		Status:       models.OrderNew,
		SentAt:       t.now,
		UpdatedAt:    t.now,
	}
}

func mustSide(code string) models.Side {
	s, _ := broker.ParseSide(code)
	return s
}

func (e *Engine) placeBracket(ctx context.Context, t *tick, it *models.BatchItem) error {
	logger := itemLogger(t.logger, it)
	from := it.Status

	remaining := it.RemainingQty()
	if remaining <= 0 {
		it.Status = models.ItemClosed
		it.LastError = ""
		return e.save(ctx, logger, it, from, t.now, nil,
			event(t.now, models.LevelInfo, "OCO_NO_REMAINING", "#%d %s has nothing left to protect", it.ID, it.Symbol))
	}

	if it.Product == models.ProductMargin && it.HoldID == "" {
		// A reconciliation message is more specific; keep it.
		if it.LastError == waitHoldIDText || strings.HasPrefix(it.LastError, holdIDUnresolved) {
			return nil
		}
		it.LastError = waitHoldIDText
		return e.save(ctx, logger, it, from, t.now, nil,
			event(t.now, models.LevelWarn, "OCO_WAIT_HOLD_ID", "#%d %s: %s", it.ID, it.Symbol, waitHoldIDText))
	}

	ref := it.ReferencePrice()
	if !ref.IsPositive() {
		if it.Status == models.ItemEntryFilledWaitPrice && it.LastError == waitPriceText {
			return nil
		}
		it.Status = models.ItemEntryFilledWaitPrice
		it.LastError = waitPriceText
		return e.save(ctx, logger, it, from, t.now, nil,
			event(t.now, models.LevelWarn, "OCO_WAIT_PRICE", "#%d %s: %s", it.ID, it.Symbol, waitPriceText))
	}

	tp, sl := BracketPrices(ref, it.TPOffset, it.SLOffset)
	if err := CheckBracket(it.Side, ref, tp, sl); err != nil {
		return e.fail(ctx, logger, it, t.now, "OCO_PRICE_INVALID", err.Error())
	}

	acct, err := t.needAccount()
	if err != nil {
		return err
	}

	tpReq, err := broker.NewExitOrder(it, broker.ExitLimit, remaining, tp, it.HoldID)
	if err != nil {
		return e.fail(ctx, logger, it, t.now, "OCO_FAILED", "take-profit order invalid: "+err.Error())
	}
	slReq, err := broker.NewExitOrder(it, broker.ExitStop, remaining, sl, it.HoldID)
	if err != nil {
		return e.fail(ctx, logger, it, t.now, "OCO_FAILED", "stop-loss order invalid: "+err.Error())
	}

	tpID, tpExchange, err := e.broker.PlaceOrder(ctx, acct, tpReq)
	if err != nil {
		return e.fail(ctx, logger, it, t.now, "OCO_FAILED", "take-profit order failed: "+err.Error())
	}
	tpOrder := exitOrder(models.RoleTP, tpID, tpReq, broker.ExitLimit, it.HoldID, t)
	logging.LogOrder(logger, string(models.RoleTP), tpID, it.Symbol, string(tpOrder.Side), string(models.OrderNew))

	slID, slExchange, err := e.broker.PlaceOrder(ctx, acct, slReq)
	if err != nil {
		msg := "stop-loss order failed: " + err.Error()
		if cerr := e.broker.CancelOrder(ctx, acct, tpID); cerr != nil {
			// The take-profit may still be live; keep it linked so it is visible.
			it.TPOrderID = tpID
			msg += fmt.Sprintf("; cancelling take-profit %s failed: %v", tpID, cerr)
		} else {
			tpOrder.Status = models.OrderCancelled
			msg += fmt.Sprintf("; take-profit %s cancelled", tpID)
		}
		return e.fail(ctx, logger, it, t.now, "OCO_FAILED", msg, tpOrder)
	}
	slOrder := exitOrder(models.RoleSL, slID, slReq, broker.ExitStop, it.HoldID, t)
	logging.LogOrder(logger, string(models.RoleSL), slID, it.Symbol, string(slOrder.Side), string(models.OrderNew))

	if tpExchange != slExchange {
		return e.splitBracket(ctx, logger, acct, it, t.now, tpOrder, slOrder, tpExchange, slExchange)
	}

	it.Exchange = tpExchange
	it.Status = models.ItemBracketSent
	it.TPOrderID = tpID
	it.SLOrderID = slID
	it.LastError = ""
	return e.save(ctx, logger, it, from, t.now, []*models.Order{tpOrder, slOrder},
		event(t.now, models.LevelInfo, "OCO_SENT", "#%d %s bracket qty %d: tp %s (%s) sl %s (%s) ref %s",
			it.ID, it.Symbol, remaining, tp, tpID, sl, slID, ref))
}

// splitBracket unwinds a bracket whose legs were accepted on different
// exchanges; an OCO pair only protects the position on one market.
func (e *Engine) splitBracket(ctx context.Context, logger zerolog.Logger, acct *models.ApiAccount, it *models.BatchItem, now time.Time, tp, sl *models.Order, tpExchange, slExchange models.Exchange) error {
	msg := fmt.Sprintf("take-profit accepted on exchange %d but stop-loss on %d", int(tpExchange), int(slExchange))
	for _, o := range []*models.Order{tp, sl} {
		if err := e.broker.CancelOrder(ctx, acct, o.APIOrderID); err != nil {
			// Still possibly live; keep it linked so it is visible.
			if o.Role == models.RoleTP {
				it.TPOrderID = o.APIOrderID
			} else {
				it.SLOrderID = o.APIOrderID
			}
			msg += fmt.Sprintf("; cancelling %s %s failed: %v", o.Role, o.APIOrderID, err)
			continue
		}
		o.Status = models.OrderCancelled
		msg += fmt.Sprintf("; %s %s cancelled", o.Role, o.APIOrderID)
	}
	return e.fail(ctx, logger, it, now, "OCO_FAILED", msg, tp, sl)
}

// watchBrackets closes items whose take-profit or stop-loss has filled.
func (e *Engine) watchBrackets(ctx context.Context, t *tick) error {
	items, err := e.store.ListItems(ctx, store.ItemFilter{
		Statuses:    []models.ItemStatus{models.ItemBracketSent},
		JobStatuses: positionJobs,
	})
	if err != nil || len(items) == 0 {
		return err
	}

	var errs collect
	for _, it := range items {
		errs.add(e.watchBracket(ctx, t, it))
	}
	return errs.err()
}

// closedAfter adds an exit's fills to the closed quantity, capped at the
// filled quantity.
func closedAfter(it *models.BatchItem, exit *models.Order) int {
	cum := exit.CumQty
	if cum == 0 && exit.Status == models.OrderFilled {
		cum = exit.Qty
	}
	closed := it.ClosedQty + cum
	if closed > it.EntryFilledQty {
		closed = it.EntryFilledQty
	}
	return closed
}

func (e *Engine) watchBracket(ctx context.Context, t *tick, it *models.BatchItem) error {
	logger := itemLogger(t.logger, it)
	tp, err := e.store.GetOrder(ctx, it.TPOrderID)
	if err != nil {
		return err
	}
	sl, err := e.store.GetOrder(ctx, it.SLOrderID)
	if err != nil {
		return err
	}
	if tp == nil || sl == nil {
		logger.Warn().Str("tp", it.TPOrderID).Str("sl", it.SLOrderID).Msg("Bracket order missing from ledger")
		return nil
	}

	var filled, other *models.Order
	var typ string
	switch {
	case tp.Status == models.OrderFilled:
		filled, other, typ = tp, sl, "TP_FILLED"
	case sl.Status == models.OrderFilled:
		filled, other, typ = sl, tp, "SL_FILLED"
	case tp.Status == models.OrderCancelled && sl.Status == models.OrderCancelled:
		return e.fail(ctx, logger, it, t.now, "BRACKET_CANCELLED",
			"take-profit and stop-loss were both cancelled; position is unprotected")
	default:
		return nil
	}

	msg := fmt.Sprintf("#%d %s %s filled %d @ %s", it.ID, it.Symbol, filled.Role, filled.CumQty, displayPrice(filled.AvgPrice))
	if other.Status.Live() {
		acct, err := t.needAccount()
		if err != nil {
			return err
		}
		// The item stays BRACKET_SENT until the opposite leg is gone.
		if err := e.broker.CancelOrder(ctx, acct, other.APIOrderID); err != nil {
			return fmt.Errorf("cancelling %s %s of item %d: %w", other.Role, other.APIOrderID, it.ID, err)
		}
		msg += fmt.Sprintf("; %s %s cancelled", other.Role, other.APIOrderID)
	}

	from := it.Status
	it.ClosedQty = closedAfter(it, filled)
	it.Status = models.ItemClosed
	it.LastError = ""
	return e.save(ctx, logger, it, from, t.now, nil, event(t.now, models.LevelInfo, typ, "%s", msg))
}

func displayPrice(p decimal.Decimal) string {
	if !p.IsPositive() {
		return "-"
	}
	return p.String()
}
