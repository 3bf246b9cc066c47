package trading

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"kabu-trader/internal/broker"
	"kabu-trader/internal/logging"
	"kabu-trader/internal/models"
	"kabu-trader/internal/store"
)

// entryPhase are the item states whose entry order is still tracked.
var entryPhase = []models.ItemStatus{
	models.ItemEntrySent, models.ItemEntryPartial, models.ItemEntryFilledWaitPrice,
}

// runSync reads the broker's orders and positions once and folds them
// into local state. A failed feed leaves the dependent state untouched
// until the next tick.
func (e *Engine) runSync(ctx context.Context, t *tick) error {
	acct, err := t.needAccount()
	if err != nil {
		open, lerr := e.store.ListOpenOrders(ctx)
		if lerr != nil {
			return lerr
		}
		if len(open) == 0 {
			return nil
		}
		return err
	}

	var (
		orders    []broker.OrderSnapshot
		positions []broker.PositionSnapshot
		ordersErr error
		posErr    error
		g         errgroup.Group
	)
	g.Go(func() error {
		orders, ordersErr = e.broker.FetchOrders(ctx, acct)
		return nil
	})
	g.Go(func() error {
		positions, posErr = e.broker.FetchPositions(ctx, acct)
		return nil
	})
	_ = g.Wait()

	var errs collect
	if ordersErr != nil {
		errs.add(fmt.Errorf("fetching orders: %w", ordersErr))
	} else {
		if err := e.store.SetLastSync(ctx, store.SyncTypeOrders, t.now); err != nil {
			errs.add(err)
		}
		errs.add(e.applyOrders(ctx, t, orders))
	}

	if posErr != nil {
		errs.add(fmt.Errorf("fetching positions: %w", posErr))
	} else {
		if err := e.store.SetLastSync(ctx, store.SyncTypePositions, t.now); err != nil {
			errs.add(err)
		}
		errs.add(e.reconcileHoldIDs(ctx, t, positions))
	}
	return errs.err()
}

// refresh copies broker-reported fields onto a local order. It reports
// whether anything the engine acts on changed.
func refresh(o *models.Order, snap broker.OrderSnapshot, t *tick) bool {
	changed := o.Status != snap.Status || o.CumQty != snap.CumQty
	o.Status = snap.Status
	o.CumQty = snap.CumQty
	if snap.HasAvg && !snap.AvgPrice.Equal(o.AvgPrice) {
		o.AvgPrice = snap.AvgPrice
		changed = true
	}
	if len(snap.Raw) > 0 {
		o.RawJSON = string(snap.Raw)
	}
	now := t.now
	o.LastSyncAt = &now
	o.UpdatedAt = t.now
	return changed
}

// applyOrders refreshes every open local order found in the snapshot and
// then advances items still in the entry phase.
func (e *Engine) applyOrders(ctx context.Context, t *tick, snaps []broker.OrderSnapshot) error {
	byID := make(map[string]broker.OrderSnapshot, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = s
	}

	open, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return err
	}

	var errs collect
	for _, o := range open {
		snap, ok := byID[o.APIOrderID]
		if !ok {
			continue
		}
		if refresh(o, snap, t) {
			logging.LogOrder(t.logger, string(o.Role), o.APIOrderID, snap.Symbol, string(o.Side), string(o.Status))
		}
		errs.add(e.store.UpsertOrder(ctx, o))
	}

	items, err := e.store.ListItems(ctx, store.ItemFilter{Statuses: entryPhase, JobStatuses: positionJobs})
	if err != nil {
		errs.add(err)
		return errs.err()
	}
	for _, it := range items {
		errs.add(e.syncEntry(ctx, t, it, byID))
	}
	return errs.err()
}

func (e *Engine) syncEntry(ctx context.Context, t *tick, it *models.BatchItem, byID map[string]broker.OrderSnapshot) error {
	if it.EntryOrderID == "" {
		return nil
	}
	order, err := e.store.GetOrder(ctx, it.EntryOrderID)
	if err != nil {
		return err
	}

	var fill entryFill
	var orders []*models.Order
	if snap, ok := byID[it.EntryOrderID]; ok {
		fill = entryFill{Status: snap.Status, CumQty: snap.CumQty, Avg: snap.AvgPrice, HasAvg: snap.HasAvg}
		// Final orders drop out of the open list; keep their row current
		// while the item still waits on them.
		if order != nil && order.Status.Final() {
			if refresh(order, snap, t) {
				orders = append(orders, order)
			}
		}
	} else if order != nil {
		fill = entryFill{Status: order.Status, CumQty: order.CumQty, Avg: order.AvgPrice, HasAvg: order.AvgPrice.IsPositive()}
	} else {
		return nil
	}

	out := applyEntryFill(it, fill)
	if !out.Changed {
		if len(orders) > 0 {
			return e.store.UpsertOrder(ctx, orders[0])
		}
		return nil
	}

	from := it.Status
	it.Status = out.Status
	it.EntryFilledQty = out.FilledQty
	it.EntryAvgPrice = out.Avg

	var events []*models.EventLog
	switch out.Event {
	case "ENTRY_FILLED":
		it.LastError = ""
		events = append(events, event(t.now, out.Level, out.Event, "#%d %s filled %d @ %s", it.ID, it.Symbol, it.EntryFilledQty, it.EntryAvgPrice))
	case "ENTRY_PRICE_UNAVAILABLE":
		events = append(events, event(t.now, out.Level, out.Event, "#%d %s filled %d but the broker reported no price", it.ID, it.Symbol, it.EntryFilledQty))
	case "ENTRY_PARTIAL":
		events = append(events, event(t.now, out.Level, out.Event, "#%d %s partially filled %d/%d", it.ID, it.Symbol, it.EntryFilledQty, it.Qty))
	case "ENTRY_CANCELLED":
		it.LastError = "entry order cancelled without fills"
		events = append(events, event(t.now, out.Level, out.Event, "#%d %s: %s", it.ID, it.Symbol, it.LastError))
	}
	return e.save(ctx, itemLogger(t.logger, it), it, from, t.now, orders, events...)
}
