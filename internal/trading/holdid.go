package trading

import (
	"context"
	"fmt"
	"strings"

	"kabu-trader/internal/broker"
	"kabu-trader/internal/models"
	"kabu-trader/internal/store"
)

const holdIDUnresolved = "hold id unresolved: "

// holdCandidates are the item states that may receive a hold id.
var holdCandidates = []models.ItemStatus{
	models.ItemEntryPartial, models.ItemEntryFilled, models.ItemEntryFilledWaitPrice, models.ItemBracketSent,
}

// holdMatch is the result of matching positions to items.
type holdMatch struct {
	Assign    map[int64]broker.PositionSnapshot // item id -> position
	Unmatched map[int64]string                  // item id -> reason
	Invalid   []broker.PositionSnapshot
}

// matchHoldIDs pairs positions with items. A pair is made only when the
// item is the single candidate whose outstanding quantity equals the
// position quantity, and the position is the single one doing so for the
// item. Everything else is reported, never guessed.
func matchHoldIDs(positions []broker.PositionSnapshot, items []*models.BatchItem, used map[string]bool) holdMatch {
	m := holdMatch{Assign: make(map[int64]broker.PositionSnapshot), Unmatched: make(map[int64]string)}

	hits := make(map[int64][]broker.PositionSnapshot)
	ambiguous := make(map[int64]string)
	notFound := make(map[int64]string)

	for _, pos := range positions {
		if !pos.ValidHoldID {
			if strings.TrimSpace(pos.HoldID) != "" {
				m.Invalid = append(m.Invalid, pos)
			}
			continue
		}
		if pos.Qty <= 0 || used[pos.HoldID] {
			continue
		}

		var same, exact []*models.BatchItem
		for _, it := range items {
			if it.Symbol != pos.Symbol || (pos.HasSide && it.Side != pos.Side) {
				continue
			}
			same = append(same, it)
			if it.RemainingQty() == pos.Qty {
				exact = append(exact, it)
			}
		}

		switch len(exact) {
		case 0:
			for _, it := range same {
				notFound[it.ID] = fmt.Sprintf("no %s position with qty %d (found %s qty %d)", it.Symbol, it.RemainingQty(), pos.HoldID, pos.Qty)
			}
		case 1:
			hits[exact[0].ID] = append(hits[exact[0].ID], pos)
		default:
			for _, it := range exact {
				ambiguous[it.ID] = fmt.Sprintf("%d items of %s match position %s qty %d", len(exact), pos.Symbol, pos.HoldID, pos.Qty)
			}
		}
	}

	for _, it := range items {
		switch {
		case ambiguous[it.ID] != "":
			m.Unmatched[it.ID] = "HOLD_ID_AMBIGUOUS:" + ambiguous[it.ID]
		case len(hits[it.ID]) > 1:
			m.Unmatched[it.ID] = fmt.Sprintf("HOLD_ID_AMBIGUOUS:%d positions of %s match qty %d", len(hits[it.ID]), it.Symbol, it.RemainingQty())
		case len(hits[it.ID]) == 1:
			m.Assign[it.ID] = hits[it.ID][0]
		case notFound[it.ID] != "":
			m.Unmatched[it.ID] = "HOLD_ID_MATCH_NOT_FOUND:" + notFound[it.ID]
		}
	}
	return m
}

// reconcileHoldIDs attaches broker hold ids to margin items that lack one.
func (e *Engine) reconcileHoldIDs(ctx context.Context, t *tick, positions []broker.PositionSnapshot) error {
	items, err := e.store.ListItems(ctx, store.ItemFilter{
		Statuses:    holdCandidates,
		JobStatuses: positionJobs,
		Product:     models.ProductMargin,
		NoHoldID:    true,
	})
	if err != nil || len(items) == 0 {
		return err
	}

	all, err := e.store.ListItems(ctx, store.ItemFilter{Product: models.ProductMargin})
	if err != nil {
		return err
	}
	used := make(map[string]bool)
	for _, it := range all {
		if it.HoldID != "" {
			used[it.HoldID] = true
		}
	}

	m := matchHoldIDs(positions, items, used)

	var errs collect
	for _, pos := range m.Invalid {
		errs.add(e.warnInvalidHoldID(ctx, t, pos, items))
	}

	for _, it := range items {
		logger := itemLogger(t.logger, it)
		if pos, ok := m.Assign[it.ID]; ok {
			it.HoldID = pos.HoldID
			it.LastError = ""
			errs.add(e.save(ctx, logger, it, it.Status, t.now, nil,
				event(t.now, models.LevelDebug, "HOLD_ID_ASSIGNED", "#%d %s hold id %s qty %d", it.ID, it.Symbol, pos.HoldID, pos.Qty)))
			continue
		}
		reason, ok := m.Unmatched[it.ID]
		if !ok {
			continue
		}
		typ, detail, _ := strings.Cut(reason, ":")
		msg := holdIDUnresolved + detail
		if it.LastError == msg {
			continue
		}
		it.LastError = msg
		errs.add(e.save(ctx, logger, it, it.Status, t.now, nil,
			event(t.now, models.LevelWarn, typ, "#%d %s: %s", it.ID, it.Symbol, msg)))
	}
	return errs.err()
}

// warnInvalidHoldID records a malformed position id once per hold id.
func (e *Engine) warnInvalidHoldID(ctx context.Context, t *tick, pos broker.PositionSnapshot, items []*models.BatchItem) error {
	e.warnMu.Lock()
	seen := e.warned[pos.HoldID]
	e.warned[pos.HoldID] = true
	e.warnMu.Unlock()
	if seen {
		return nil
	}

	t.logger.Warn().Str("hold_id", pos.HoldID).Str("symbol", pos.Symbol).Msg("Position has an invalid hold id")

	jobs := make(map[int64]bool)
	var errs collect
	for _, it := range items {
		if it.Symbol != pos.Symbol || jobs[it.JobID] {
			continue
		}
		jobs[it.JobID] = true
		ev := event(t.now, models.LevelWarn, "INVALID_HOLD_ID", "position of %s has invalid hold id %q", pos.Symbol, pos.HoldID)
		ev.JobID = it.JobID
		errs.add(e.store.AppendEvent(ctx, ev))
	}
	return errs.err()
}
