package trading

import (
	"fmt"

	"github.com/shopspring/decimal"

	"kabu-trader/internal/models"
)

// BracketPrices returns the take-profit and stop-loss prices for a
// reference price and signed offsets, truncated to whole yen.
func BracketPrices(ref, tpOffset, slOffset decimal.Decimal) (tp, sl decimal.Decimal) {
	return ref.Add(tpOffset).Truncate(0), ref.Add(slOffset).Truncate(0)
}

// CheckBracket verifies the exits sit on the correct sides of ref: a long
// takes profit above and stops below, a short the reverse.
func CheckBracket(side models.Side, ref, tp, sl decimal.Decimal) error {
	if !tp.IsPositive() || !sl.IsPositive() {
		return fmt.Errorf("bracket prices must be positive (tp=%s sl=%s)", tp, sl)
	}
	switch side {
	case models.SideBuy:
		if !(tp.GreaterThan(ref) && ref.GreaterThan(sl)) {
			return fmt.Errorf("buy bracket needs tp > %s > sl (tp=%s sl=%s)", ref, tp, sl)
		}
	case models.SideSell:
		if !(tp.LessThan(ref) && ref.LessThan(sl)) {
			return fmt.Errorf("sell bracket needs tp < %s < sl (tp=%s sl=%s)", ref, tp, sl)
		}
	default:
		return fmt.Errorf("unknown side %q", side)
	}
	return nil
}

// entryFill is what the entry order reports for an item still in the
// entry phase.
type entryFill struct {
	Status models.OrderStatus
	CumQty int
	Avg    decimal.Decimal
	HasAvg bool
}

// entryOutcome is the item change an entry fill calls for.
type entryOutcome struct {
	Status    models.ItemStatus
	FilledQty int
	Avg       decimal.Decimal
	Event     string
	Level     models.EventLevel
	Changed   bool
}

// applyEntryFill maps the entry order state onto the item. Filled quantity
// and average never move backwards, and an item never leaves the entry
// phase other than forwards.
func applyEntryFill(it *models.BatchItem, f entryFill) entryOutcome {
	out := entryOutcome{Status: it.Status, FilledQty: it.EntryFilledQty, Avg: it.EntryAvgPrice}

	if f.CumQty > out.FilledQty {
		out.FilledQty = f.CumQty
	}
	if out.FilledQty > it.Qty {
		out.FilledQty = it.Qty
	}
	if f.HasAvg && f.Avg.IsPositive() {
		out.Avg = f.Avg
	}
	hasAvg := out.Avg.IsPositive()

	filled := func() {
		if hasAvg {
			out.Status = models.ItemEntryFilled
			out.Event, out.Level = "ENTRY_FILLED", models.LevelInfo
			return
		}
		out.Status = models.ItemEntryFilledWaitPrice
		if it.Status != models.ItemEntryFilledWaitPrice {
			out.Event, out.Level = "ENTRY_PRICE_UNAVAILABLE", models.LevelWarn
		}
	}

	switch f.Status {
	case models.OrderFilled:
		if out.FilledQty == 0 {
			out.FilledQty = it.Qty
		}
		filled()
	case models.OrderPartial:
		if it.Status == models.ItemEntrySent || it.Status == models.ItemEntryPartial {
			out.Status = models.ItemEntryPartial
			if out.FilledQty != it.EntryFilledQty || it.Status != models.ItemEntryPartial {
				out.Event, out.Level = "ENTRY_PARTIAL", models.LevelInfo
			}
		}
	case models.OrderCancelled:
		if out.FilledQty == 0 {
			out.Status = models.ItemError
			out.Event, out.Level = "ENTRY_CANCELLED", models.LevelError
		} else {
			filled()
		}
	default:
		// Working or unknown: only quantities may move.
		if out.FilledQty > 0 && it.Status == models.ItemEntrySent {
			out.Status = models.ItemEntryPartial
			out.Event, out.Level = "ENTRY_PARTIAL", models.LevelInfo
		}
	}

	if !it.Status.CanTransition(out.Status) {
		return entryOutcome{Status: it.Status, FilledQty: it.EntryFilledQty, Avg: it.EntryAvgPrice}
	}
	out.Changed = out.Status != it.Status || out.FilledQty != it.EntryFilledQty || !out.Avg.Equal(it.EntryAvgPrice)
	return out
}
