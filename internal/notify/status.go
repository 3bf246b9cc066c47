package notify

import (
	"time"

	"github.com/shopspring/decimal"

	"kabu-trader/internal/models"
)

// Leg labels shown when a leg has no broker order yet.
const (
	LabelUnsent    = "UNSENT"
	LabelReady     = "READY"
	LabelWaiting   = "WAITING"
	LabelWaitPrice = "WAIT_PRICE"
	LabelError     = "ERROR"
)

// Card is the display projection of one item.
type Card struct {
	ItemID             int64             `json:"item_id"`
	JobID              int64             `json:"job_id"`
	JobCode            string            `json:"job_code"`
	JobStatus          models.JobStatus  `json:"job_status"`
	RunMode            models.RunMode    `json:"run_mode"`
	Symbol             string            `json:"symbol"`
	Exchange           models.Exchange   `json:"exchange"`
	Product            models.Product    `json:"product"`
	Side               models.Side       `json:"side"`
	Qty                int               `json:"qty"`
	Status             models.ItemStatus `json:"status"`
	Entry              string            `json:"entry"`
	TP                 string            `json:"tp"`
	SL                 string            `json:"sl"`
	EOD                string            `json:"eod"`
	FilledQty          int               `json:"filled_qty"`
	ClosedQty          int               `json:"closed_qty"`
	AvgPrice           decimal.Decimal   `json:"avg_price"`
	Notional           decimal.Decimal   `json:"notional"`
	HoldID             string            `json:"hold_id,omitempty"`
	SentAt             *time.Time        `json:"sent_at,omitempty"`
	LastError          string            `json:"last_error,omitempty"`
	CanManualClose     bool              `json:"can_manual_close"`
	CanCancelScheduled bool              `json:"can_cancel_scheduled"`
}

// StatusUpdate is what the engine publishes after every tick.
type StatusUpdate struct {
	Cards   []Card    `json:"cards"`
	Message string    `json:"message,omitempty"`
	Toast   string    `json:"toast,omitempty"`
	TickID  string    `json:"tick_id,omitempty"`
	At      time.Time `json:"at"`
	// Stale names broker feeds not read successfully for a while.
	Stale []string `json:"stale,omitempty"`
}

func orderLabel(status models.OrderStatus, fallback string) string {
	switch status {
	case "":
		return fallback
	case models.OrderNew, models.OrderWorking, models.OrderPartial, models.OrderFilled, models.OrderCancelled:
		return string(status)
	}
	return string(models.OrderUnknown)
}

// BuildStatus projects item views into cards, keeping the input order.
func BuildStatus(views []models.ItemView) []Card {
	cards := make([]Card, 0, len(views))
	for _, v := range views {
		it := v.Item
		c := Card{
			ItemID:    it.ID,
			JobID:     it.JobID,
			JobCode:   v.JobCode,
			JobStatus: v.JobStatus,
			RunMode:   v.RunMode,
			Symbol:    it.Symbol,
			Exchange:  it.Exchange,
			Product:   it.Product,
			Side:      it.Side,
			Qty:       it.Qty,
			Status:    it.Status,
			Entry:     orderLabel(v.EntryStatus, LabelUnsent),
			TP:        orderLabel(v.TPStatus, LabelWaiting),
			SL:        orderLabel(v.SLStatus, LabelWaiting),
			EOD:       orderLabel(v.EODStatus, "-"),
			FilledQty: it.EntryFilledQty,
			ClosedQty: it.ClosedQty,
			AvgPrice:  it.EntryAvgPrice,
			Notional:  it.EntryAvgPrice.Mul(decimal.NewFromInt(int64(it.EntryFilledQty))),
			HoldID:    it.HoldID,
			SentAt:    v.EntrySentAt,
			LastError: it.LastError,

			CanManualClose:     it.Status.ManuallyClosable(),
			CanCancelScheduled: v.RunMode == models.RunScheduled && v.JobStatus == models.JobScheduled && it.Status == models.ItemReady,
		}

		switch it.Status {
		case models.ItemReady:
			c.Entry = LabelReady
			c.TP, c.SL = LabelWaiting, LabelWaiting
		case models.ItemEntrySent, models.ItemEntryPartial, models.ItemEntryFilled:
			c.TP, c.SL = LabelWaiting, LabelWaiting
		case models.ItemEntryFilledWaitPrice:
			c.TP, c.SL = LabelWaitPrice, LabelWaitPrice
		case models.ItemBracketSent:
			c.TP = orderLabel(v.TPStatus, string(models.OrderNew))
			c.SL = orderLabel(v.SLStatus, string(models.OrderNew))
		case models.ItemError:
			c.Entry, c.TP, c.SL = LabelError, LabelError, LabelError
		}
		cards = append(cards, c)
	}
	return cards
}
