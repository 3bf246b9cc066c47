package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"kabu-trader/internal/models"
	"kabu-trader/internal/resilience"
)

// OrderSnapshot is one row of GET /orders reduced to what sync needs.
type OrderSnapshot struct {
	ID       string
	Symbol   string
	Side     models.Side
	State    string
	Status   models.OrderStatus
	OrderQty int
	CumQty   int
	AvgPrice decimal.Decimal
	HasAvg   bool
	Raw      json.RawMessage
}

// PositionSnapshot is one row of GET /positions.
type PositionSnapshot struct {
	Symbol      string
	Side        models.Side
	HasSide     bool
	HoldID      string
	ValidHoldID bool
	Qty         int
	Price       decimal.Decimal
	Exchange    models.Exchange
}

type rawDetail struct {
	RecType        flexString `json:"RecType"`
	ExecutionID    flexString `json:"ExecutionID"`
	Price          flexString `json:"Price"`
	ExecutionPrice flexString `json:"ExecutionPrice"`
	RecPrice       flexString `json:"RecPrice"`
	Qty            flexString `json:"Qty"`
	ExecutionQty   flexString `json:"ExecutionQty"`
	RecQty         flexString `json:"RecQty"`
}

type rawOrder struct {
	ID         flexString  `json:"ID"`
	State      flexString  `json:"State"`
	OrderState flexString  `json:"OrderState"`
	Symbol     flexString  `json:"Symbol"`
	Side       flexString  `json:"Side"`
	OrderQty   flexString  `json:"OrderQty"`
	CumQty     flexString  `json:"CumQty"`
	Price      flexString  `json:"Price"`
	Details    []rawDetail `json:"Details"`
}

type rawPosition struct {
	HoldID      flexString `json:"HoldID"`
	HoldId      flexString `json:"HoldId"`
	ExecutionID flexString `json:"ExecutionID"`
	ExecutionId flexString `json:"ExecutionId"`
	Symbol      flexString `json:"Symbol"`
	Side        flexString `json:"Side"`
	LeavesQty   flexString `json:"LeavesQty"`
	HoldQty     flexString `json:"HoldQty"`
	Qty         flexString `json:"Qty"`
	Price       flexString `json:"Price"`
	Exchange    flexString `json:"Exchange"`
}

func firstNonEmpty(values ...flexString) string {
	for _, v := range values {
		if s := strings.TrimSpace(string(v)); s != "" {
			return s
		}
	}
	return ""
}

func parseDecimal(s flexString) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(string(s))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// parseQty accepts integral values written as "100", 100 or 100.0.
func parseQty(s flexString) (int, bool) {
	d, ok := parseDecimal(s)
	if !ok {
		return 0, false
	}
	return int(d.IntPart()), true
}

// MapOrderState converts the broker state code into an order status.
// orderQty <= 0 means the quantity is unknown.
func MapOrderState(state string, cumQty, orderQty int) models.OrderStatus {
	switch strings.TrimSpace(state) {
	case "1", "2":
		return models.OrderWorking
	case "3", "4":
		if cumQty > 0 {
			return models.OrderPartial
		}
		return models.OrderWorking
	case "5":
		if orderQty > 0 && cumQty >= orderQty {
			return models.OrderFilled
		}
		if orderQty <= 0 && cumQty > 0 {
			return models.OrderFilled
		}
		return models.OrderCancelled
	case "6", "7":
		return models.OrderCancelled
	}
	return models.OrderUnknown
}

// averageFillPrice weights execution details by quantity and falls back
// to the order-level price once something has filled.
func averageFillPrice(o rawOrder, cumQty int) (decimal.Decimal, bool) {
	total := decimal.Zero
	qty := decimal.Zero
	for _, d := range o.Details {
		if d.RecType != "8" && d.ExecutionID == "" {
			continue
		}
		price, ok := parseDecimal(flexString(firstNonEmpty(d.Price, d.ExecutionPrice, d.RecPrice)))
		if !ok || !price.IsPositive() {
			continue
		}
		q, ok := parseDecimal(flexString(firstNonEmpty(d.Qty, d.ExecutionQty, d.RecQty)))
		if !ok || !q.IsPositive() {
			continue
		}
		total = total.Add(price.Mul(q))
		qty = qty.Add(q)
	}
	if qty.IsPositive() {
		return total.Div(qty), true
	}
	if cumQty > 0 {
		if price, ok := parseDecimal(o.Price); ok && price.IsPositive() {
			return price, true
		}
	}
	return decimal.Zero, false
}

func parseOrders(body []byte) ([]OrderSnapshot, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, err
	}
	out := make([]OrderSnapshot, 0, len(raws))
	for _, raw := range raws {
		var o rawOrder
		if err := json.Unmarshal(raw, &o); err != nil {
			continue
		}
		id := strings.TrimSpace(string(o.ID))
		if id == "" {
			continue
		}
		state := firstNonEmpty(o.State, o.OrderState)
		orderQty, _ := parseQty(o.OrderQty)
		cumQty, _ := parseQty(o.CumQty)
		avg, hasAvg := averageFillPrice(o, cumQty)
		side, _ := ParseSide(string(o.Side))

		out = append(out, OrderSnapshot{
			ID:       id,
			Symbol:   string(o.Symbol),
			Side:     side,
			State:    state,
			Status:   MapOrderState(state, cumQty, orderQty),
			OrderQty: orderQty,
			CumQty:   cumQty,
			AvgPrice: avg,
			HasAvg:   hasAvg,
			Raw:      raw,
		})
	}
	return out, nil
}

func parsePositions(body []byte) ([]PositionSnapshot, error) {
	var raws []rawPosition
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, err
	}
	out := make([]PositionSnapshot, 0, len(raws))
	for _, p := range raws {
		holdID := firstNonEmpty(p.HoldID, p.HoldId, p.ExecutionID, p.ExecutionId)
		qty := 0
		for _, v := range []flexString{p.LeavesQty, p.HoldQty, p.Qty} {
			if q, ok := parseQty(v); ok {
				qty = q
				break
			}
		}
		side, hasSide := ParseSide(string(p.Side))
		price, _ := parseDecimal(p.Price)
		ex, _ := parseQty(p.Exchange)

		out = append(out, PositionSnapshot{
			Symbol:      string(p.Symbol),
			Side:        side,
			HasSide:     hasSide,
			HoldID:      holdID,
			ValidHoldID: ValidHoldID(holdID),
			Qty:         qty,
			Price:       price,
			Exchange:    models.Exchange(ex),
		})
	}
	return out, nil
}

// FetchOrders returns the broker order list. On failure the slice is
// empty and the error says why; an empty result never means "done".
func (c *Client) FetchOrders(ctx context.Context, acct *models.ApiAccount) ([]OrderSnapshot, error) {
	out, err := resilience.ExecuteWithResult(ctx, c.breaker, func(ctx context.Context) ([]OrderSnapshot, error) {
		var body json.RawMessage
		if err := c.call(ctx, acct, "orders", http.MethodGet, "/orders", nil, &body); err != nil {
			return nil, err
		}
		return parseOrders(body)
	})
	if err != nil {
		return []OrderSnapshot{}, err
	}
	return out, nil
}

// FetchPositions returns open margin positions.
func (c *Client) FetchPositions(ctx context.Context, acct *models.ApiAccount) ([]PositionSnapshot, error) {
	out, err := resilience.ExecuteWithResult(ctx, c.breaker, func(ctx context.Context) ([]PositionSnapshot, error) {
		var body json.RawMessage
		if err := c.call(ctx, acct, "positions", http.MethodGet, "/positions?product=2", nil, &body); err != nil {
			return nil, err
		}
		return parsePositions(body)
	})
	if err != nil {
		return []PositionSnapshot{}, err
	}
	return out, nil
}
