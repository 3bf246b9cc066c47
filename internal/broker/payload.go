package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/models"
)

// Broker enumerations used in order payloads.
const (
	securityTypeStock   = 1
	accountTypeSpecific = 4

	cashMarginCash        = 1
	cashMarginMarginOpen  = 2
	cashMarginMarginClose = 3

	marginTradeTypeDay = 3

	delivTypeNone    = 0
	delivTypeDeposit = 2

	fundTypeCash = "AA"

	frontOrderMarket = 10
	frontOrderLimit  = 20
	frontOrderStop   = 30

	underOverBelow = 1
	underOverAbove = 2

	afterHitMarket = 1
)

// WirePrice marshals as a bare JSON number.
type WirePrice decimal.Decimal

func (p WirePrice) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(p).String()), nil
}

func (p *WirePrice) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*p = WirePrice(d)
	return nil
}

// Decimal returns the underlying value.
func (p WirePrice) Decimal() decimal.Decimal { return decimal.Decimal(p) }

// ReverseLimitOrder carries the stop trigger of a stop order.
type ReverseLimitOrder struct {
	TriggerSec        int       `json:"TriggerSec"`
	TriggerPrice      WirePrice `json:"TriggerPrice"`
	UnderOver         int       `json:"UnderOver"`
	AfterHitOrderType int       `json:"AfterHitOrderType"`
	AfterHitPrice     WirePrice `json:"AfterHitPrice"`
}

// ClosePosition names the margin position an exit order closes.
type ClosePosition struct {
	HoldID string `json:"HoldID"`
	Qty    int    `json:"Qty"`
}

// SendOrderRequest is the body of POST /sendorder.
type SendOrderRequest struct {
	Symbol            string             `json:"Symbol"`
	Exchange          models.Exchange    `json:"Exchange"`
	SecurityType      int                `json:"SecurityType"`
	Side              string             `json:"Side"`
	CashMargin        int                `json:"CashMargin"`
	MarginTradeType   int                `json:"MarginTradeType,omitempty"`
	DelivType         int                `json:"DelivType"`
	FundType          string             `json:"FundType,omitempty"`
	AccountType       int                `json:"AccountType"`
	Qty               int                `json:"Qty"`
	ClosePositions    []ClosePosition    `json:"ClosePositions,omitempty"`
	FrontOrderType    int                `json:"FrontOrderType"`
	Price             WirePrice          `json:"Price"`
	ExpireDay         int                `json:"ExpireDay"`
	ReverseLimitOrder *ReverseLimitOrder `json:"ReverseLimitOrder,omitempty"`
}

// ExitKind selects the order type of an exit.
type ExitKind int

const (
	ExitMarket ExitKind = iota
	ExitLimit
	ExitStop
)

func (k ExitKind) String() string {
	switch k {
	case ExitMarket:
		return "market"
	case ExitLimit:
		return "limit"
	case ExitStop:
		return "stop"
	}
	return fmt.Sprintf("ExitKind(%d)", int(k))
}

// OrderType maps the exit kind to the ledger order type.
func (k ExitKind) OrderType() models.OrderType {
	switch k {
	case ExitLimit:
		return models.OrderTypeLimit
	case ExitStop:
		return models.OrderTypeStop
	}
	return models.OrderTypeMarket
}

// NewEntryOrder builds the entry order of an item.
func NewEntryOrder(item *models.BatchItem) (SendOrderRequest, error) {
	req := SendOrderRequest{
		Symbol:       item.Symbol,
		Exchange:     item.Exchange,
		SecurityType: securityTypeStock,
		Side:         SideCode(item.Side),
		AccountType:  accountTypeSpecific,
		Qty:          item.Qty,
		Price:        WirePrice(decimal.Zero),
		ExpireDay:    0,
	}

	switch item.EntryType {
	case models.EntryMarket:
		req.FrontOrderType = frontOrderMarket
	case models.EntryLimit:
		if !item.EntryPrice.IsPositive() {
			return req, fmt.Errorf("limit entry for %s has no price", item.Symbol)
		}
		req.FrontOrderType = frontOrderLimit
		req.Price = WirePrice(item.EntryPrice)
	default:
		return req, fmt.Errorf("unknown entry type %q", item.EntryType)
	}

	switch item.Product {
	case models.ProductCash:
		req.CashMargin = cashMarginCash
		req.DelivType = delivTypeDeposit
		req.FundType = fundTypeCash
	case models.ProductMargin:
		req.CashMargin = cashMarginMarginOpen
		req.MarginTradeType = marginTradeTypeDay
		req.DelivType = delivTypeNone
	default:
		return req, fmt.Errorf("unknown product %q", item.Product)
	}

	return req, nil
}

// ValidHoldID reports whether a hold id has the broker's execution-id form.
func ValidHoldID(holdID string) bool {
	return strings.HasPrefix(strings.TrimSpace(holdID), "E")
}

// NewExitOrder builds an order closing qty of item. price is the limit
// price for ExitLimit and the trigger for ExitStop; it is ignored for
// market exits. holdID is required for margin items.
func NewExitOrder(item *models.BatchItem, kind ExitKind, qty int, price decimal.Decimal, holdID string) (SendOrderRequest, error) {
	if qty <= 0 {
		return SendOrderRequest{}, fmt.Errorf("exit quantity must be positive, got %d", qty)
	}
	closeSide := item.Side.Opposite()
	req := SendOrderRequest{
		Symbol:       item.Symbol,
		Exchange:     item.Exchange,
		SecurityType: securityTypeStock,
		Side:         SideCode(closeSide),
		AccountType:  accountTypeSpecific,
		Qty:          qty,
		Price:        WirePrice(decimal.Zero),
		ExpireDay:    0,
	}

	switch item.Product {
	case models.ProductCash:
		req.CashMargin = cashMarginCash
		req.DelivType = delivTypeDeposit
		if closeSide == models.SideBuy {
			req.FundType = fundTypeCash
		}
	case models.ProductMargin:
		holdID = strings.TrimSpace(holdID)
		if holdID == "" {
			return req, apperrors.ErrHoldIDMissing
		}
		if !ValidHoldID(holdID) {
			return req, fmt.Errorf("%w: %q", apperrors.ErrInvalidHoldID, holdID)
		}
		req.CashMargin = cashMarginMarginClose
		req.MarginTradeType = marginTradeTypeDay
		req.DelivType = delivTypeNone
		req.ClosePositions = []ClosePosition{{HoldID: holdID, Qty: qty}}
	default:
		return req, fmt.Errorf("unknown product %q", item.Product)
	}

	switch kind {
	case ExitMarket:
		req.FrontOrderType = frontOrderMarket
	case ExitLimit:
		if !price.IsPositive() {
			return req, fmt.Errorf("limit exit needs a positive price")
		}
		req.FrontOrderType = frontOrderLimit
		req.Price = WirePrice(price)
	case ExitStop:
		if !price.IsPositive() {
			return req, fmt.Errorf("stop exit needs a positive trigger")
		}
		underOver := underOverBelow
		if closeSide == models.SideBuy {
			underOver = underOverAbove
		}
		req.FrontOrderType = frontOrderStop
		req.ReverseLimitOrder = &ReverseLimitOrder{
			TriggerSec:        1,
			TriggerPrice:      WirePrice(price),
			UnderOver:         underOver,
			AfterHitOrderType: afterHitMarket,
			AfterHitPrice:     WirePrice(decimal.Zero),
		}
	default:
		return req, fmt.Errorf("unknown exit kind %v", kind)
	}

	return req, nil
}

// TriggerPrice returns the stop trigger, or zero.
func (r SendOrderRequest) TriggerPrice() decimal.Decimal {
	if r.ReverseLimitOrder == nil {
		return decimal.Zero
	}
	return r.ReverseLimitOrder.TriggerPrice.Decimal()
}

// Summary returns the fields useful for diagnosing a rejection. It never
// contains credentials.
func (r SendOrderRequest) Summary() map[string]interface{} {
	s := map[string]interface{}{
		"Symbol":          r.Symbol,
		"Exchange":        int(r.Exchange),
		"Side":            r.Side,
		"Qty":             r.Qty,
		"CashMargin":      r.CashMargin,
		"DelivType":       r.DelivType,
		"FundType":        r.FundType,
		"MarginTradeType": r.MarginTradeType,
		"FrontOrderType":  r.FrontOrderType,
		"Price":           r.Price.Decimal().String(),
	}
	if r.ReverseLimitOrder != nil {
		s["TriggerPrice"] = r.ReverseLimitOrder.TriggerPrice.Decimal().String()
		s["UnderOver"] = r.ReverseLimitOrder.UnderOver
	}
	if len(r.ClosePositions) > 0 {
		ids := make([]string, len(r.ClosePositions))
		for i, cp := range r.ClosePositions {
			ids[i] = cp.HoldID
		}
		s["ClosePositions"] = ids
	}
	return s
}

// SummaryString renders Summary as compact JSON.
func (r SendOrderRequest) SummaryString() string {
	b, err := json.Marshal(r.Summary())
	if err != nil {
		return r.Symbol
	}
	return string(b)
}
