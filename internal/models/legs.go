package models

import (
	"strings"

	"github.com/shopspring/decimal"

	apperrors "kabu-trader/internal/errors"
)

// OrderLeg is one row of a submission as entered by the operator.
// Offsets are unsigned distances from the fill price.
type OrderLeg struct {
	Symbol     string          `json:"symbol"`
	Exchange   Exchange        `json:"exchange"`
	Product    Product         `json:"product"`
	Side       Side            `json:"side"`
	Qty        int             `json:"qty"`
	EntryType  EntryType       `json:"entry_type"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	TPOffset   decimal.Decimal `json:"tp_offset"`
	SLOffset   decimal.Decimal `json:"sl_offset"`
}

// Normalize trims input and applies defaults.
func (l OrderLeg) Normalize() OrderLeg {
	l.Symbol = strings.TrimSpace(l.Symbol)
	if l.Exchange == 0 {
		l.Exchange = DefaultExchange
	}
	if l.Product == "" {
		l.Product = ProductCash
	}
	if l.EntryType == "" {
		l.EntryType = EntryMarket
	}
	if l.EntryType == EntryMarket {
		l.EntryPrice = decimal.Zero
	}
	return l
}

// SignedOffsets returns the take-profit and stop-loss offsets signed by side.
func (l OrderLeg) SignedOffsets() (tp, sl decimal.Decimal) {
	tp, sl = l.TPOffset.Abs(), l.SLOffset.Abs()
	if l.Side == SideSell {
		return tp.Neg(), sl
	}
	return tp, sl.Neg()
}

var one = decimal.NewFromInt(1)

// ValidateLegs checks every leg and returns all problems found.
// Rows are numbered from 1.
func ValidateLegs(legs []OrderLeg) apperrors.ValidationErrors {
	var errs apperrors.ValidationErrors
	if len(legs) == 0 {
		return append(errs, apperrors.NewValidationError(0, "legs", 0, "at least one order leg is required"))
	}
	for i, raw := range legs {
		row := i + 1
		l := raw.Normalize()
		if l.Symbol == "" {
			errs = append(errs, apperrors.NewValidationError(row, "symbol", l.Symbol, "symbol is required"))
		}
		if !l.Exchange.Valid() {
			errs = append(errs, apperrors.NewValidationError(row, "exchange", int(l.Exchange), "unknown exchange"))
		}
		if !l.Product.Valid() {
			errs = append(errs, apperrors.NewValidationError(row, "product", l.Product, "must be cash or margin"))
		}
		if !l.Side.Valid() {
			errs = append(errs, apperrors.NewValidationError(row, "side", l.Side, "must be buy or sell"))
		}
		if !l.EntryType.Valid() {
			errs = append(errs, apperrors.NewValidationError(row, "entry_type", l.EntryType, "must be market or limit"))
		}
		if l.Qty < 1 {
			errs = append(errs, apperrors.NewValidationError(row, "qty", l.Qty, "must be 1 or more"))
		}
		if l.EntryType == EntryLimit && l.EntryPrice.LessThan(one) {
			errs = append(errs, apperrors.NewValidationError(row, "entry_price", l.EntryPrice.String(), "limit price must be 1 or more"))
		}
		if l.TPOffset.LessThan(one) {
			errs = append(errs, apperrors.NewValidationError(row, "tp_offset", l.TPOffset.String(), "take-profit offset must be 1 or more"))
		}
		if l.SLOffset.LessThan(one) {
			errs = append(errs, apperrors.NewValidationError(row, "sl_offset", l.SLOffset.String(), "stop-loss offset must be 1 or more"))
		}
	}
	return errs
}
