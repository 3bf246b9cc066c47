// Package broker implements the client for the broker's REST trading API.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"kabu-trader/internal/models"
)

// API is the broker surface the execution engine depends on.
type API interface {
	AcquireToken(ctx context.Context, acct *models.ApiAccount) (string, error)
	PlaceOrder(ctx context.Context, acct *models.ApiAccount, req SendOrderRequest) (string, models.Exchange, error)
	CancelOrder(ctx context.Context, acct *models.ApiAccount, orderID string) error
	FetchOrders(ctx context.Context, acct *models.ApiAccount) ([]OrderSnapshot, error)
	FetchPositions(ctx context.Context, acct *models.ApiAccount) ([]PositionSnapshot, error)
	LookupSymbol(ctx context.Context, acct *models.ApiAccount, code string, exchange models.Exchange) (*SymbolInfo, error)
	InvalidateSession()
}

// SymbolInfo is the reference data returned for a security code.
type SymbolInfo struct {
	Code     string          `json:"code"`
	Exchange models.Exchange `json:"exchange"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	HasPrice bool            `json:"has_price"`
}

// Broker side codes.
const (
	sideSell = "1"
	sideBuy  = "2"
)

// SideCode converts an item side to the broker's code.
func SideCode(s models.Side) string {
	if s == models.SideBuy {
		return sideBuy
	}
	return sideSell
}

// ParseSide converts a broker side code; ok is false for unknown codes.
func ParseSide(code string) (models.Side, bool) {
	switch code {
	case sideBuy:
		return models.SideBuy, true
	case sideSell:
		return models.SideSell, true
	}
	return "", false
}
