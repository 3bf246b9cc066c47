package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"kabu-trader/internal/models"
	"kabu-trader/internal/security"
)

type symbolResponse struct {
	Symbol      flexString `json:"Symbol"`
	SymbolName  string     `json:"SymbolName"`
	DisplayName string     `json:"DisplayName"`
}

type boardResponse struct {
	CurrentPrice flexString `json:"CurrentPrice"`
}

// ReferenceExchange maps routing-only markets to TSE for reference queries.
func ReferenceExchange(ex models.Exchange) models.Exchange {
	if ex == models.ExchangeSOR || ex == models.ExchangeTSEPlus || ex == 0 {
		return models.ExchangeTSE
	}
	return ex
}

// LookupSymbol returns the security name and, when the board answers,
// the current price.
func (c *Client) LookupSymbol(ctx context.Context, acct *models.ApiAccount, code string, exchange models.Exchange) (*SymbolInfo, error) {
	code = security.NormalizeSymbol(code)
	if err := security.ValidateSymbol(code); err != nil {
		return nil, err
	}
	ex := ReferenceExchange(exchange)
	ref := url.PathEscape(fmt.Sprintf("%s@%d", code, int(ex)))

	var sym symbolResponse
	if err := c.call(ctx, acct, "symbol", http.MethodGet, "/symbol/"+ref, nil, &sym); err != nil {
		return nil, err
	}
	info := &SymbolInfo{Code: code, Exchange: ex, Name: sym.SymbolName}
	if info.Name == "" {
		info.Name = sym.DisplayName
	}

	var board boardResponse
	if err := c.call(ctx, acct, "board", http.MethodGet, "/board/"+ref, nil, &board); err != nil {
		c.logger.Debug().Err(err).Str("symbol", code).Msg("Board unavailable")
		return info, nil
	}
	if price, ok := parseDecimal(board.CurrentPrice); ok && price.IsPositive() {
		info.Price = price
		info.HasPrice = true
	}
	return info, nil
}
