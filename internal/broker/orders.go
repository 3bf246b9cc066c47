package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/models"
	"kabu-trader/internal/security"
)

type sendOrderResponse struct {
	Result  int    `json:"Result"`
	OrderID string `json:"OrderId"`
	// Some terminal versions spell the field in upper case.
	OrderIDUpper string `json:"OrderID"`
}

func (r sendOrderResponse) id() string {
	if id := strings.TrimSpace(r.OrderID); id != "" {
		return id
	}
	return strings.TrimSpace(r.OrderIDUpper)
}

type cancelOrderRequest struct {
	OrderID string `json:"OrderId"`
}

// FallbackExchanges lists the markets tried, in order, after ex is
// rejected with an invalid-exchange code.
func FallbackExchanges(ex models.Exchange) []models.Exchange {
	switch ex {
	case models.ExchangeTSE:
		return []models.Exchange{models.ExchangeSOR, models.ExchangeTSEPlus}
	case models.ExchangeSOR:
		return []models.Exchange{models.ExchangeTSEPlus, models.ExchangeTSE}
	case models.ExchangeTSEPlus:
		return []models.Exchange{models.ExchangeSOR, models.ExchangeTSE}
	}
	out := make([]models.Exchange, 0, 3)
	for _, e := range []models.Exchange{models.ExchangeTSE, models.ExchangeSOR, models.ExchangeTSEPlus} {
		if e != ex {
			out = append(out, e)
		}
	}
	return out
}

// PlaceOrder submits req and returns the broker order id together with
// the exchange that accepted it. An invalid-exchange rejection is retried
// on the fallback markets; any other failure stops the sequence.
func (c *Client) PlaceOrder(ctx context.Context, acct *models.ApiAccount, req SendOrderRequest) (string, models.Exchange, error) {
	tried := []models.Exchange{req.Exchange}
	tried = append(tried, FallbackExchanges(req.Exchange)...)

	var attempts []string
	var firstErr, lastErr error
	for i, ex := range tried {
		attempt := req
		attempt.Exchange = ex

		var resp sendOrderResponse
		err := c.call(ctx, acct, "sendorder", http.MethodPost, "/sendorder", attempt, &resp)
		if err == nil {
			id := resp.id()
			if id == "" {
				err = apperrors.ErrEmptyOrderID
			} else {
				details := security.LogWithoutCredentials(attempt.Summary())
				_ = c.audit.LogOrderPlaced(ctx, id, attempt.Symbol, details, nil)
				c.logger.Info().
					Str("order_id", id).
					Str("symbol", attempt.Symbol).
					Int("exchange", int(ex)).
					Int("attempt", i+1).
					Msg("Order accepted")
				return id, ex, nil
			}
		}

		lastErr = err
		if i == 0 {
			firstErr = err
		} else {
			attempts = append(attempts, fmt.Sprintf("ex=%d: %v", int(ex), err))
		}

		var be *apperrors.BrokerError
		if !apperrors.As(err, &be) || !be.IsExchangeRejection() {
			break
		}
		c.logger.Warn().
			Str("symbol", attempt.Symbol).
			Int("exchange", int(ex)).
			Msg("Exchange rejected, trying next market")
	}

	orderErr := &apperrors.OrderError{
		Symbol:   req.Symbol,
		Exchange: int(req.Exchange),
		Payload:  req.SummaryString(),
		Attempts: attempts,
		Err:      firstErr,
	}
	_ = c.audit.LogOrderPlaced(ctx, "", req.Symbol, security.LogWithoutCredentials(req.Summary()), orderErr)
	c.logger.Error().Err(lastErr).Str("symbol", req.Symbol).Str("payload", req.SummaryString()).Msg("Order rejected")
	return "", req.Exchange, orderErr
}

// CancelOrder asks the broker to cancel orderID. Application rejections
// (already filled, already cancelled, unknown id) are logged and
// swallowed; the next sync observes the real state.
func (c *Client) CancelOrder(ctx context.Context, acct *models.ApiAccount, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil
	}
	err := c.call(ctx, acct, "cancelorder", http.MethodPut, "/cancelorder", cancelOrderRequest{OrderID: orderID}, nil)
	_ = c.audit.LogOrderCancelled(ctx, orderID, err)
	if err == nil {
		c.logger.Info().Str("order_id", orderID).Msg("Cancel requested")
		return nil
	}
	var be *apperrors.BrokerError
	if apperrors.As(err, &be) && be.IsApplication() {
		c.logger.Warn().Err(err).Str("order_id", orderID).Msg("Cancel rejected, ignoring")
		return nil
	}
	return err
}
