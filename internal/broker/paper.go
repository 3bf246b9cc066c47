package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/models"
)

// PaperServer emulates the broker REST API in memory. It backs the
// `paper` command and the HTTP tests of the client and engine.
type PaperServer struct {
	password string
	prefix   string

	// Simulated state
	orders     map[string]*paperOrder
	orderSeq   []string
	positions  map[string]*paperPosition
	priceCache map[string]decimal.Decimal
	names      map[string]string

	// Behaviour switches
	rejected map[models.Exchange]bool
	autoFill bool

	token         string
	tokenCounter  int
	tokenRequests int
	orderCounter  int
	execCounter   int
	received      []SendOrderRequest

	mu sync.Mutex
}

type paperOrder struct {
	id       string
	req      SendOrderRequest
	state    int
	cumQty   int
	details  []paperExecution
	holdID   string
	canceled bool
}

type paperExecution struct {
	id    string
	price decimal.Decimal
	qty   int
}

type paperPosition struct {
	holdID   string
	symbol   string
	exchange models.Exchange
	side     models.Side
	qty      int
	price    decimal.Decimal
}

// PaperConfig configures a PaperServer.
type PaperConfig struct {
	// Password is the API password accepted by /token; empty accepts any.
	Password string
	// Prefix is the path the API is mounted under, e.g. "/kabusapi".
	Prefix string
	// ManualFills disables automatic execution of marketable orders.
	ManualFills bool
}

// NewPaperServer creates an empty simulated broker.
func NewPaperServer(cfg PaperConfig) *PaperServer {
	return &PaperServer{
		password:   cfg.Password,
		prefix:     strings.TrimRight(cfg.Prefix, "/"),
		orders:     make(map[string]*paperOrder),
		positions:  make(map[string]*paperPosition),
		priceCache: make(map[string]decimal.Decimal),
		names:      make(map[string]string),
		rejected:   make(map[models.Exchange]bool),
		autoFill:   !cfg.ManualFills,
	}
}

// Handler returns the HTTP surface of the simulated broker.
func (p *PaperServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+p.prefix+"/token", p.handleToken)
	mux.HandleFunc("POST "+p.prefix+"/sendorder", p.authorized(p.handleSendOrder))
	mux.HandleFunc("PUT "+p.prefix+"/cancelorder", p.authorized(p.handleCancelOrder))
	mux.HandleFunc("GET "+p.prefix+"/orders", p.authorized(p.handleOrders))
	mux.HandleFunc("GET "+p.prefix+"/positions", p.authorized(p.handlePositions))
	mux.HandleFunc("GET "+p.prefix+"/symbol/{ref}", p.authorized(p.handleSymbol))
	mux.HandleFunc("GET "+p.prefix+"/board/{ref}", p.authorized(p.handleBoard))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBrokerError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{"Code": json.Number(code), "Message": message})
}

func (p *PaperServer) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		ok := p.token != "" && r.Header.Get(apiKeyHeader) == p.token
		p.mu.Unlock()
		if !ok {
			writeBrokerError(w, http.StatusUnauthorized, "4001013", "invalid token")
			return
		}
		next(w, r)
	}
}

func (p *PaperServer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBrokerError(w, http.StatusBadRequest, "4001001", "malformed request")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenRequests++
	if p.password != "" && req.APIPassword != p.password {
		writeBrokerError(w, http.StatusBadRequest, apperrors.CodePasswordInvalid, "api password mismatch")
		return
	}
	p.tokenCounter++
	p.token = fmt.Sprintf("paper-token-%d", p.tokenCounter)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ResultCode": 0, "Token": p.token})
}

func (p *PaperServer) handleSendOrder(w http.ResponseWriter, r *http.Request) {
	var req SendOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBrokerError(w, http.StatusBadRequest, "4001001", "malformed order")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, req)

	if p.rejected[req.Exchange] {
		writeBrokerError(w, http.StatusBadRequest, apperrors.CodeInvalidExchange, "invalid exchange")
		return
	}
	if req.Qty <= 0 {
		writeBrokerError(w, http.StatusBadRequest, "4002004", "invalid quantity")
		return
	}
	var holdID string
	if req.CashMargin == cashMarginMarginClose {
		if len(req.ClosePositions) == 0 {
			writeBrokerError(w, http.StatusBadRequest, "4002010", "close position required")
			return
		}
		holdID = req.ClosePositions[0].HoldID
		pos, ok := p.positions[holdID]
		if !ok || pos.qty < req.Qty {
			writeBrokerError(w, http.StatusBadRequest, "4002011", "no closable position")
			return
		}
	}

	p.orderCounter++
	id := fmt.Sprintf("PAPER%08d", p.orderCounter)
	o := &paperOrder{id: id, req: req, state: 3, holdID: holdID}
	p.orders[id] = o
	p.orderSeq = append(p.orderSeq, id)

	if p.autoFill {
		p.tryFill(o)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"Result": 0, "OrderId": id})
}

func (p *PaperServer) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBrokerError(w, http.StatusBadRequest, "4001001", "malformed request")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[req.OrderID]
	if !ok {
		writeBrokerError(w, http.StatusBadRequest, "43", "order not found")
		return
	}
	if o.state == 5 {
		writeBrokerError(w, http.StatusBadRequest, "43", "order already finished")
		return
	}
	o.state = 5
	o.canceled = true
	writeJSON(w, http.StatusOK, map[string]interface{}{"Result": 0, "OrderId": o.id})
}

func (p *PaperServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := make([]map[string]interface{}, 0, len(p.orderSeq))
	for _, id := range p.orderSeq {
		o := p.orders[id]
		details := make([]map[string]interface{}, 0, len(o.details))
		for _, d := range o.details {
			details = append(details, map[string]interface{}{
				"RecType":     8,
				"ExecutionID": d.id,
				"Price":       json.Number(d.price.String()),
				"Qty":         d.qty,
			})
		}
		rows = append(rows, map[string]interface{}{
			"ID":       o.id,
			"State":    o.state,
			"Symbol":   o.req.Symbol,
			"Exchange": int(o.req.Exchange),
			"Side":     o.req.Side,
			"OrderQty": o.req.Qty,
			"CumQty":   o.cumQty,
			"Price":    json.Number(o.req.Price.Decimal().String()),
			"Details":  details,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (p *PaperServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.positions))
	for id := range p.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		pos := p.positions[id]
		rows = append(rows, map[string]interface{}{
			"ExecutionID": pos.holdID,
			"Symbol":      pos.symbol,
			"Exchange":    int(pos.exchange),
			"Side":        SideCode(pos.side),
			"LeavesQty":   pos.qty,
			"HoldQty":     0,
			"Price":       json.Number(pos.price.String()),
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func symbolFromRef(ref string) string {
	code, _, _ := strings.Cut(ref, "@")
	return code
}

func (p *PaperServer) handleSymbol(w http.ResponseWriter, r *http.Request) {
	code := symbolFromRef(r.PathValue("ref"))
	p.mu.Lock()
	name, ok := p.names[code]
	p.mu.Unlock()
	if !ok {
		writeBrokerError(w, http.StatusNotFound, "4002001", "symbol not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"Symbol": code, "SymbolName": name})
}

func (p *PaperServer) handleBoard(w http.ResponseWriter, r *http.Request) {
	code := symbolFromRef(r.PathValue("ref"))
	p.mu.Lock()
	price, ok := p.priceCache[code]
	p.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"Symbol": code, "CurrentPrice": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"Symbol": code, "CurrentPrice": json.Number(price.String())})
}

// tryFill executes o in full when the cached price makes it marketable.
// Caller holds p.mu.
func (p *PaperServer) tryFill(o *paperOrder) {
	if o.state == 5 {
		return
	}
	price, ok := p.getPrice(o.req.Symbol)
	if !ok {
		return
	}
	side, _ := ParseSide(o.req.Side)

	switch o.req.FrontOrderType {
	case frontOrderMarket:
	case frontOrderLimit:
		limit := o.req.Price.Decimal()
		if side == models.SideBuy && price.GreaterThan(limit) {
			return
		}
		if side == models.SideSell && price.LessThan(limit) {
			return
		}
		price = limit
	case frontOrderStop:
		if o.req.ReverseLimitOrder == nil {
			return
		}
		trigger := o.req.ReverseLimitOrder.TriggerPrice.Decimal()
		if o.req.ReverseLimitOrder.UnderOver == underOverBelow && price.GreaterThan(trigger) {
			return
		}
		if o.req.ReverseLimitOrder.UnderOver == underOverAbove && price.LessThan(trigger) {
			return
		}
	default:
		return
	}
	p.execute(o, o.req.Qty-o.cumQty, price)
}

// execute records a fill of qty at price and updates positions.
// Caller holds p.mu.
func (p *PaperServer) execute(o *paperOrder, qty int, price decimal.Decimal) {
	if qty <= 0 {
		return
	}
	if remaining := o.req.Qty - o.cumQty; qty > remaining {
		qty = remaining
	}
	p.execCounter++
	execID := fmt.Sprintf("E%014d", p.execCounter)
	o.details = append(o.details, paperExecution{id: execID, price: price, qty: qty})
	o.cumQty += qty
	if o.cumQty >= o.req.Qty {
		o.state = 5
	}

	side, _ := ParseSide(o.req.Side)
	switch o.req.CashMargin {
	case cashMarginMarginOpen:
		p.updatePosition(execID, o.req.Symbol, o.req.Exchange, side, qty, price)
	case cashMarginMarginClose:
		if pos, ok := p.positions[o.holdID]; ok {
			pos.qty -= qty
			if pos.qty <= 0 {
				delete(p.positions, o.holdID)
			}
		}
	}
}

// updatePosition opens a margin position; each execution gets its own hold id.
func (p *PaperServer) updatePosition(holdID, symbol string, ex models.Exchange, side models.Side, qty int, price decimal.Decimal) {
	p.positions[holdID] = &paperPosition{
		holdID:   holdID,
		symbol:   symbol,
		exchange: ex,
		side:     side,
		qty:      qty,
		price:    price,
	}
}

// getPrice returns cached price for a symbol.
func (p *PaperServer) getPrice(symbol string) (decimal.Decimal, bool) {
	price, ok := p.priceCache[symbol]
	return price, ok
}

// SetPrice updates the market price and executes any order it makes
// marketable.
func (p *PaperServer) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCache[symbol] = price
	if !p.autoFill {
		return
	}
	for _, id := range p.orderSeq {
		if o := p.orders[id]; o.req.Symbol == symbol {
			p.tryFill(o)
		}
	}
}

// SetSymbol registers reference data for LookupSymbol.
func (p *PaperServer) SetSymbol(code, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[code] = name
}

// RejectExchange makes /sendorder answer the invalid-exchange code for ex.
func (p *PaperServer) RejectExchange(ex models.Exchange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected[ex] = true
}

// Fill executes qty of an order at price regardless of the market.
func (p *PaperServer) Fill(orderID string, qty int, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	if o.state == 5 {
		return fmt.Errorf("order %s is finished", orderID)
	}
	p.execute(o, qty, price)
	return nil
}

// Expire ends a working order without further fills, as the exchange
// does at the close.
func (p *PaperServer) Expire(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	o.state = 5
	o.canceled = true
	return nil
}

// AddPosition injects a margin position, e.g. one opened outside the engine.
func (p *PaperServer) AddPosition(holdID, symbol string, side models.Side, qty int, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updatePosition(holdID, symbol, models.ExchangeTSE, side, qty, price)
}

// RevokeToken invalidates the issued token so the next call gets a 401.
func (p *PaperServer) RevokeToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
}

// TokenRequests returns how many times /token was called.
func (p *PaperServer) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// Received returns every /sendorder payload in arrival order.
func (p *PaperServer) Received() []SendOrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SendOrderRequest, len(p.received))
	copy(out, p.received)
	return out
}

// Cancelled reports whether orderID was cancelled or expired.
func (p *PaperServer) Cancelled(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	return ok && o.canceled
}

// Reset drops all orders, positions and tokens.
func (p *PaperServer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = make(map[string]*paperOrder)
	p.orderSeq = nil
	p.positions = make(map[string]*paperPosition)
	p.received = nil
	p.token = ""
	p.orderCounter = 0
	p.execCounter = 0
}
