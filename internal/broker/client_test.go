package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/models"
)

func newTestClient(t *testing.T, cfg PaperConfig) (*Client, *PaperServer, *models.ApiAccount) {
	t.Helper()
	paper := NewPaperServer(cfg)
	srv := httptest.NewServer(paper.Handler())
	t.Cleanup(srv.Close)

	client := NewClient(Config{Timeout: 2 * time.Second, RatePerSecond: 1000, Burst: 100}, zerolog.Nop(), nil)
	acct := &models.ApiAccount{ID: 1, Name: "test", BaseURL: srv.URL + "/", Password: cfg.Password, IsActive: true}
	return client, paper, acct
}

func TestAcquireToken_CachedPerEndpoint(t *testing.T) {
	client, paper, acct := newTestClient(t, PaperConfig{Password: "secret"})
	ctx := context.Background()

	first, err := client.AcquireToken(ctx, acct)
	if err != nil {
		t.Fatalf("AcquireToken: %v", err)
	}
	second, err := client.AcquireToken(ctx, acct)
	if err != nil {
		t.Fatalf("AcquireToken: %v", err)
	}
	if first != second {
		t.Errorf("token changed without invalidation: %q vs %q", first, second)
	}
	if n := paper.TokenRequests(); n != 1 {
		t.Errorf("token requests = %d, want 1", n)
	}
}

func TestAcquireToken_WrongPasswordCarriesHint(t *testing.T) {
	client, _, acct := newTestClient(t, PaperConfig{Password: "secret"})
	acct.Password = "wrong"

	_, err := client.AcquireToken(context.Background(), acct)
	if !apperrors.Is(err, apperrors.ErrNotAuthenticated) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	var be *apperrors.BrokerError
	if !apperrors.As(err, &be) {
		t.Fatalf("expected broker error in chain, got %T", err)
	}
	if be.Code != apperrors.CodePasswordInvalid || be.Hint == "" {
		t.Errorf("code=%q hint=%q", be.Code, be.Hint)
	}
}

func TestCall_ReacquiresTokenOnce(t *testing.T) {
	client, paper, acct := newTestClient(t, PaperConfig{Password: "secret"})
	ctx := context.Background()

	if _, err := client.FetchOrders(ctx, acct); err != nil {
		t.Fatalf("FetchOrders: %v", err)
	}
	paper.RevokeToken()
	if _, err := client.FetchOrders(ctx, acct); err != nil {
		t.Fatalf("FetchOrders after revoke: %v", err)
	}
	if n := paper.TokenRequests(); n != 2 {
		t.Errorf("token requests = %d, want 2", n)
	}
}

func TestPlaceOrder_ExchangeFallback(t *testing.T) {
	client, paper, acct := newTestClient(t, PaperConfig{ManualFills: true})
	paper.RejectExchange(models.ExchangeTSE)
	paper.RejectExchange(models.ExchangeSOR)

	item := &models.BatchItem{
		Symbol: "7203", Exchange: models.ExchangeTSE, Product: models.ProductCash,
		Side: models.SideBuy, Qty: 100, EntryType: models.EntryMarket,
	}
	req, err := NewEntryOrder(item)
	if err != nil {
		t.Fatalf("NewEntryOrder: %v", err)
	}

	id, ex, err := client.PlaceOrder(context.Background(), acct, req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id == "" || ex != models.ExchangeTSEPlus {
		t.Errorf("id=%q exchange=%d, want accepted on 27", id, ex)
	}

	got := paper.Received()
	want := []models.Exchange{1, 9, 27}
	if len(got) != len(want) {
		t.Fatalf("sent %d orders, want %d", len(got), len(want))
	}
	for i, r := range got {
		if r.Exchange != want[i] {
			t.Errorf("attempt %d exchange = %d, want %d", i, r.Exchange, want[i])
		}
	}
}

func TestPlaceOrder_NonExchangeErrorStops(t *testing.T) {
	client, paper, acct := newTestClient(t, PaperConfig{ManualFills: true})

	item := &models.BatchItem{
		Symbol: "7203", Exchange: models.ExchangeTSE, Product: models.ProductMargin,
		Side: models.SideBuy, Qty: 100, EntryType: models.EntryMarket,
	}
	req, err := NewExitOrder(item, ExitMarket, 100, decimal.Zero, "E-UNKNOWN")
	if err != nil {
		t.Fatalf("NewExitOrder: %v", err)
	}

	_, _, err = client.PlaceOrder(context.Background(), acct, req)
	var oe *apperrors.OrderError
	if !apperrors.As(err, &oe) {
		t.Fatalf("expected OrderError, got %v", err)
	}
	if n := len(paper.Received()); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestCancelOrder_SwallowsApplicationRejection(t *testing.T) {
	client, paper, acct := newTestClient(t, PaperConfig{})
	paper.SetPrice("7203", decimal.NewFromInt(1000))
	ctx := context.Background()

	item := &models.BatchItem{
		Symbol: "7203", Exchange: models.ExchangeTSE, Product: models.ProductCash,
		Side: models.SideBuy, Qty: 100, EntryType: models.EntryMarket,
	}
	req, _ := NewEntryOrder(item)
	id, _, err := client.PlaceOrder(ctx, acct, req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	// The market order filled immediately; cancelling it is rejected by
	// the broker and must not surface.
	if err := client.CancelOrder(ctx, acct, id); err != nil {
		t.Errorf("CancelOrder on filled order: %v", err)
	}
	if paper.Cancelled(id) {
		t.Error("filled order reported cancelled")
	}
}

func TestCancelOrder_SurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Write([]byte(`{"ResultCode":0,"Token":"t"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"Code":500,"Message":"internal"}`))
	}))
	defer srv.Close()

	client := NewClient(Config{Timeout: time.Second, RatePerSecond: 1000, Burst: 10}, zerolog.Nop(), nil)
	acct := &models.ApiAccount{BaseURL: srv.URL, Password: "p"}

	err := client.CancelOrder(context.Background(), acct, "X1")
	if err == nil || !apperrors.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestFetchPositions_FromPaperFills(t *testing.T) {
	client, paper, acct := newTestClient(t, PaperConfig{})
	paper.SetPrice("7203", decimal.NewFromInt(1000))
	ctx := context.Background()

	item := &models.BatchItem{
		Symbol: "7203", Exchange: models.ExchangeTSE, Product: models.ProductMargin,
		Side: models.SideSell, Qty: 200, EntryType: models.EntryMarket,
	}
	req, _ := NewEntryOrder(item)
	id, _, err := client.PlaceOrder(ctx, acct, req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	orders, err := client.FetchOrders(ctx, acct)
	if err != nil {
		t.Fatalf("FetchOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != id || orders[0].Status != models.OrderFilled {
		t.Fatalf("orders = %+v", orders)
	}
	if !orders[0].AvgPrice.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("avg = %s", orders[0].AvgPrice)
	}

	positions, err := client.FetchPositions(ctx, acct)
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %+v", positions)
	}
	p := positions[0]
	if !p.ValidHoldID || p.Qty != 200 || p.Side != models.SideSell || p.Symbol != "7203" {
		t.Errorf("position = %+v", p)
	}
}

func TestFetchOrders_EmptyOnFailure(t *testing.T) {
	client := NewClient(Config{Timeout: 200 * time.Millisecond, RatePerSecond: 1000, Burst: 10}, zerolog.Nop(), nil)
	acct := &models.ApiAccount{BaseURL: "http://127.0.0.1:1", Password: "p"}

	orders, err := client.FetchOrders(context.Background(), acct)
	if err == nil {
		t.Fatal("expected an error")
	}
	if orders == nil || len(orders) != 0 {
		t.Errorf("orders = %v, want empty slice", orders)
	}
}

func TestLookupSymbol(t *testing.T) {
	client, paper, acct := newTestClient(t, PaperConfig{})
	paper.SetSymbol("7203", "TOYOTA MOTOR")
	ctx := context.Background()

	info, err := client.LookupSymbol(ctx, acct, "7203", models.ExchangeSOR)
	if err != nil {
		t.Fatalf("LookupSymbol: %v", err)
	}
	if info.Name != "TOYOTA MOTOR" || info.HasPrice || info.Exchange != models.ExchangeTSE {
		t.Errorf("info = %+v", info)
	}

	paper.SetPrice("7203", decimal.NewFromInt(2500))
	info, err = client.LookupSymbol(ctx, acct, " 7203 ", models.ExchangeTSE)
	if err != nil {
		t.Fatalf("LookupSymbol: %v", err)
	}
	if !info.HasPrice || !info.Price.Equal(decimal.NewFromInt(2500)) {
		t.Errorf("price = %s has=%v", info.Price, info.HasPrice)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := map[string]string{
		"HTTP://LocalHost:18080/kabusapi/": "http://localhost:18080/kabusapi",
		"  http://h/x//  ":                 "http://h/x",
		"http://h":                         "http://h",
	}
	for in, want := range tests {
		if got := NormalizeBaseURL(in); got != want {
			t.Errorf("NormalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
