package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kabu-trader/internal/broker"
	"kabu-trader/internal/config"
	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/models"
	"kabu-trader/internal/notify"
	"kabu-trader/internal/trading"
)

type fakeEngine struct {
	mu        sync.Mutex
	submitted []trading.Submission
	closeErr  error
	hub       *notify.Hub
}

func (f *fakeEngine) SaveAccount(ctx context.Context, name, baseURL, password string, active bool) (int64, error) {
	if name == "" {
		return 0, apperrors.ValidationErrors{apperrors.NewValidationError(0, "name", "", "name is required")}
	}
	return 7, nil
}

func (f *fakeEngine) LoadAccount(ctx context.Context) (*models.ApiAccount, error) {
	return &models.ApiAccount{ID: 7, Name: "main", BaseURL: "http://localhost:18080/kabusapi", Password: "supersecret", IsActive: true}, nil
}

func (f *fakeEngine) SubmitOrders(ctx context.Context, sub trading.Submission) (*models.BatchJob, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, sub)
	f.mu.Unlock()
	if errs := models.ValidateLegs(sub.Legs); len(errs) > 0 {
		return nil, errs
	}
	return &models.BatchJob{ID: 42, Code: "20261015-100000", Status: models.JobScheduled}, nil
}

func (f *fakeEngine) ClearOrders(ctx context.Context) (int, error) { return 3, nil }

func (f *fakeEngine) ManualClose(ctx context.Context, itemID int64) error {
	if itemID == 404 {
		return fmt.Errorf("item %d: %w", itemID, apperrors.ErrItemNotFound)
	}
	return f.closeErr
}

func (f *fakeEngine) CancelScheduled(ctx context.Context, itemID int64) error {
	return &apperrors.TransitionError{Entity: "item", ID: itemID, From: "CLOSED", To: "CANCELLED"}
}

func (f *fakeEngine) LookupSymbol(ctx context.Context, code string, exchange models.Exchange) (*broker.SymbolInfo, error) {
	return &broker.SymbolInfo{Code: code, Exchange: exchange, Name: "Toyota Motor", Price: decimal.NewFromInt(2500), HasPrice: true}, nil
}

func (f *fakeEngine) Status(ctx context.Context) (notify.StatusUpdate, error) {
	return notify.StatusUpdate{Cards: []notify.Card{{ItemID: 1, Symbol: "7203"}}}, nil
}

func (f *fakeEngine) Events(ctx context.Context, jobID int64, limit int) ([]models.EventLog, error) {
	return []models.EventLog{{JobID: jobID, Type: "BATCH_CREATED"}}, nil
}

func (f *fakeEngine) Tick(ctx context.Context) (*trading.TickReport, error) {
	return nil, apperrors.ErrTickInProgress
}

func (f *fakeEngine) Subscribe() (<-chan notify.StatusUpdate, func()) {
	return f.hub.Subscribe()
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{hub: notify.NewHub(4)}
	srv := httptest.NewServer(NewServer(eng, config.APIConfig{Listen: "127.0.0.1:0"}, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv, eng
}

func do(t *testing.T, method, url, body string) (*http.Response, Response) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding %s %s: %v", method, url, err)
	}
	return resp, out
}

func TestSubmit_CreatedAndValidation(t *testing.T) {
	srv, eng := newTestServer(t)

	body := `{"name":"morning","legs":[{"symbol":"7203","side":"buy","qty":100,"tp_offset":"10","sl_offset":"5"}]}`
	resp, out := do(t, http.MethodPost, srv.URL+"/api/batches", body)
	if resp.StatusCode != http.StatusCreated || !out.Success {
		t.Fatalf("status=%d body=%+v", resp.StatusCode, out)
	}
	if data := out.Data.(map[string]interface{}); data["job_id"].(float64) != 42 {
		t.Errorf("data = %+v", data)
	}
	if len(eng.submitted) != 1 || !eng.submitted[0].Legs[0].TPOffset.Equal(decimal.NewFromInt(10)) {
		t.Errorf("submitted = %+v", eng.submitted)
	}

	resp, out = do(t, http.MethodPost, srv.URL+"/api/batches", `{"legs":[{"symbol":"","side":"hold","qty":0,"tp_offset":"10","sl_offset":"5"}]}`)
	if resp.StatusCode != http.StatusUnprocessableEntity || out.Success {
		t.Fatalf("status=%d body=%+v", resp.StatusCode, out)
	}
	if out.Error.Code != ErrCodeValidationFailed {
		t.Errorf("code = %s", out.Error.Code)
	}
	if list, ok := out.Error.Details.([]interface{}); !ok || len(list) != 3 {
		t.Errorf("details = %+v", out.Error.Details)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/batches", `{"legs":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, eng := newTestServer(t)
	eng.closeErr = fmt.Errorf("item 5: %w", apperrors.ErrHoldIDMissing)

	tests := []struct {
		method, path string
		status       int
		code         string
	}{
		{http.MethodPost, "/api/items/404/close", http.StatusNotFound, ErrCodeNotFound},
		{http.MethodPost, "/api/items/5/close", http.StatusConflict, ErrCodeHoldIDMissing},
		{http.MethodPost, "/api/items/5/cancel", http.StatusConflict, ErrCodeInvalidState},
		{http.MethodPost, "/api/items/abc/cancel", http.StatusBadRequest, ErrCodeBadRequest},
		{http.MethodPost, "/api/tick", http.StatusConflict, ErrCodeBusy},
		{http.MethodGet, "/api/symbols/7203?exchange=XX", http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp, out := do(t, tt.method, srv.URL+tt.path, "")
			if resp.StatusCode != tt.status || out.Error == nil || out.Error.Code != tt.code {
				t.Errorf("status=%d error=%+v, want %d %s", resp.StatusCode, out.Error, tt.status, tt.code)
			}
		})
	}
}

func TestHandle_BrokerErrors(t *testing.T) {
	srv, eng := newTestServer(t)
	eng.closeErr = &apperrors.BrokerError{Op: "sendorder", HTTPStatus: 400, Code: apperrors.CodeInvalidExchange, Hint: "bad market"}

	resp, out := do(t, http.MethodPost, srv.URL+"/api/items/5/close", "")
	if resp.StatusCode != http.StatusBadGateway || out.Error.Code != ErrCodeBroker {
		t.Fatalf("status=%d error=%+v", resp.StatusCode, out.Error)
	}
	details, _ := out.Error.Details.(map[string]interface{})
	if details["hint"] != "bad market" {
		t.Errorf("details = %+v", out.Error.Details)
	}
}

func TestAccountAndQueries(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, out := do(t, http.MethodGet, srv.URL+"/api/accounts/active", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	acct := out.Data.(map[string]interface{})
	if acct["password_masked"] == "supersecret" || acct["password"] != nil {
		t.Errorf("password leaked: %+v", acct)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Error("missing request id header")
	}

	resp, out = do(t, http.MethodPost, srv.URL+"/api/accounts", `{"name":"","base_url":"http://x","password":"p"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid account status = %d (%+v)", resp.StatusCode, out.Error)
	}

	resp, out = do(t, http.MethodPost, srv.URL+"/api/batches/clear", "")
	if resp.StatusCode != http.StatusOK || out.Data.(map[string]interface{})["cancelled"].(float64) != 3 {
		t.Errorf("clear: %d %+v", resp.StatusCode, out)
	}

	_, out = do(t, http.MethodGet, srv.URL+"/api/symbols/7203?exchange=1", "")
	info := out.Data.(map[string]interface{})
	if info["name"] != "Toyota Motor" || info["exchange"].(float64) != 1 {
		t.Errorf("lookup = %+v", info)
	}

	_, out = do(t, http.MethodGet, srv.URL+"/api/events?job=9&limit=5", "")
	if events := out.Data.([]interface{}); len(events) != 1 {
		t.Errorf("events = %+v", out.Data)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/events?limit=-1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative limit status = %d", resp.StatusCode)
	}
}

func TestStatusStream(t *testing.T) {
	srv, eng := newTestServer(t)

	// Headers are only flushed with the first event, so publish from the side.
	go func() {
		for eng.hub.Subscribers() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		eng.hub.Publish(notify.StatusUpdate{Message: "tick ok", TickID: "t-1"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event:status" {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data:") {
			if !strings.Contains(line, "t-1") {
				t.Errorf("data = %q", line)
			}
			return
		}
	}
	t.Fatalf("no status event received: %v", scanner.Err())
}
