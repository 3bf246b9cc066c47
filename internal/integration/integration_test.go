// Package integration drives the engine end to end: a simulated broker
// behind the real HTTP client, the SQLite store, and the HTTP bridge.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"kabu-trader/internal/api"
	"kabu-trader/internal/broker"
	"kabu-trader/internal/config"
	"kabu-trader/internal/models"
	"kabu-trader/internal/notify"
	"kabu-trader/internal/security"
	"kabu-trader/internal/store"
	"kabu-trader/internal/trading"
	"kabu-trader/pkg/utils"
)

type stack struct {
	paper    *broker.PaperServer
	paperURL string
	engine   *trading.Engine
	bridge   *httptest.Server
	store    *store.SQLiteStore
}

func newStack(t *testing.T, cfg config.EngineConfig) *stack {
	t.Helper()

	paper := broker.NewPaperServer(broker.PaperConfig{Password: "pw", Prefix: "/kabusapi"})
	paperSrv := httptest.NewServer(paper.Handler())
	t.Cleanup(paperSrv.Close)

	dir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(dir, "engine.db"), store.Options{})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	audit, err := security.NewAuditLogger(security.DefaultAuditConfig(filepath.Join(dir, "audit.log")))
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	client := broker.NewClient(broker.Config{Timeout: 2 * time.Second, RatePerSecond: 1000, Burst: 100}, zerolog.Nop(), audit)
	fixed := time.Date(2026, 10, 15, 10, 0, 0, 0, utils.TokyoLocation)
	eng, err := trading.New(trading.Options{
		Store:    st,
		Broker:   client,
		Cipher:   security.NewPasswordCipher("master"),
		Audit:    audit,
		Notifier: notify.NewNoOpNotifier(),
		Logger:   zerolog.Nop(),
		Config:   cfg,
		Clock:    func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("trading.New: %v", err)
	}

	bridge := httptest.NewServer(api.NewServer(eng, config.APIConfig{}, zerolog.Nop()).Handler())
	t.Cleanup(bridge.Close)

	return &stack{paper: paper, paperURL: paperSrv.URL + "/kabusapi", engine: eng, bridge: bridge, store: st}
}

// call posts or gets JSON on the bridge and decodes the envelope data into out.
func (s *stack) call(t *testing.T, method, path string, in, out interface{}) int {
	t.Helper()
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			t.Fatalf("encoding request: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.bridge.URL+path, &body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *api.Error      `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding %s %s: %v", method, path, err)
	}
	if env.Success && out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decoding data of %s %s: %v", method, path, err)
		}
	}
	if !env.Success {
		t.Logf("%s %s -> %d %+v", method, path, resp.StatusCode, env.Error)
	}
	return resp.StatusCode
}

func (s *stack) saveAccount(t *testing.T) {
	t.Helper()
	code := s.call(t, http.MethodPost, "/api/accounts", map[string]interface{}{
		"name": "paper", "base_url": s.paperURL, "password": "pw",
	}, nil)
	if code != http.StatusCreated {
		t.Fatalf("save account status = %d", code)
	}
}

func (s *stack) card(t *testing.T, itemID int64) notify.Card {
	t.Helper()
	var update notify.StatusUpdate
	if code := s.call(t, http.MethodGet, "/api/status", nil, &update); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	for _, c := range update.Cards {
		if c.ItemID == itemID {
			return c
		}
	}
	t.Fatalf("item %d not in status", itemID)
	return notify.Card{}
}

func TestBridge_SubmitTickAndClose(t *testing.T) {
	s := newStack(t, config.EngineConfig{})
	s.saveAccount(t)
	s.paper.SetPrice("7203", decimal.NewFromInt(1000))
	s.paper.SetPrice("6758", decimal.NewFromInt(3000))

	acct, err := s.store.ActiveAccount(context.Background())
	if err != nil || !security.IsSealed(acct.Password) {
		t.Fatalf("stored password must be sealed: %v", err)
	}

	var created struct {
		JobID int64  `json:"job_id"`
		Code  string `json:"code"`
	}
	code := s.call(t, http.MethodPost, "/api/batches", map[string]interface{}{
		"name": "open",
		"legs": []map[string]interface{}{
			{"symbol": "7203", "product": "margin", "side": "buy", "qty": 100, "tp_offset": "10", "sl_offset": "5"},
			{"symbol": "6758", "side": "sell", "qty": 100, "tp_offset": "30", "sl_offset": "15"},
		},
	}, &created)
	if code != http.StatusCreated || created.Code != "20261015-100000" {
		t.Fatalf("submit: status=%d created=%+v", code, created)
	}

	var report trading.TickReport
	if code := s.call(t, http.MethodPost, "/api/tick", nil, &report); code != http.StatusOK {
		t.Fatalf("tick status = %d", code)
	}
	if len(report.Steps) != 6 {
		t.Errorf("steps = %d, want 6", len(report.Steps))
	}

	items, err := s.store.ListItems(context.Background(), store.ItemFilter{JobID: created.JobID})
	if err != nil || len(items) != 2 {
		t.Fatalf("ListItems: %d %v", len(items), err)
	}
	margin, cash := items[0], items[1]

	c := s.card(t, margin.ID)
	if c.Status != models.ItemBracketSent || c.HoldID == "" || !c.CanManualClose {
		t.Fatalf("margin card = %+v", c)
	}
	c = s.card(t, cash.ID)
	if c.Status != models.ItemBracketSent || c.Side != models.SideSell {
		t.Fatalf("cash card = %+v", c)
	}

	// Take-profit of the margin buy.
	s.paper.SetPrice("7203", decimal.NewFromInt(1010))

	if code := s.call(t, http.MethodPost, "/api/items/"+itoa(cash.ID)+"/close", nil, nil); code != http.StatusOK {
		t.Fatalf("manual close status = %d", code)
	}
	s.call(t, http.MethodPost, "/api/tick", nil, nil)

	if c := s.card(t, margin.ID); c.Status != models.ItemClosed || c.ClosedQty != 100 {
		t.Errorf("margin card after TP = %+v", c)
	}
	if c := s.card(t, cash.ID); c.Status != models.ItemClosed {
		t.Errorf("cash card after manual close = %+v", c)
	}

	// Closing again is refused with a conflict.
	if code := s.call(t, http.MethodPost, "/api/items/"+itoa(cash.ID)+"/close", nil, nil); code != http.StatusConflict {
		t.Errorf("second close status = %d, want 409", code)
	}

	var events []models.EventLog
	s.call(t, http.MethodGet, "/api/events?job="+itoa(created.JobID)+"&limit=200", nil, &events)
	var done bool
	for _, ev := range events {
		if ev.Type == "BATCH_DONE" {
			done = true
		}
	}
	if !done {
		t.Errorf("no BATCH_DONE among %d events", len(events))
	}
}

func TestBridge_ScheduledCancelAndClear(t *testing.T) {
	s := newStack(t, config.EngineConfig{})
	s.saveAccount(t)

	var created struct {
		JobID int64 `json:"job_id"`
	}
	s.call(t, http.MethodPost, "/api/batches", map[string]interface{}{
		"run_mode":     "scheduled",
		"scheduled_at": "2026-10-15T14:00:00+09:00",
		"legs": []map[string]interface{}{
			{"symbol": "7203", "side": "buy", "qty": 100, "tp_offset": "10", "sl_offset": "5"},
			{"symbol": "6758", "side": "buy", "qty": 100, "tp_offset": "10", "sl_offset": "5"},
		},
	}, &created)
	if created.JobID == 0 {
		t.Fatal("scheduled batch not created")
	}

	s.call(t, http.MethodPost, "/api/tick", nil, nil)
	if n := len(s.paper.Received()); n != 0 {
		t.Fatalf("orders sent before start = %d", n)
	}

	items, _ := s.store.ListItems(context.Background(), store.ItemFilter{JobID: created.JobID})
	if c := s.card(t, items[0].ID); !c.CanCancelScheduled {
		t.Fatalf("card = %+v, want cancellable", c)
	}
	if code := s.call(t, http.MethodPost, "/api/items/"+itoa(items[0].ID)+"/cancel", nil, nil); code != http.StatusOK {
		t.Fatalf("cancel status = %d", code)
	}

	var cleared struct {
		Cancelled int `json:"cancelled"`
	}
	s.call(t, http.MethodPost, "/api/batches/clear", nil, &cleared)
	if cleared.Cancelled != 1 {
		t.Errorf("cleared = %d, want 1", cleared.Cancelled)
	}

	job, err := s.store.GetJob(context.Background(), created.JobID)
	if err != nil || job.Status != models.JobCancelled {
		t.Errorf("job = %+v, %v; want CANCELLED", job, err)
	}
}

func TestRunLoop_StreamsStatus(t *testing.T) {
	s := newStack(t, config.EngineConfig{Interval: 20 * time.Millisecond})
	s.saveAccount(t)
	s.paper.SetPrice("7203", decimal.NewFromInt(1000))
	s.call(t, http.MethodPost, "/api/batches", map[string]interface{}{
		"legs": []map[string]interface{}{
			{"symbol": "7203", "side": "buy", "qty": 100, "tp_offset": "10", "sl_offset": "5"},
		},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.bridge.URL+"/api/status/stream", nil)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.engine.Run(gctx) })

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var bracketed bool
	for !bracketed && scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var update notify.StatusUpdate
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &update); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		for _, c := range update.Cards {
			if c.Status == models.ItemBracketSent {
				bracketed = true
			}
		}
	}
	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		t.Errorf("Run: %v", err)
	}
	if !bracketed {
		t.Fatalf("never saw a bracketed item: %v", scanner.Err())
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
