package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"kabu-trader/internal/config"
	"kabu-trader/internal/models"
)

func errItem(id int64, at time.Time, msg string) *models.BatchItem {
	return &models.BatchItem{ID: id, Symbol: "7203", Status: models.ItemError, LastError: msg, UpdatedAt: at}
}

// Property: an error occurrence is reported exactly once no matter how
// often the same error list is observed.
func TestProperty_ErrorReportedOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	properties.Property("repeated observation yields one report per occurrence", prop.ForAll(
		func(count int, repeats int) bool {
			items := make([]*models.BatchItem, count)
			for i := range items {
				items[i] = errItem(int64(i+1), base.Add(time.Duration(i)*time.Second), "boom")
			}
			tr := NewErrorTracker()
			reported := 0
			for r := 0; r < repeats; r++ {
				reported += len(tr.Diff(items))
			}
			return reported == count && tr.Len() == count
		},
		gen.IntRange(0, 30),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestErrorTracker_PrimeSuppressesExisting(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tr := NewErrorTracker()
	tr.Prime([]*models.BatchItem{errItem(1, at, "old")})

	fresh := tr.Diff([]*models.BatchItem{errItem(1, at, "old"), errItem(2, at, "new")})
	if len(fresh) != 1 || fresh[0].ID != 2 {
		t.Fatalf("expected only item 2, got %+v", fresh)
	}

	// Same item failing again later is a new occurrence.
	fresh = tr.Diff([]*models.BatchItem{errItem(1, at.Add(time.Minute), "again"), errItem(2, at, "new")})
	if len(fresh) != 1 || fresh[0].ID != 1 {
		t.Fatalf("expected re-reported item 1, got %+v", fresh)
	}
}

func TestErrorTracker_PrunesResolved(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tr := NewErrorTracker()
	tr.Diff([]*models.BatchItem{errItem(1, at, "x"), errItem(2, at, "y")})
	tr.Diff([]*models.BatchItem{errItem(2, at, "y")})
	if tr.Len() != 1 {
		t.Fatalf("expected 1 key after prune, got %d", tr.Len())
	}
}

func TestToast(t *testing.T) {
	at := time.Now()
	if Toast(nil) != "" {
		t.Fatal("empty list must yield empty toast")
	}

	var items []*models.BatchItem
	for i := 1; i <= 5; i++ {
		items = append(items, errItem(int64(i), at, fmt.Sprintf("err %d", i)))
	}
	got := Toast(items)
	lines := strings.Split(got, "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %q", got)
	}
	if lines[0] != "#1 7203: err 1" {
		t.Errorf("first line = %q", lines[0])
	}
	if lines[3] != "…and 2 more" {
		t.Errorf("last line = %q", lines[3])
	}

	if got := Toast(items[:3]); strings.Contains(got, "more") {
		t.Errorf("three items must not be summarised: %q", got)
	}
}

func view(status models.ItemStatus, job models.JobStatus, mode models.RunMode) models.ItemView {
	return models.ItemView{
		Item:      models.BatchItem{ID: 1, Symbol: "7203", Side: models.SideBuy, Qty: 100, Status: status},
		JobCode:   "20260302-090000",
		JobStatus: job,
		RunMode:   mode,
	}
}

func TestBuildStatus_Labels(t *testing.T) {
	tests := []struct {
		name   string
		v      models.ItemView
		entry  string
		tp     string
		sl     string
		close  bool
		cancel bool
	}{
		{"scheduled ready", view(models.ItemReady, models.JobScheduled, models.RunScheduled), LabelReady, LabelWaiting, LabelWaiting, false, true},
		{"immediate ready", view(models.ItemReady, models.JobScheduled, models.RunImmediate), LabelReady, LabelWaiting, LabelWaiting, false, false},
		{"entry sent", func() models.ItemView {
			v := view(models.ItemEntrySent, models.JobRunning, models.RunImmediate)
			v.EntryStatus = models.OrderWorking
			return v
		}(), "WORKING", LabelWaiting, LabelWaiting, false, false},
		{"wait price", func() models.ItemView {
			v := view(models.ItemEntryFilledWaitPrice, models.JobRunning, models.RunImmediate)
			v.EntryStatus = models.OrderFilled
			return v
		}(), "FILLED", LabelWaitPrice, LabelWaitPrice, true, false},
		{"bracket no sync yet", view(models.ItemBracketSent, models.JobRunning, models.RunImmediate), LabelUnsent, "NEW", "NEW", true, false},
		{"error", view(models.ItemError, models.JobError, models.RunImmediate), LabelError, LabelError, LabelError, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := BuildStatus([]models.ItemView{tt.v})[0]
			if c.Entry != tt.entry || c.TP != tt.tp || c.SL != tt.sl {
				t.Errorf("labels = %s/%s/%s, want %s/%s/%s", c.Entry, c.TP, c.SL, tt.entry, tt.tp, tt.sl)
			}
			if c.CanManualClose != tt.close {
				t.Errorf("CanManualClose = %v", c.CanManualClose)
			}
			if c.CanCancelScheduled != tt.cancel {
				t.Errorf("CanCancelScheduled = %v", c.CanCancelScheduled)
			}
		})
	}
}

func TestBuildStatus_Notional(t *testing.T) {
	v := view(models.ItemEntryFilled, models.JobRunning, models.RunImmediate)
	v.Item.EntryFilledQty = 100
	v.Item.EntryAvgPrice = decimal.RequireFromString("1000.5")
	c := BuildStatus([]models.ItemView{v})[0]
	if !c.Notional.Equal(decimal.NewFromInt(100050)) {
		t.Errorf("notional = %s", c.Notional)
	}
}

func TestHub_FanOutAndDrop(t *testing.T) {
	h := NewHub(1)
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelB()

	h.Publish(StatusUpdate{Message: "one"})
	h.Publish(StatusUpdate{Message: "two"}) // buffers are full: dropped

	if got := (<-a).Message; got != "one" {
		t.Errorf("a got %q", got)
	}
	if got := (<-b).Message; got != "one" {
		t.Errorf("b got %q", got)
	}
	if _, dropped := h.Stats(); dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("cancelled channel must be closed")
	}
	if h.Subscribers() != 1 {
		t.Errorf("subscribers = %d", h.Subscribers())
	}

	// Late subscribers receive the latest update at once.
	c, cancelC := h.Subscribe()
	defer cancelC()
	if got := (<-c).Message; got != "two" {
		t.Errorf("late subscriber got %q", got)
	}
}

func TestMultiNotifier_LevelFilterAndWebhook(t *testing.T) {
	var got []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = append(got, body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	mn := NewMultiNotifier(config.NotificationConfig{
		Enabled: true,
		Level:   string(LevelErrorsOnly),
		Webhook: config.WebhookConfig{Enabled: true, URL: srv.URL, Timeout: time.Second},
	})
	ctx := context.Background()

	if err := mn.Send(ctx, Notification{Type: NotificationInfo, Message: "skip"}); err != nil {
		t.Fatal(err)
	}
	if err := mn.Send(ctx, Notification{Type: NotificationError, Title: "Order processing error", Message: "tick: boom"}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 webhook call, got %d", len(got))
	}
	if got[0]["type"] != "error" || got[0]["message"] != "tick: boom" {
		t.Errorf("payload = %v", got[0])
	}
}

func TestTerminalNotifier_Format(t *testing.T) {
	var buf bytes.Buffer
	tn := NewTerminalNotifier(&buf)
	tn.SetColorEnabled(false)

	at := time.Date(2026, 3, 2, 14, 30, 5, 0, time.UTC)
	_ = tn.Send(context.Background(), Notification{Type: NotificationError, Title: "Order processing error", Message: "#1 7203: x\n#2 6758: y", Timestamp: at})

	out := buf.String()
	if !strings.HasPrefix(out, "[14:30:05] ERROR | Order processing error\n    #1 7203: x\n    #2 6758: y") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestFormatNotification_Colored(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	colored := FormatNotification(Notification{Type: NotificationError, Message: "boom", Timestamp: at}, true)
	if !strings.HasPrefix(colored, "\x1b[31m[09:00:00] ERROR\x1b[0m") {
		t.Errorf("colored = %q", colored)
	}
	plain := FormatNotification(Notification{Type: NotificationOrder, Message: "sent", Timestamp: at}, false)
	if plain != "[09:00:00] ORDER | sent" {
		t.Errorf("plain = %q", plain)
	}
}
