package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"kabu-trader/internal/models"
	"kabu-trader/internal/notify"
	"kabu-trader/pkg/utils"
)

func TestProperty_TruncateString(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("result never exceeds the limit and keeps short input", prop.ForAll(
		func(s string, max int) bool {
			out := TruncateString(s, max)
			if utf8.RuneCountInString(out) > max {
				return false
			}
			if utf8.RuneCountInString(s) <= max {
				return out == s
			}
			return max <= 3 || strings.HasSuffix(out, "...")
		},
		gen.AnyString(),
		gen.IntRange(0, 40),
	))

	properties.Property("PadRight reaches the requested width", prop.ForAll(
		func(s string, width int) bool {
			out := PadRight(s, width)
			if len(s) >= width {
				return out == s
			}
			return len(out) == width && strings.HasPrefix(out, s)
		},
		gen.AlphaString(),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}

func TestProperty_ActiveCardsDropsFinished(t *testing.T) {
	statuses := []models.ItemStatus{
		models.ItemReady, models.ItemEntrySent, models.ItemBracketSent,
		models.ItemClosed, models.ItemCancelled, models.ItemError,
	}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("closed and cancelled items are hidden, order kept", prop.ForAll(
		func(picked []models.ItemStatus) bool {
			cards := make([]notify.Card, len(picked))
			var want []int64
			for i, s := range picked {
				cards[i] = notify.Card{ItemID: int64(i + 1), Status: s}
				if s != models.ItemClosed && s != models.ItemCancelled {
					want = append(want, int64(i+1))
				}
			}
			got := activeCards(cards)
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i].ItemID != want[i] {
					return false
				}
			}
			// The input slice is left intact.
			return len(cards) == len(picked)
		},
		gen.SliceOf(gen.IntRange(0, len(statuses)-1).Map(func(i int) models.ItemStatus { return statuses[i] })),
	))

	properties.TestingRun(t)
}

func TestReadSubmission(t *testing.T) {
	t.Run("bare array", func(t *testing.T) {
		sub, err := readSubmission(strings.NewReader(`[
			{"symbol":"7203","side":"buy","qty":100,"tp_offset":"10","sl_offset":"5"},
			{"symbol":"6758","exchange":27,"product":"margin","side":"sell","qty":200,"entry_type":"limit","entry_price":"3100","tp_offset":"20","sl_offset":"10"}
		]`))
		if err != nil {
			t.Fatalf("readSubmission: %v", err)
		}
		if len(sub.Legs) != 2 || sub.Name != "" {
			t.Fatalf("sub = %+v", sub)
		}
		second := sub.Legs[1]
		if second.Exchange != models.Exchange(27) || second.Product != models.ProductMargin || !second.EntryPrice.Equal(decimal.NewFromInt(3100)) {
			t.Errorf("second leg = %+v", second)
		}
	})

	t.Run("full object", func(t *testing.T) {
		sub, err := readSubmission(strings.NewReader(`{"name":"open","run_mode":"scheduled","eod_close_time":"14:50","eod_force_close":false,
			"legs":[{"symbol":"7203","side":"buy","qty":100,"tp_offset":"10","sl_offset":"5"}]}`))
		if err != nil {
			t.Fatalf("readSubmission: %v", err)
		}
		if sub.Name != "open" || sub.RunMode != models.RunScheduled || sub.EODCloseTime != "14:50" {
			t.Errorf("sub = %+v", sub)
		}
		if sub.EODForceClose == nil || *sub.EODForceClose {
			t.Errorf("eod_force_close = %v", sub.EODForceClose)
		}
	})

	for _, bad := range []string{"", "   ", "{", `[{"qty":"many"}]`} {
		if _, err := readSubmission(strings.NewReader(bad)); err == nil {
			t.Errorf("readSubmission(%q) succeeded", bad)
		}
	}
}

func TestParseScheduledAt(t *testing.T) {
	loc := utils.TokyoLocation
	want := time.Date(2026, 10, 16, 9, 0, 0, 0, loc)

	for _, in := range []string{"2026-10-16 09:00", "2026-10-16T09:00", "2026-10-16 09:00:00", "2026-10-16T00:00:00Z"} {
		got, err := parseScheduledAt(in, loc)
		if err != nil {
			t.Errorf("parseScheduledAt(%q): %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("parseScheduledAt(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parseScheduledAt("tomorrow 9am", loc); err == nil {
		t.Error("expected an error for free text")
	}
}

func TestParseQuotes(t *testing.T) {
	got, err := parseQuotes([]string{"7203=2500", " 6758 = 3100.5"})
	if err != nil {
		t.Fatalf("parseQuotes: %v", err)
	}
	if got["7203"] != "2500" || got["6758"] != "3100.5" {
		t.Errorf("got %v", got)
	}
	for _, bad := range []string{"7203", "=100", "7203="} {
		if _, err := parseQuotes([]string{bad}); err == nil {
			t.Errorf("parseQuotes(%q) succeeded", bad)
		}
	}
}

func TestParseItemArg(t *testing.T) {
	if id, err := parseItemArg("42"); err != nil || id != 42 {
		t.Errorf("parseItemArg(42) = %d, %v", id, err)
	}
	for _, bad := range []string{"0", "-1", "abc"} {
		if _, err := parseItemArg(bad); err == nil {
			t.Errorf("parseItemArg(%q) succeeded", bad)
		}
	}
}

func TestRenderStatus(t *testing.T) {
	var buf bytes.Buffer
	out := &Output{writer: &buf}
	renderStatus(out, notify.StatusUpdate{
		Message: "sync: broker unreachable",
		Cards: []notify.Card{{
			ItemID: 3, JobCode: "20261015-100000", Symbol: "7203", Exchange: models.Exchange(1),
			Product: models.ProductMargin, Side: models.SideBuy, Qty: 100, FilledQty: 100,
			AvgPrice: decimal.NewFromInt(1000), Notional: decimal.NewFromInt(100000),
			Status: models.ItemBracketSent, Entry: "FILLED", TP: "WORKING", SL: "WORKING", EOD: "-",
			HoldID: "E20261015000001",
		}},
	})

	text := buf.String()
	for _, want := range []string{"ITEM", "7203@", "100/100", "BRACKET_SENT", "FILLED WORKING WORKING", "hold E20261015000001", "¥100,000", "sync: broker unreachable"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Microsecond, "500us"},
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
