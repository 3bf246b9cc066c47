package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"kabu-trader/internal/models"
	"kabu-trader/internal/notify"
	"kabu-trader/pkg/utils"
)

// FormatFill renders filled/total quantities, e.g. "60/100".
func FormatFill(filled, qty int) string {
	return utils.FormatQuantity(filled) + "/" + utils.FormatQuantity(qty)
}

// FormatLegs renders the three order legs of a card as "entry tp sl".
func FormatLegs(c notify.Card) string {
	legs := c.Entry + " " + c.TP + " " + c.SL
	if c.EOD != "" && c.EOD != "-" {
		legs += " eod:" + c.EOD
	}
	return legs
}

// FormatSymbol renders symbol@exchange.
func FormatSymbol(symbol string, ex models.Exchange) string {
	return symbol + "@" + ex.String()
}

// FormatTime formats a time for display.
func FormatTime(t time.Time) string {
	return t.Format("15:04:05")
}

// FormatDateTime formats a date-time for display; zero times render as "-".
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dus", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

// cardRow is one status table row.
func cardRow(o *Output, c notify.Card) []string {
	avg := "-"
	if c.FilledQty > 0 {
		avg = utils.FormatPrice(c.AvgPrice)
	}
	note := c.LastError
	if note == "" && c.HoldID != "" {
		note = "hold " + c.HoldID
	}
	return []string{
		strconv.FormatInt(c.ItemID, 10),
		c.JobCode,
		FormatSymbol(c.Symbol, c.Exchange),
		string(c.Product),
		string(c.Side),
		FormatFill(c.FilledQty, c.Qty),
		avg,
		o.ItemStatus(c.Status),
		FormatLegs(c),
		TruncateString(note, 48),
	}
}

var cardHeaders = []string{"ITEM", "BATCH", "SYMBOL", "PRODUCT", "SIDE", "FILLED", "AVG", "STATUS", "ENTRY TP SL", "NOTE"}

// TruncateString shortens s to maxLen runes, ending in "...".
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string([]rune(s)[:maxLen])
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}

// PadRight pads s with spaces to length bytes.
func PadRight(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return s + strings.Repeat(" ", length-len(s))
}
