package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kabu-trader/internal/models"
)

// Colors used for terminal output
const (
	ColorRed    = color.FgRed
	ColorGreen  = color.FgGreen
	ColorYellow = color.FgYellow
	ColorBlue   = color.FgBlue
	ColorCyan   = color.FgCyan
	ColorBold   = color.Bold
	ColorDim    = color.Faint
)

// Output handles formatted output for the CLI.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates a new Output instance.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	w := cmd.OutOrStdout()
	return &Output{
		writer:       w,
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && w == os.Stdout && !color.NoColor,
	}
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...interface{}) {
	o.colored(ColorGreen, format, args...)
}

// Error prints an error message in red.
func (o *Output) Error(format string, args ...interface{}) {
	o.colored(ColorRed, format, args...)
}

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...interface{}) {
	o.colored(ColorYellow, format, args...)
}

// Info prints an info message in cyan.
func (o *Output) Info(format string, args ...interface{}) {
	o.colored(ColorCyan, format, args...)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...interface{}) {
	o.colored(ColorBold, format, args...)
}

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...interface{}) {
	o.colored(ColorDim, format, args...)
}

func (o *Output) paint(attr color.Attribute) *color.Color {
	c := color.New(attr)
	if o.colorEnabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}

func (o *Output) colored(attr color.Attribute, format string, args ...interface{}) {
	o.paint(attr).Fprintln(o.writer, fmt.Sprintf(format, args...))
}

// ColoredString returns a colored string without newline.
func (o *Output) ColoredString(attr color.Attribute, text string) string {
	return o.paint(attr).Sprint(text)
}

// ItemStatus colours an item status by how it is going.
func (o *Output) ItemStatus(s models.ItemStatus) string {
	switch s {
	case models.ItemClosed:
		return o.ColoredString(ColorGreen, string(s))
	case models.ItemError:
		return o.ColoredString(ColorRed, string(s))
	case models.ItemCancelled:
		return o.ColoredString(ColorDim, string(s))
	case models.ItemEntryFilledWaitPrice:
		return o.ColoredString(ColorYellow, string(s))
	case models.ItemReady:
		return string(s)
	}
	return o.ColoredString(ColorCyan, string(s))
}

// Table represents a simple table for output.
type Table struct {
	headers []string
	rows    [][]string
	output  *Output
}

// NewTable creates a new table.
func NewTable(output *Output, headers ...string) *Table {
	return &Table{
		headers: headers,
		output:  output,
	}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render renders the table.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(stripANSI(h))
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				if n := len(stripANSI(cell)); n > widths[i] {
					widths[i] = n
				}
			}
		}
	}

	t.printRow(t.headers, widths, true)
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("-", w)
	}
	t.output.Println(t.output.ColoredString(ColorDim, strings.Join(parts, "  ")))
	for _, row := range t.rows {
		t.printRow(row, widths, false)
	}
}

func (t *Table) printRow(cells []string, widths []int, isHeader bool) {
	parts := make([]string, 0, len(cells))
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		padded := PadRight(cell, widths[i]+len(cell)-len(stripANSI(cell)))
		if isHeader {
			padded = t.output.ColoredString(ColorBold, padded)
		}
		parts = append(parts, padded)
	}
	t.output.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripANSI removes SGR escape sequences.
func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
