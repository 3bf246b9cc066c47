package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// TerminalNotifier prints notifications as single coloured lines. It is
// the operator-facing channel of the serve command.
type TerminalNotifier struct {
	mu           sync.Mutex
	out          io.Writer
	enabled      bool
	colorEnabled bool
	bellEnabled  bool
}

// NewTerminalNotifier creates a TerminalNotifier writing to out.
func NewTerminalNotifier(out io.Writer) *TerminalNotifier {
	return &TerminalNotifier{
		out:          out,
		enabled:      true,
		colorEnabled: true,
	}
}

// SetColorEnabled enables or disables colored output.
func (tn *TerminalNotifier) SetColorEnabled(enabled bool) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.colorEnabled = enabled
}

// SetBellEnabled rings the terminal bell on errors.
func (tn *TerminalNotifier) SetBellEnabled(enabled bool) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.bellEnabled = enabled
}

// SetEnabled enables or disables the notifier.
func (tn *TerminalNotifier) SetEnabled(enabled bool) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.enabled = enabled
}

func (tn *TerminalNotifier) Name() string { return "terminal" }

func (tn *TerminalNotifier) IsEnabled() bool {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return tn.enabled
}

// Send writes the formatted notification.
func (tn *TerminalNotifier) Send(ctx context.Context, n Notification) error {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	if !tn.enabled {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	line := FormatNotification(n, tn.colorEnabled)
	if tn.bellEnabled && n.Type == NotificationError {
		line = "\a" + line
	}
	_, err := fmt.Fprintln(tn.out, line)
	return err
}

// FormatNotification formats a notification for terminal display.
func FormatNotification(n Notification, colorEnabled bool) string {
	var sb strings.Builder

	var typeIndicator string
	var paint *color.Color
	switch n.Type {
	case NotificationError:
		typeIndicator = "ERROR"
		paint = color.New(color.FgRed)
	case NotificationOrder:
		typeIndicator = "ORDER"
		paint = color.New(color.FgCyan)
	default:
		typeIndicator = "INFO"
		paint = color.New(color.FgWhite)
	}
	if colorEnabled {
		paint.EnableColor()
	} else {
		paint.DisableColor()
	}

	sb.WriteString(paint.Sprintf("[%s] %s", n.Timestamp.Format("15:04:05"), typeIndicator))
	if n.Title != "" {
		sb.WriteString(" | ")
		sb.WriteString(n.Title)
	}

	// Multi-line toasts are indented under the header.
	lines := strings.Split(strings.TrimRight(n.Message, "\n"), "\n")
	if len(lines) == 1 {
		sb.WriteString(" | ")
		sb.WriteString(lines[0])
		return sb.String()
	}
	for _, l := range lines {
		sb.WriteString("\n    ")
		sb.WriteString(l)
	}
	return sb.String()
}
