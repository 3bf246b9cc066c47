package notify

import (
	"fmt"
	"strings"
	"sync"

	"kabu-trader/internal/models"
)

// ToastLimit is the number of errors spelled out in one toast.
const ToastLimit = 3

// ErrorTracker remembers which error occurrences were already reported.
// An occurrence is an item id plus the item's updated_at, so the same item
// failing again later is reported again.
type ErrorTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewErrorTracker creates an empty tracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{seen: make(map[string]struct{})}
}

func errorKey(it *models.BatchItem) string {
	return fmt.Sprintf("%d:%d", it.ID, it.UpdatedAt.UnixNano())
}

// Prime marks the current error items as reported without reporting them.
func (t *ErrorTracker) Prime(items []*models.BatchItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, it := range items {
		t.seen[errorKey(it)] = struct{}{}
	}
}

// Diff returns the items not reported yet, in input order, and marks them.
// Keys of items no longer in the list are forgotten.
func (t *ErrorTracker) Diff(items []*models.BatchItem) []*models.BatchItem {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := make(map[string]struct{}, len(items))
	var fresh []*models.BatchItem
	for _, it := range items {
		k := errorKey(it)
		current[k] = struct{}{}
		if _, ok := t.seen[k]; !ok {
			fresh = append(fresh, it)
		}
	}
	t.seen = current
	return fresh
}

// Len returns the number of remembered occurrences.
func (t *ErrorTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Toast renders new errors as one message, or "" when there are none.
func Toast(items []*models.BatchItem) string {
	if len(items) == 0 {
		return ""
	}
	lines := make([]string, 0, ToastLimit+1)
	for i, it := range items {
		if i == ToastLimit {
			lines = append(lines, fmt.Sprintf("…and %d more", len(items)-ToastLimit))
			break
		}
		msg := it.LastError
		if msg == "" {
			msg = string(it.Status)
		}
		lines = append(lines, fmt.Sprintf("#%d %s: %s", it.ID, it.Symbol, msg))
	}
	return strings.Join(lines, "\n")
}
