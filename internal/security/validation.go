package security

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validation patterns
var (
	// Japanese listed codes are four characters, digits or digits plus a letter (e.g. 7203, 130A)
	symbolPattern = regexp.MustCompile(`^[0-9][0-9A-Z]{3}$`)

	orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// InputError describes rejected operator input.
type InputError struct {
	Field   string
	Value   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NormalizeSymbol trims and upper-cases a symbol code.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateSymbol checks a security code before it is sent to the broker.
func ValidateSymbol(symbol string) error {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return &InputError{Field: "symbol", Value: symbol, Message: "symbol cannot be empty"}
	}
	if !symbolPattern.MatchString(symbol) {
		return &InputError{Field: "symbol", Value: symbol, Message: "expected a 4 character security code"}
	}
	return nil
}

// ValidateOrderID validates a broker order id.
func ValidateOrderID(orderID string) error {
	if !orderIDPattern.MatchString(strings.TrimSpace(orderID)) {
		return &InputError{Field: "order_id", Value: orderID, Message: "invalid order id"}
	}
	return nil
}

// ValidateBaseURL checks an account endpoint.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return &InputError{Field: "base_url", Value: raw, Message: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &InputError{Field: "base_url", Value: raw, Message: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &InputError{Field: "base_url", Value: raw, Message: "host is required"}
	}
	return nil
}
