// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrNoActiveAccount   = errors.New("no active api account")
	ErrTickInProgress    = errors.New("tick already in progress")
	ErrStaleState        = errors.New("state changed concurrently")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrItemNotFound      = errors.New("item not found")
	ErrJobNotFound       = errors.New("job not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrContention        = errors.New("database is busy")
	ErrAmbiguousMatch    = errors.New("position match is ambiguous")
	ErrHoldIDMissing     = errors.New("hold id not resolved")
	ErrInvalidHoldID     = errors.New("invalid hold id")
	ErrEmptyOrderID      = errors.New("broker returned no order id")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrInputValidation   = errors.New("input validation failed")
)

// Broker application codes the client reacts to.
const (
	CodeInvalidExchange = "4001005"
	CodeLoginRequired   = "4001007"
	CodePasswordInvalid = "4001009"
	CodeAPIDisabled     = "4001017"
)

var codeHints = map[string]string{
	CodeInvalidExchange: "the exchange code is not accepted for this symbol",
	CodeLoginRequired:   "log in to the broker terminal before using the API",
	CodePasswordInvalid: "the API password does not match the terminal setting",
	CodeAPIDisabled:     "enable API access in the broker terminal settings",
}

// HintFor returns the operator hint for a known broker code.
func HintFor(code string) string {
	return codeHints[code]
}

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Op         string
	HTTPStatus int
	Code       string
	Message    string
	Hint       string
	Err        error
}

func (e *BrokerError) Error() string {
	var b strings.Builder
	b.WriteString("broker error")
	if e.Op != "" {
		b.WriteString(" (" + e.Op + ")")
	}
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " http=%d", e.HTTPStatus)
	}
	if e.Code != "" {
		b.WriteString(" code=" + e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Hint != "" {
		b.WriteString(" [" + e.Hint + "]")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Unauthorized reports a 401 response.
func (e *BrokerError) Unauthorized() bool {
	return e.HTTPStatus == http.StatusUnauthorized
}

// IsExchangeRejection reports whether the broker refused the market code.
func (e *BrokerError) IsExchangeRejection() bool {
	return e.Code == CodeInvalidExchange
}

// IsApplication reports an application-level rejection (4xx with a parsed code).
func (e *BrokerError) IsApplication() bool {
	return e.Code != "" && e.HTTPStatus >= 400 && e.HTTPStatus < 500 && !e.Unauthorized()
}

// NewBrokerError creates a new BrokerError and fills in the hint for known codes.
func NewBrokerError(op string, status int, code, message string) *BrokerError {
	return &BrokerError{
		Op:         op,
		HTTPStatus: status,
		Code:       code,
		Message:    message,
		Hint:       HintFor(code),
	}
}

// AuthError represents a failed token acquisition.
type AuthError struct {
	Endpoint string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token acquisition failed for %s: %v", e.Endpoint, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	return target == ErrNotAuthenticated
}

// TransportError wraps timeouts and connection failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// OrderError represents a failed order placement.
type OrderError struct {
	Symbol   string
	Exchange int
	Role     string
	Payload  string
	Attempts []string
	Err      error
}

func (e *OrderError) Error() string {
	msg := fmt.Sprintf("order %s %s@%d failed: %v", e.Role, e.Symbol, e.Exchange, e.Err)
	if len(e.Attempts) > 0 {
		msg += " | retry=" + strings.Join(e.Attempts, " ; ")
	}
	if e.Payload != "" {
		msg += " / payload=" + e.Payload
	}
	return msg
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// ValidationError represents a validation error.
type ValidationError struct {
	Row     int
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(row int, field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Row:     row,
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// ValidationErrors collects every problem found in a submission.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrInputValidation
}

// TransitionError reports a rejected state change.
type TransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %d: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsTransient reports conditions that should be retried on the next tick.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var be *BrokerError
	if errors.As(err, &be) && be.HTTPStatus >= 500 {
		return true
	}
	return errors.Is(err, ErrContention) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrStaleState)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
