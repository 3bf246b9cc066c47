package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	AuditTokenAcquired  AuditEventType = "TOKEN_ACQUIRED"
	AuditAuthFailed     AuditEventType = "AUTH_FAILED"
	AuditOrderPlaced    AuditEventType = "ORDER_PLACED"
	AuditOrderRejected  AuditEventType = "ORDER_REJECTED"
	AuditOrderCancelled AuditEventType = "ORDER_CANCELLED"
	AuditAccountSaved   AuditEventType = "ACCOUNT_SAVED"
	AuditManualClose    AuditEventType = "MANUAL_CLOSE"
	AuditItemCancelled  AuditEventType = "ITEM_CANCELLED"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Symbol    string                 `json:"symbol,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id"`
}

// AuditLogger appends JSON lines to a rotating audit file. A nil
// *AuditLogger discards events.
type AuditLogger struct {
	writer    *lumberjack.Logger
	mu        sync.Mutex
	sessionID string
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	Path       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig(path string) AuditConfig {
	return AuditConfig{
		Path:       path,
		MaxSize:    20,
		MaxBackups: 30,
		MaxAge:     365,
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	return &AuditLogger{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		},
		sessionID: uuid.NewString(),
	}, nil
}

// Log writes an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = time.Now().UTC()
	event.SessionID = al.sessionID
	if event.Details != nil {
		event.Details = LogWithoutCredentials(event.Details)
	}
	event.ErrorMsg = MaskSensitive(event.ErrorMsg)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogToken records a token acquisition attempt.
func (al *AuditLogger) LogToken(ctx context.Context, endpoint string, err error) error {
	event := AuditEvent{
		EventType: AuditTokenAcquired,
		Details:   map[string]interface{}{"endpoint": endpoint},
		Success:   err == nil,
	}
	if err != nil {
		event.EventType = AuditAuthFailed
		event.ErrorMsg = err.Error()
	}
	return al.Log(ctx, event)
}

// LogOrderPlaced records an order placement outcome.
func (al *AuditLogger) LogOrderPlaced(ctx context.Context, orderID, symbol string, details map[string]interface{}, err error) error {
	event := AuditEvent{
		EventType: AuditOrderPlaced,
		Symbol:    symbol,
		OrderID:   orderID,
		Action:    "sendorder",
		Details:   details,
		Success:   err == nil,
	}
	if err != nil {
		event.EventType = AuditOrderRejected
		event.ErrorMsg = err.Error()
	}
	return al.Log(ctx, event)
}

// LogOrderCancelled records a cancel request outcome.
func (al *AuditLogger) LogOrderCancelled(ctx context.Context, orderID string, err error) error {
	event := AuditEvent{
		EventType: AuditOrderCancelled,
		OrderID:   orderID,
		Action:    "cancelorder",
		Success:   err == nil,
	}
	if err != nil {
		event.ErrorMsg = err.Error()
	}
	return al.Log(ctx, event)
}

// LogIntent records an operator action such as a manual close.
func (al *AuditLogger) LogIntent(ctx context.Context, eventType AuditEventType, symbol string, details map[string]interface{}, err error) error {
	event := AuditEvent{
		EventType: eventType,
		Symbol:    symbol,
		Details:   details,
		Success:   err == nil,
	}
	if err != nil {
		event.ErrorMsg = err.Error()
	}
	return al.Log(ctx, event)
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}
