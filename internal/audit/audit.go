// Package audit writes an append-only JSON-lines trail of order lifecycle
// events.
package audit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"tradedesk/internal/models"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Order events
	OrderPlaced    EventType = "ORDER_PLACED"
	OrderRejected  EventType = "ORDER_REJECTED"
	OrderCancelled EventType = "ORDER_CANCELLED"
	OrderFill      EventType = "ORDER_FILL"

	// Ledger events
	ReconciliationFailed EventType = "RECONCILIATION_FAILED"
	AccountOpened        EventType = "ACCOUNT_OPENED"
)

type requestIDKey struct{}

// WithRequestID attaches a request ID that is copied onto every event logged
// with the returned context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// Event represents a single audit log entry.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"event_type"`
	AccountID string                 `json:"account_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Config holds audit logger configuration.
type Config struct {
	Enabled    bool
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:    true,
		LogDir:     filepath.Join(home, ".config", "tradedesk", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// Logger handles audit logging for order actions. A nil *Logger discards
// everything, so callers never need to check.
type Logger struct {
	writer    io.Writer
	closer    io.Closer
	mu        sync.Mutex
	sessionID string
	now       func() time.Time
}

// NewLogger creates a rotating file-backed audit logger.
func NewLogger(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	l := NewWriterLogger(writer)
	l.closer = writer
	return l, nil
}

// NewWriterLogger creates an audit logger writing JSON lines to w.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{
		writer:    w,
		sessionID: generateSessionID(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Log stamps and writes an audit event.
func (l *Logger) Log(ctx context.Context, event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Timestamp = l.now()
	event.SessionID = l.sessionID
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		event.RequestID = reqID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

func orderEvent(typ EventType, o *models.Order) Event {
	return Event{
		Type:      typ,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		OrderID:   o.ID,
		Action:    string(o.Side),
		Details: map[string]interface{}{
			"quantity":    o.Quantity.String(),
			"order_type":  string(o.Type),
			"asset_class": string(o.AssetClass),
			"venue":       o.Venue,
			"external_id": o.ExternalID,
		},
	}
}

// LogOrderPlaced logs an order that was accepted by its venue.
func (l *Logger) LogOrderPlaced(ctx context.Context, o *models.Order) error {
	ev := orderEvent(OrderPlaced, o)
	ev.Success = true
	if !o.LimitPrice.IsZero() {
		ev.Details["limit_price"] = o.LimitPrice.String()
	}
	if !o.StopPrice.IsZero() {
		ev.Details["stop_price"] = o.StopPrice.String()
	}
	return l.Log(ctx, ev)
}

// LogOrderRejected logs a venue rejection.
func (l *Logger) LogOrderRejected(ctx context.Context, o *models.Order) error {
	ev := orderEvent(OrderRejected, o)
	ev.ErrorMsg = o.RejectionReason
	return l.Log(ctx, ev)
}

// LogOrderCancelled logs a local cancel and whether the venue acknowledged it.
func (l *Logger) LogOrderCancelled(ctx context.Context, o *models.Order, venueErr error) error {
	ev := orderEvent(OrderCancelled, o)
	ev.Success = venueErr == nil
	if venueErr != nil {
		ev.ErrorMsg = venueErr.Error()
	}
	return l.Log(ctx, ev)
}

// LogFill logs a trade booked against an order.
func (l *Logger) LogFill(ctx context.Context, t *models.Trade) error {
	return l.Log(ctx, Event{
		Type:      OrderFill,
		AccountID: t.AccountID,
		Symbol:    t.Symbol,
		OrderID:   t.OrderID,
		Action:    string(t.Side),
		Success:   true,
		Details: map[string]interface{}{
			"trade_id":   t.ID,
			"quantity":   t.Quantity.String(),
			"price":      t.Price.String(),
			"commission": t.Commission.String(),
		},
	})
}

// LogReconciliationFailed logs a venue report that could not be applied.
func (l *Logger) LogReconciliationFailed(ctx context.Context, o *models.Order, err error) error {
	ev := orderEvent(ReconciliationFailed, o)
	ev.ErrorMsg = err.Error()
	return l.Log(ctx, ev)
}

// LogAccountOpened logs creation of a portfolio.
func (l *Logger) LogAccountOpened(ctx context.Context, p *models.Portfolio) error {
	return l.Log(ctx, Event{
		Type:      AccountOpened,
		AccountID: p.AccountID,
		Success:   true,
		Details: map[string]interface{}{
			"initial_cash": p.CashBalance.String(),
		},
	})
}

// Close flushes and closes the underlying file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func generateSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
