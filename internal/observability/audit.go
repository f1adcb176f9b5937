package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventFieldCreate       AuditEventType = "field.create"
	AuditEventFieldUpdate       AuditEventType = "field.update"
	AuditEventFieldDelete       AuditEventType = "field.delete"
	AuditEventFieldRestore      AuditEventType = "field.restore"
	AuditEventRowWrite          AuditEventType = "row.write"
	AuditEventLinksSet          AuditEventType = "row.links"
	AuditEventDependantsUpdated AuditEventType = "dependants.updated"
	AuditEventOperationError    AuditEventType = "operation.error"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   AuditEventType `json:"event_type"`
	SessionID   string         `json:"session_id"`
	BatchID     string         `json:"batch_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	TableID     int64          `json:"table_id,omitempty"`
	FieldID     int64          `json:"field_id,omitempty"`
	Success     bool           `json:"success"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu        sync.Mutex
	writer    io.Writer
	sessionID string
	userID    string
	enabled   bool
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // File path or "stdout"/"stderr"
	SessionID  string
	UserID     string
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Enabled:    true,
		OutputPath: "stdout",
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}

	var writer io.Writer
	switch config.OutputPath {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		writer = f
	}

	sessionID := config.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}

	return &AuditLogger{
		writer:    writer,
		sessionID: sessionID,
		userID:    config.UserID,
		enabled:   config.Enabled,
	}, nil
}

// NewWriterAuditLogger creates an enabled audit logger writing to w.
func NewWriterAuditLogger(w io.Writer, sessionID string) *AuditLogger {
	return &AuditLogger{writer: w, sessionID: sessionID, enabled: true}
}

// Log writes an audit event.
func (l *AuditLogger) Log(event *AuditEvent) error {
	if l == nil || !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}
	if event.UserID == "" {
		event.UserID = l.userID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogFieldChange logs a field schema operation.
func (l *AuditLogger) LogFieldChange(ctx context.Context, kind AuditEventType, tableID, fieldID int64, name string, updated []string) error {
	return l.Log(&AuditEvent{
		EventType: kind,
		TableID:   tableID,
		FieldID:   fieldID,
		Success:   true,
		Message:   fmt.Sprintf("%s %s", kind, name),
		Details: map[string]any{
			"updated_fields": updated,
		},
	})
}

// LogRowWrite logs a row value or relation change.
func (l *AuditLogger) LogRowWrite(ctx context.Context, kind AuditEventType, tableID, rowID int64, updated []string) error {
	return l.Log(&AuditEvent{
		EventType: kind,
		TableID:   tableID,
		Success:   true,
		Message:   fmt.Sprintf("%s row %d", kind, rowID),
		Details: map[string]any{
			"row_id":         rowID,
			"updated_fields": updated,
		},
	})
}

// LogDependantsUpdated logs fields in other tables recomputed because a
// field changed.
func (l *AuditLogger) LogDependantsUpdated(ctx context.Context, batchID, userID string, tableID, fieldID int64, related []string) error {
	return l.Log(&AuditEvent{
		EventType: AuditEventDependantsUpdated,
		BatchID:   batchID,
		UserID:    userID,
		TableID:   tableID,
		FieldID:   fieldID,
		Success:   true,
		Message:   fmt.Sprintf("%d related fields updated", len(related)),
		Details: map[string]any{
			"related_fields": related,
		},
	})
}

// LogOperationError logs a failed operation.
func (l *AuditLogger) LogOperationError(ctx context.Context, op string, tableID int64, err error) error {
	return l.Log(&AuditEvent{
		EventType:   AuditEventOperationError,
		TableID:     tableID,
		Success:     false,
		Message:     fmt.Sprintf("%s failed", op),
		ErrorDetail: err.Error(),
	})
}

// Close closes the audit logger (if using a file).
func (l *AuditLogger) Close() error {
	if l == nil {
		return nil
	}
	if closer, ok := l.writer.(io.Closer); ok {
		if closer != os.Stdout && closer != os.Stderr {
			return closer.Close()
		}
	}
	return nil
}
