package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeGenerate represents a new CEK being generated and wrapped.
	EventTypeGenerate EventType = "generate"
	// EventTypeWrap represents a caller supplied CEK being wrapped.
	EventTypeWrap EventType = "wrap"
	// EventTypeUnwrap represents an encrypted CEK being unwrapped.
	EventTypeUnwrap EventType = "unwrap"
	// EventTypeConfigReload represents a configuration reload.
	EventTypeConfigReload EventType = "config_reload"
	// EventTypeAccess represents an access operation.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event. Key material never appears in it.
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   EventType              `json:"event_type"`
	Operation   string                 `json:"operation"`
	Algorithm   string                 `json:"algorithm,omitempty"`
	Iterations  int                    `json:"iterations,omitempty"`
	CEKSizeBits int                    `json:"cek_size_bits,omitempty"`
	Client      string                 `json:"client,omitempty"`
	ClientIP    string                 `json:"client_ip,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// RequestInfo identifies the caller of an operation.
type RequestInfo struct {
	Client    string
	ClientIP  string
	UserAgent string
	RequestID string
}

// KeyOperation describes a generate, wrap or unwrap call.
type KeyOperation struct {
	Type        EventType
	Algorithm   string
	Iterations  int
	CEKSizeBits int
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogKeyOperation logs a key management operation.
	LogKeyOperation(op KeyOperation, req RequestInfo, success bool, err error, duration time.Duration)

	// LogConfigReload logs a configuration reload.
	LogConfigReload(success bool, err error, metadata map[string]interface{})

	// LogAccess logs a general access operation.
	LogAccess(eventType string, req RequestInfo, success bool, err error, duration time.Duration)

	// GetEvents returns the buffered events, oldest first.
	GetEvents() []*AuditEvent
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Store in memory buffer
	l.events = append(l.events, event)

	// Maintain max events limit
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	// The event stays buffered even if the writer fails
	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			return fmt.Errorf("failed to write audit event: %w", err)
		}
	}
	return nil
}

// LogKeyOperation logs a key management operation.
func (l *auditLogger) LogKeyOperation(op KeyOperation, req RequestInfo, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:   time.Now(),
		EventType:   op.Type,
		Operation:   string(op.Type),
		Algorithm:   op.Algorithm,
		Iterations:  op.Iterations,
		CEKSizeBits: op.CEKSizeBits,
		Client:      req.Client,
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
		RequestID:   req.RequestID,
		Success:     success,
		Duration:    duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	_ = l.Log(event)
}

// LogConfigReload logs a configuration reload.
func (l *auditLogger) LogConfigReload(success bool, err error, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeConfigReload,
		Operation: "config_reload",
		Success:   success,
		Metadata:  metadata,
	}

	if err != nil {
		event.Error = err.Error()
	}

	_ = l.Log(event)
}

// LogAccess logs a general access operation.
func (l *auditLogger) LogAccess(eventType string, req RequestInfo, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventType(eventType),
		Operation: eventType,
		Client:    req.Client,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
		Success:   success,
		Duration:  duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	_ = l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// jsonWriter writes one JSON document per event.
type jsonWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter returns a writer emitting newline delimited JSON to out.
func NewJSONWriter(out io.Writer) EventWriter {
	return &jsonWriter{out: out}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}

// logrusWriter forwards events to the application logger.
type logrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns a writer that logs each event as a structured entry.
func NewLogrusWriter(logger *logrus.Logger) EventWriter {
	return &logrusWriter{logger: logger}
}

func (w *logrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"operation":   event.Operation,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.Algorithm != "" {
		fields["algorithm"] = event.Algorithm
	}
	if event.Iterations > 0 {
		fields["iterations"] = event.Iterations
	}
	if event.CEKSizeBits > 0 {
		fields["cek_size_bits"] = event.CEKSizeBits
	}
	if event.Client != "" {
		fields["client"] = event.Client
	}
	if event.ClientIP != "" {
		fields["client_ip"] = event.ClientIP
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := w.logger.WithFields(fields)
	if event.Success {
		entry.Info("audit event")
	} else {
		entry.WithField("error", event.Error).Warn("audit event")
	}
	return nil
}
