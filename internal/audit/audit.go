// Package audit records vault access events. Every decryption attempt is
// recorded whether it succeeded or not, together with sharing and lifecycle
// operations, so that reads of protected items can be reconstructed later.
package audit

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/domain"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt is the creation of an item.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt is a plaintext read or a key-material release.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeGrant is a share, activate or revoke.
	EventTypeGrant EventType = "grant"
	// EventTypeLifecycle is an archive, restore or delete.
	EventTypeLifecycle EventType = "lifecycle"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	ItemID    string                 `json:"item_id,omitempty"`
	ActorID   string                 `json:"actor_id,omitempty"`
	GranteeID string                 `json:"grantee_id,omitempty"`
	Algorithm string                 `json:"algorithm,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log appends an audit event.
	Log(event *AuditEvent) error

	// LogEncrypt records an item creation.
	LogEncrypt(itemID, ownerID, algorithm string, err error, duration time.Duration, metadata map[string]interface{}) error

	// LogDecrypt records a read of an item by requesterID. operation
	// distinguishes plaintext reads from key-material releases.
	LogDecrypt(operation, itemID, requesterID, algorithm string, err error, duration time.Duration, metadata map[string]interface{}) error

	// LogGrant records a share, activate or revoke.
	LogGrant(operation, itemID, actorID, granteeID string, err error) error

	// LogLifecycle records an item status change.
	LogLifecycle(operation, itemID, actorID string, err error) error

	// GetEvents returns the buffered recent events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
	now        func() time.Time
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = NewStdoutSink(os.Stdout)
	}
	if maxEvents < 0 {
		maxEvents = 0
	}
	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
		now:        time.Now,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration. client
// is required only by the redis sink.
func NewLoggerFromConfig(cfg config.AuditConfig, client redis.UniversalClient) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis sink requires a redis client")
		}
		writer = NewRedisStreamSink(client, cfg.Sink.Stream, 0)
	case "stdout", "":
		writer = NewStdoutSink(os.Stdout)
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	// Wrap with batch sink if configured
	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log appends an audit event. The event is kept in the recent-events buffer
// even when the writer fails; the write error is returned.
func (l *auditLogger) Log(event *AuditEvent) error {
	var werr error
	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			werr = fmt.Errorf("audit: write %s event: %w", event.Operation, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxEvents > 0 {
		l.events = append(l.events, event)
		if len(l.events) > l.maxEvents {
			l.events = l.events[len(l.events)-l.maxEvents:]
		}
	}
	return werr
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes sensitive keys from metadata.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	// Shallow copy
	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

func (l *auditLogger) newEvent(t EventType, operation string, err error) *AuditEvent {
	event := &AuditEvent{
		Timestamp: l.now().UTC(),
		EventType: t,
		Operation: operation,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
		event.ErrorKind = domain.KindOf(err).String()
	}
	return event
}

// LogEncrypt records an item creation.
func (l *auditLogger) LogEncrypt(itemID, ownerID, algorithm string, err error, duration time.Duration, metadata map[string]interface{}) error {
	event := l.newEvent(EventTypeEncrypt, "save_item", err)
	event.ItemID = itemID
	event.ActorID = ownerID
	event.Algorithm = algorithm
	event.Duration = duration
	event.Metadata = l.redactMetadata(metadata)
	return l.Log(event)
}

// LogDecrypt records a read of an item.
func (l *auditLogger) LogDecrypt(operation, itemID, requesterID, algorithm string, err error, duration time.Duration, metadata map[string]interface{}) error {
	event := l.newEvent(EventTypeDecrypt, operation, err)
	event.ItemID = itemID
	event.ActorID = requesterID
	event.Algorithm = algorithm
	event.Duration = duration
	event.Metadata = l.redactMetadata(metadata)
	return l.Log(event)
}

// LogGrant records a grant transition.
func (l *auditLogger) LogGrant(operation, itemID, actorID, granteeID string, err error) error {
	event := l.newEvent(EventTypeGrant, operation, err)
	event.ItemID = itemID
	event.ActorID = actorID
	event.GranteeID = granteeID
	return l.Log(event)
}

// LogLifecycle records an item status change.
func (l *auditLogger) LogLifecycle(operation, itemID, actorID string, err error) error {
	event := l.newEvent(EventTypeLifecycle, operation, err)
	event.ItemID = itemID
	event.ActorID = actorID
	return l.Log(event)
}

// GetEvents returns the buffered recent events.
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}
