package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

// Index mutations recorded in the audit log.
const (
	AuditEventIndexWrite   AuditEventType = "index.write"
	AuditEventIndexSkip    AuditEventType = "index.skip"
	AuditEventIndexReplace AuditEventType = "index.replace"
	AuditEventIndexRemove  AuditEventType = "index.remove"
	AuditEventIndexError   AuditEventType = "index.error"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   AuditEventType `json:"event_type"`
	SessionID   string         `json:"session_id"`
	Collection  string         `json:"collection,omitempty"`
	Source      string         `json:"source,omitempty"`
	Success     bool           `json:"success"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
}

// AuditLogger appends JSON lines to a writer. The zero value and a nil
// *AuditLogger discard events.
type AuditLogger struct {
	mu         sync.Mutex
	writer     io.Writer
	closer     io.Closer
	sessionID  string
	collection string
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	// OutputPath is a file path, "stdout" or "stderr". Empty disables
	// auditing.
	OutputPath string
	SessionID  string
	Collection string
}

// NewAuditLogger opens the configured output. An empty OutputPath returns a
// logger that discards events.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	l := &AuditLogger{sessionID: cfg.SessionID, collection: cfg.Collection}
	if l.sessionID == "" {
		l.sessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}

	switch cfg.OutputPath {
	case "":
	case "stdout":
		l.writer = os.Stdout
	case "stderr":
		l.writer = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0o755); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		l.writer = f
		l.closer = f
	}
	return l, nil
}

// NewAuditWriter returns a logger that writes to w.
func NewAuditWriter(w io.Writer, sessionID, collection string) *AuditLogger {
	return &AuditLogger{writer: w, sessionID: sessionID, collection: collection}
}

// Enabled reports whether events are written anywhere.
func (l *AuditLogger) Enabled() bool {
	return l != nil && l.writer != nil
}

// Log writes an audit event.
func (l *AuditLogger) Log(event *AuditEvent) error {
	if !l.Enabled() {
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
	if event.Collection == "" {
		event.Collection = l.collection
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogIndexWrite logs a document whose chunks were written.
func (l *AuditLogger) LogIndexWrite(source string, pages, chunks int, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType:  AuditEventIndexWrite,
		Source:     source,
		Success:    true,
		DurationMS: duration.Milliseconds(),
		Message:    fmt.Sprintf("Indexed %d chunks from %d pages", chunks, pages),
		Details: map[string]any{
			"pages":  pages,
			"chunks": chunks,
		},
	})
}

// LogIndexSkip logs a document left untouched because it was already indexed.
func (l *AuditLogger) LogIndexSkip(source string, existing int) {
	l.Log(&AuditEvent{
		EventType: AuditEventIndexSkip,
		Source:    source,
		Success:   true,
		Message:   "Already indexed",
		Details: map[string]any{
			"existing": existing,
		},
	})
}

// LogIndexReplace logs the records deleted ahead of a forced reindex.
func (l *AuditLogger) LogIndexReplace(source string, deleted int) {
	l.Log(&AuditEvent{
		EventType: AuditEventIndexReplace,
		Source:    source,
		Success:   true,
		Message:   fmt.Sprintf("Deleted %d chunks for reindex", deleted),
		Details: map[string]any{
			"deleted": deleted,
		},
	})
}

// LogIndexRemove logs the removal of a source.
func (l *AuditLogger) LogIndexRemove(source string, removed int) {
	l.Log(&AuditEvent{
		EventType: AuditEventIndexRemove,
		Source:    source,
		Success:   true,
		Message:   fmt.Sprintf("Removed %d chunks", removed),
		Details: map[string]any{
			"removed": removed,
		},
	})
}

// LogIndexError logs a failed index or remove operation.
func (l *AuditLogger) LogIndexError(source, stage string, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventIndexError,
		Source:      source,
		Success:     false,
		Message:     fmt.Sprintf("Index failed during %s", stage),
		ErrorDetail: err.Error(),
		Details: map[string]any{
			"stage": stage,
		},
	})
}

// Close closes the audit file, if one was opened.
func (l *AuditLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
