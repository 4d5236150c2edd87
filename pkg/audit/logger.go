// Package audit writes a JSON-lines trail of ingestion runs: one line per
// transaction start, batch push and close, with the classified outcome.
//
// The trail answers "what did we send and what did the API say" after the
// process has exited. It is append-only and never read back by the SDK.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/exploopio/devicecontext/pkg/core"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"

	EventTransactionStarted EventType = "transaction_started"
	EventTransactionFailed  EventType = "transaction_start_failed"
	EventTransactionClosed  EventType = "transaction_closed"
	EventCloseFailed        EventType = "transaction_close_failed"

	EventBatchAccepted     EventType = "batch_accepted"
	EventBatchRejected     EventType = "batch_rejected"
	EventBatchUnclassified EventType = "batch_unclassified"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARN"
	SeverityError   Severity = "ERROR"
)

// Event represents an audit event.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	Type          EventType      `json:"type"`
	Severity      Severity       `json:"severity"`
	RunID         string         `json:"run_id,omitempty"`
	Source        string         `json:"source,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	BatchIndex    *int           `json:"batch_index,omitempty"`
	Records       int            `json:"records,omitempty"`
	StatusCode    int            `json:"status_code,omitempty"`
	Outcome       string         `json:"outcome,omitempty"`
	Message       string         `json:"message"`
	Error         string         `json:"error,omitempty"`
	Duration      time.Duration  `json:"duration_ns,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// LogFile is the path to the audit log file. Parent directories are created.
	LogFile string

	// Verbose mirrors every event to stdout.
	Verbose bool
}

// Logger appends events to a writer, one JSON object per line.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	mirror core.Logger
	now    func() time.Time
}

// NewLogger opens cfg.LogFile for append.
func NewLogger(cfg *LoggerConfig) (*Logger, error) {
	if cfg == nil || cfg.LogFile == "" {
		return nil, fmt.Errorf("audit log file is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// 0640 = owner read/write, group read
	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := NewWriterLogger(file)
	l.closer = file
	l.mirror = core.LoggerFromVerbose("audit", cfg.Verbose)
	return l, nil
}

// NewWriterLogger writes events to w. Close does not close w.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{w: w, mirror: &core.NopLogger{}, now: time.Now}
}

// Log writes one event. Write failures are returned, never retried.
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	l.mirror.Info("%s %s: %s", event.Severity, event.Type, event.Message)

	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file, if the logger opened one.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.closer.Close()
	l.closer = nil
	return err
}

// Index returns a pointer to i, for Event.BatchIndex.
func Index(i int) *int {
	return &i
}
