// Package audit writes one structured JSON record per governance-relevant
// action: decisions, approvals, submissions, pruning. The stream is meant to
// be grepped and shipped, so every line carries the AUDIT: prefix.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventDecision  EventType = "DECISION"
	EventApproval  EventType = "APPROVAL"
	EventExecution EventType = "EXECUTION"
	EventSystem    EventType = "SYSTEM"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(eventType EventType, action, resource string, metadata map[string]any)
}

type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger writes to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter allows injection for tests and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(eventType EventType, action, resource string, metadata map[string]any) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering.
	_, _ = l.writer.Write(append([]byte("AUDIT: "), append(data, '\n')...))
}

// Nop discards every event.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Record(EventType, string, string, map[string]any) {}
