// Package audit records every security decision in an append-only event log.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/procwarden/internal/model"
)

// Supported event log formats.
const (
	FormatCSV    = "csv"
	FormatJSONL  = "jsonl"
	FormatSQLite = "sqlite"
)

// Sink persists one ThreatEvent per call. Implementations never modify or
// remove earlier records.
type Sink interface {
	Append(event model.ThreatEvent) error
	Close() error
}

// EventLog stamps events with an ID and a monotonic timestamp, then hands
// them to a Sink. It serializes appends, so concurrent decisions land in
// the order they resolved.
type EventLog struct {
	sink Sink
	now  func() time.Time
	mu   sync.Mutex
	last time.Time
	n    int
}

// NewEventLog wraps sink.
func NewEventLog(sink Sink) *EventLog {
	return &EventLog{sink: sink, now: time.Now}
}

// Open creates the sink for format at path and wraps it in an EventLog.
func Open(format, path string) (*EventLog, error) {
	var (
		sink Sink
		err  error
	)
	switch format {
	case "", FormatCSV:
		sink = NewCSVLog(path)
	case FormatJSONL:
		sink, err = OpenChain(path)
	case FormatSQLite:
		sink, err = OpenSQLite(path)
	default:
		return nil, fmt.Errorf("audit: unknown event log format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return NewEventLog(sink), nil
}

// DefaultPath returns the default event log location for format.
func DefaultPath(format string) string {
	ext := map[string]string{FormatCSV: "csv", FormatJSONL: "jsonl", FormatSQLite: "db"}[format]
	if ext == "" {
		ext = "csv"
	}
	name := "events." + ext
	if os.Geteuid() == 0 {
		return filepath.Join("/var/log/procwarden", name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "procwarden-"+name)
	}
	return filepath.Join(home, ".procwarden", name)
}

// Append stamps and writes the event. A failed write is returned to the
// caller; the log stays usable for the next append.
func (l *EventLog) Append(event model.ThreatEvent) (model.ThreatEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().UTC().Truncate(time.Millisecond)
	if !ts.After(l.last) {
		ts = l.last.Add(time.Millisecond)
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.Timestamp = model.FormatTime(ts)

	if err := l.sink.Append(event); err != nil {
		return event, err
	}
	l.last = ts
	l.n++
	return event, nil
}

// Count returns the number of events written by this process.
func (l *EventLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Close closes the sink.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink.Close()
}
