package submission

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/smtg-ai/genbatch/concurrency"
	"github.com/smtg-ai/genbatch/log"
)

// EventLog writes every observed event as one JSON line.
type EventLog struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	count  int
	err    error
}

// NewEventLog wraps w. The caller keeps ownership of w.
func NewEventLog(w io.Writer) *EventLog {
	return &EventLog{w: bufio.NewWriter(w)}
}

// CreateEventLog creates (or truncates) the file at path.
func CreateEventLog(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}
	l := NewEventLog(f)
	l.closer = f
	return l, nil
}

// OnEvent implements concurrency.Observer. The first write error is kept and
// later events are dropped.
func (l *EventLog) OnEvent(e concurrency.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.WarningLog.Printf("event log: cannot encode %s event: %v", e.Kind, err)
		return
	}
	data = append(data, '\n')
	if _, err := l.w.Write(data); err != nil {
		l.err = err
		log.ErrorLog.Printf("event log: write failed: %v", err)
		return
	}
	l.count++
	if e.Kind == concurrency.EventBatchComplete {
		l.err = l.w.Flush()
	}
}

// Count returns the number of events written.
func (l *EventLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close flushes buffered lines and closes the file if the log owns one.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.w.Flush()
	if l.err == nil {
		l.err = err
	}
	if l.closer != nil {
		if cerr := l.closer.Close(); err == nil {
			err = cerr
		}
		l.closer = nil
	}
	return err
}

// ReadEventLog decodes a JSONL event log. Payloads are returned as raw JSON
// since their concrete type depends on the kind.
func ReadEventLog(r io.Reader) ([]RecordedEvent, error) {
	var events []RecordedEvent
	dec := json.NewDecoder(r)
	for dec.More() {
		var e RecordedEvent
		if err := dec.Decode(&e); err != nil {
			return events, fmt.Errorf("failed to decode event %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// RecordedEvent is an event read back from a log.
type RecordedEvent struct {
	ID      string                `json:"id"`
	Seq     uint64                `json:"seq"`
	Kind    concurrency.EventKind `json:"kind"`
	BatchID string                `json:"batch_id"`
	TaskID  string                `json:"task_id,omitempty"`
	Payload json.RawMessage       `json:"payload,omitempty"`
}
