// Package worker runs the capture engine in an isolated process and speaks a
// JSON-lines event protocol with the orchestrator.
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sessioncap/sessioncap/internal/models"
)

// EventType is the coarse kind of a worker event.
type EventType string

const (
	EventStatus      EventType = "status"
	EventWarning     EventType = "warning"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
	EventInterrupted EventType = "interrupted"
)

// Worker lifecycle statuses, in emission order.
const (
	StatusStarting     = "starting"
	StatusInitializing = "initializing"
	StatusListening    = "listening"
	StatusCapturing    = "capturing"
	StatusSavingToDB   = "saving_to_db"
	StatusDBSaved      = "db_saved"
	StatusDBSaveFailed = "db_save_failed"
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusInterrupted  = "interrupted"
)

// maxLine bounds one protocol line; longer lines are dropped.
const maxLine = 1 << 20

// Event is one line of worker output.
type Event struct {
	Type       EventType              `json:"type"`
	Status     string                 `json:"status,omitempty"`
	Message    string                 `json:"message,omitempty"`
	AccountKey string                 `json:"account_key,omitempty"`
	Port       int                    `json:"port,omitempty"`
	RecordID   int64                  `json:"record_id,omitempty"`
	Summary    *models.CaptureSummary `json:"summary,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Trace      string                 `json:"trace,omitempty"`
	Time       time.Time              `json:"time"`
}

// Terminal reports whether the event ends the worker's protocol.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventError, EventInterrupted:
		return true
	}
	return false
}

// CommandType names an orchestrator-to-worker command.
type CommandType string

// CommandShutdown asks the worker to stop; stdin EOF means the same.
const CommandShutdown CommandType = "shutdown"

// Command is one line of worker input.
type Command struct {
	Type CommandType `json:"type"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Send(Event) error
}

// JSONSink writes events as JSON lines.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONSink wraps w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

func (s *JSONSink) Send(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(e)
}

// ChanSink delivers events to a buffered channel. Send never blocks; events
// beyond the buffer are reported as an error.
type ChanSink chan Event

func (s ChanSink) Send(e Event) error {
	select {
	case s <- e:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s/%s", e.Type, e.Status)
	}
}

// ReadEvents decodes JSON-lines events from r until EOF. Lines that are not
// valid events are passed to onInvalid and skipped.
func ReadEvents(r io.Reader, fn func(Event), onInvalid func(line string, err error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			if err == nil {
				err = fmt.Errorf("event without type")
			}
			if onInvalid != nil {
				onInvalid(string(line), err)
			}
			continue
		}
		fn(ev)
	}
	return sc.Err()
}

// WriteCommand encodes one command line.
func WriteCommand(w io.Writer, c Command) error {
	return json.NewEncoder(w).Encode(c)
}

// ReadCommands calls fn for each command read from r and returns at EOF.
func ReadCommands(r io.Reader, fn func(Command)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), maxLine)
	for sc.Scan() {
		var c Command
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			continue
		}
		fn(c)
	}
	return sc.Err()
}
