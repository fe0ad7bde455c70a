package worker

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/sessioncap/sessioncap/internal/models"
)

// ErrAfterTerminal is returned when an event is emitted after a terminal one.
var ErrAfterTerminal = stderrors.New("terminal event already emitted")

// Emitter stamps events and guarantees a single terminal event.
type Emitter struct {
	sink  Sink
	clock func() time.Time

	mu       sync.Mutex
	terminal *Event
}

// NewEmitter wraps sink.
func NewEmitter(sink Sink) *Emitter {
	return &Emitter{sink: sink, clock: time.Now}
}

// Emit sends e unless a terminal event was already sent.
func (m *Emitter) Emit(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal != nil {
		return ErrAfterTerminal
	}
	if e.Time.IsZero() {
		e.Time = m.clock().UTC()
	}
	if e.Terminal() {
		cp := e
		m.terminal = &cp
	}
	return m.sink.Send(e)
}

// Done reports whether a terminal event was emitted.
func (m *Emitter) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal != nil
}

// Terminal returns the terminal event, if any.
func (m *Emitter) Terminal() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal == nil {
		return Event{}, false
	}
	return *m.terminal, true
}

func (m *Emitter) Status(status, message string) error {
	return m.Emit(Event{Type: EventStatus, Status: status, Message: message})
}

func (m *Emitter) Listening(port int) error {
	return m.Emit(Event{Type: EventStatus, Status: StatusListening, Port: port, Message: "capture engine listening"})
}

func (m *Emitter) Saving(accountKey string) error {
	return m.Emit(Event{Type: EventStatus, Status: StatusSavingToDB, AccountKey: accountKey, Message: "saving credential"})
}

func (m *Emitter) Saved(accountKey string, id int64) error {
	return m.Emit(Event{Type: EventStatus, Status: StatusDBSaved, AccountKey: accountKey, RecordID: id, Message: "credential saved"})
}

func (m *Emitter) SaveFailed(accountKey string, err error) error {
	return m.Emit(Event{Type: EventWarning, Status: StatusDBSaveFailed, AccountKey: accountKey, Message: "credential not saved", Error: err.Error()})
}

func (m *Emitter) Complete(accountKey string, summary models.CaptureSummary) error {
	return m.Emit(Event{Type: EventComplete, Status: StatusSuccess, AccountKey: accountKey, Summary: &summary, Message: "credential captured"})
}

func (m *Emitter) Fail(message, trace string) error {
	return m.Emit(Event{Type: EventError, Status: StatusError, Message: message, Error: message, Trace: trace})
}

func (m *Emitter) Interrupted(message string) error {
	return m.Emit(Event{Type: EventInterrupted, Status: StatusInterrupted, Message: message})
}
