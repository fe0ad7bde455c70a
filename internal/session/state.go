// Package session runs capture sessions: it redirects OS traffic to a capture
// worker, triggers client activity and waits for a persisted credential.
package session

import (
	"sync"
	"time"
)

// State is a capture session lifecycle state.
type State string

const (
	StateIdle                State = "idle"
	StateProxyEnabled        State = "proxy_enabled"
	StateWorkerStarting      State = "worker_starting"
	StateWorkerListening     State = "worker_listening"
	StateAutomationTriggered State = "automation_triggered"
	StateCapturing           State = "capturing"
	StateSuccess             State = "success"
	StateFailed              State = "failed"
	StateTimedOut            State = "timed_out"
	StateCleaningUp          State = "cleaning_up"
)

// Terminal reports whether s is a verdict state.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateTimedOut
}

// Session is the handle of the one capture in progress.
type Session struct {
	ID         string
	AccountKey string
	StartedAt  time.Time
	Deadline   time.Time

	mu      sync.Mutex
	state   State
	history []State
}

func newSession(id, accountKey string, start time.Time, timeout time.Duration) *Session {
	return &Session{
		ID:         id,
		AccountKey: accountKey,
		StartedAt:  start,
		Deadline:   start.Add(timeout),
		state:      StateIdle,
		history:    []State{StateIdle},
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns every state the session passed through, in order.
func (s *Session) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}

func (s *Session) set(next State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = next
	s.history = append(s.history, next)
	return prev
}

// Request asks for one capture.
type Request struct {
	// AccountKey is the expected account; the worker prefers the id seen in
	// the captured request.
	AccountKey string
	ArticleURL string
	// Timeout overrides the configured session deadline.
	Timeout time.Duration
}

// Result is the verdict of one capture.
type Result struct {
	Success      bool          `json:"success"`
	Reason       string        `json:"reason"`
	AccountKey   string        `json:"account_key,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	State        State         `json:"state"`
	CredentialID int64         `json:"credential_id,omitempty"`
	Duration     time.Duration `json:"duration"`
	History      []State       `json:"history,omitempty"`
}
