package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}

// Capture pipeline errors

// PreconditionError reports missing local material (CA certificate or key).
// It is fatal and never retried.
type PreconditionError struct {
	Resource string
	Path     string
	Err      error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precondition failed: %s %s: %v", e.Resource, e.Path, e.Err)
	}
	return fmt.Sprintf("precondition failed: %s %s", e.Resource, e.Path)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// ConflictError is returned when a capture session is already running.
type ConflictError struct {
	ActiveSession string
	AccountKey    string
}

func (e *ConflictError) Error() string {
	if e.ActiveSession != "" {
		return fmt.Sprintf("capture already in progress (session %s)", e.ActiveSession)
	}
	return "capture already in progress"
}

// EngineError wraps a failure while handling intercepted traffic.
type EngineError struct {
	Op   string
	Host string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("engine %s %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// AutomationError reports that the traffic generator failed.
type AutomationError struct {
	Trigger string
	Err     error
}

func (e *AutomationError) Error() string {
	return fmt.Sprintf("traffic trigger %s failed: %v", e.Trigger, e.Err)
}

func (e *AutomationError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an elapsed session deadline or sub-timeout.
type TimeoutError struct {
	Stage string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s while %s", e.After.Round(time.Millisecond), e.Stage)
}

// PersistenceError reports that no usable credential was stored after a capture.
type PersistenceError struct {
	AccountKey string
	Err        error
}

func (e *PersistenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential for %q not persisted: %v", e.AccountKey, e.Err)
	}
	return fmt.Sprintf("credential for %q not persisted", e.AccountKey)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RedirectionError reports that OS traffic redirection could not be switched
// on.
type RedirectionError struct {
	Switch string
	Addr   string
	Err    error
}

func (e *RedirectionError) Error() string {
	return fmt.Sprintf("system proxy %s to %s failed: %v", e.Switch, e.Addr, e.Err)
}

func (e *RedirectionError) Unwrap() error {
	return e.Err
}

// WorkerError reports a worker that failed or exited early.
type WorkerError struct {
	Stage   string
	Message string
	Trace   string
}

func (e *WorkerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("worker failed during %s", e.Stage)
	}
	return fmt.Sprintf("worker failed during %s: %s", e.Stage, e.Message)
}

// Kind returns a short stable label for err, used for metrics and API codes.
func Kind(err error) string {
	var (
		precondition *PreconditionError
		conflict     *ConflictError
		engine       *EngineError
		automation   *AutomationError
		timeout      *TimeoutError
		persistence  *PersistenceError
		redirection  *RedirectionError
		worker       *WorkerError
	)
	switch {
	case err == nil:
		return "none"
	case stderrors.As(err, &precondition):
		return "precondition"
	case stderrors.As(err, &conflict):
		return "conflict"
	case stderrors.As(err, &timeout):
		return "timeout"
	case stderrors.As(err, &automation):
		return "automation"
	case stderrors.As(err, &persistence):
		return "persistence"
	case stderrors.As(err, &redirection):
		return "redirection"
	case stderrors.As(err, &worker):
		return "worker"
	case stderrors.As(err, &engine):
		return "engine"
	default:
		return "internal"
	}
}

// IsRetryable reports whether the caller may try the same capture again later.
func IsRetryable(err error) bool {
	switch Kind(err) {
	case "conflict", "timeout", "automation", "redirection", "worker":
		return true
	default:
		return false
	}
}
