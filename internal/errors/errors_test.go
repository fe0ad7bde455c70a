package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestConfigErrors(t *testing.T) {
	notFound := &ErrConfigNotFound{Path: "/tmp/config.yaml"}
	if !strings.Contains(notFound.Error(), "config file not found") {
		t.Fatalf("unexpected error message: %s", notFound.Error())
	}
	if !strings.Contains(notFound.Error(), notFound.Path) {
		t.Fatalf("expected path in error message: %s", notFound.Error())
	}

	base := errors.New("bad yaml")
	parse := &ErrConfigParse{Err: base}
	if !strings.Contains(parse.Error(), "failed to parse YAML") {
		t.Fatalf("unexpected parse message: %s", parse.Error())
	}
	if !errors.Is(parse, base) {
		t.Fatalf("expected unwrap to base error")
	}

	validation := &ErrConfigValidation{Err: base}
	if !strings.Contains(validation.Error(), "config validation failed") {
		t.Fatalf("unexpected validation message: %s", validation.Error())
	}
	if !errors.Is(validation, base) {
		t.Fatalf("expected unwrap to base error")
	}
}

func TestDatabaseErrors(t *testing.T) {
	base := errors.New("db")

	op := &ErrDatabaseOpen{Path: "/tmp/db.sqlite", Err: base}
	if !strings.Contains(op.Error(), "failed to open database") {
		t.Fatalf("unexpected open message: %s", op.Error())
	}
	if !errors.Is(op, base) {
		t.Fatalf("expected unwrap to base error")
	}

	migration := &ErrDatabaseMigration{Version: 2, Err: base}
	if !strings.Contains(migration.Error(), "database migration 2 failed") {
		t.Fatalf("unexpected migration message: %s", migration.Error())
	}

	query := &ErrDatabaseQuery{Operation: "select", Err: base}
	if !strings.Contains(query.Error(), "database query failed") {
		t.Fatalf("unexpected query message: %s", query.Error())
	}
	if !errors.Is(query, base) {
		t.Fatalf("expected unwrap to base error")
	}
}

func TestKind(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		err       error
		kind      string
		retryable bool
	}{
		{nil, "none", false},
		{&PreconditionError{Resource: "ca certificate", Path: "certs/ca.crt"}, "precondition", false},
		{&ConflictError{ActiveSession: "abc"}, "conflict", true},
		{&EngineError{Op: "handshake", Host: "example.com", Err: base}, "engine", false},
		{&AutomationError{Trigger: "command", Err: base}, "automation", true},
		{&TimeoutError{Stage: "capturing", After: 2 * time.Second}, "timeout", true},
		{&PersistenceError{AccountKey: "biz", Err: base}, "persistence", false},
		{&WorkerError{Stage: "listening", Message: "exited"}, "worker", true},
		{&RedirectionError{Switch: "gnome", Addr: "127.0.0.1:8080", Err: base}, "redirection", true},
		{fmt.Errorf("wrapped: %w", &PreconditionError{Resource: "ca key"}), "precondition", false},
		{fmt.Errorf("wrapped: %w", &TimeoutError{Stage: "startup"}), "timeout", true},
		{base, "internal", false},
	}

	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.kind {
			t.Errorf("Kind(%v) = %s, want %s", tt.err, got, tt.kind)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}

func TestCaptureErrorMessages(t *testing.T) {
	conflict := &ConflictError{ActiveSession: "s-1"}
	if !strings.Contains(conflict.Error(), "already in progress") {
		t.Fatalf("unexpected conflict message: %s", conflict.Error())
	}

	pre := &PreconditionError{Resource: "ca key", Path: "/x/ca.key", Err: errors.New("missing")}
	if !strings.Contains(pre.Error(), "/x/ca.key") {
		t.Fatalf("expected path in precondition message: %s", pre.Error())
	}

	timeout := &TimeoutError{Stage: "waiting for capture", After: 1500 * time.Millisecond}
	if !strings.Contains(timeout.Error(), "1.5s") {
		t.Fatalf("unexpected timeout message: %s", timeout.Error())
	}

	persistence := &PersistenceError{AccountKey: "MzA5"}
	if !strings.Contains(persistence.Error(), "MzA5") {
		t.Fatalf("unexpected persistence message: %s", persistence.Error())
	}
}
