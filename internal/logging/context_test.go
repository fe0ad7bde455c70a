package logging

import (
	"bytes"
	"context"
	"testing"
)

func TestCorrelationIDHelpers(t *testing.T) {
	ctx := context.Background()
	if GetCorrelationID(ctx) != "" {
		t.Fatalf("expected empty correlation id")
	}

	ctx = WithCorrelationID(ctx, "cid")
	if GetCorrelationID(ctx) != "cid" {
		t.Fatalf("expected correlation id to be set")
	}
}

func TestRequestCorrelationID(t *testing.T) {
	const id = "5f0c2f8e-7a57-4d4b-9a43-3c1e0f1d2b6a"
	if got := RequestCorrelationID(id); got != id {
		t.Fatalf("expected caller id to be kept, got %s", got)
	}

	for _, header := range []string{"", "not-a-uuid", "x\nforged log line"} {
		got := RequestCorrelationID(header)
		if got == "" || got == header {
			t.Fatalf("expected a fresh id for %q, got %q", header, got)
		}
	}
}

func TestSessionContext(t *testing.T) {
	ctx := WithSession(context.Background(), "sess-1", "MzA5MjA0ODI0MA==")

	sessionID, accountKey := SessionFromContext(ctx)
	if sessionID != "sess-1" || accountKey != "MzA5MjA0ODI0MA==" {
		t.Fatalf("unexpected session context: %q %q", sessionID, accountKey)
	}
	if GetCorrelationID(ctx) != "sess-1" {
		t.Fatalf("session id must double as correlation id")
	}

	sessionID, accountKey = SessionFromContext(WithSession(context.Background(), "sess-2", ""))
	if sessionID != "sess-2" || accountKey != "" {
		t.Fatalf("unexpected session context without account: %q %q", sessionID, accountKey)
	}
}

func TestForSession(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(WithOutput(&buf), WithLevel(LevelDebug))

	if base.ForSession(context.Background()) != base {
		t.Fatalf("expected the same logger for a context without session")
	}

	ctx := WithSession(context.Background(), "sess-1", "MzA5MjA0ODI0MA==")
	base.ForSession(ctx).InfoWithContext(ctx, "capture session started")

	entry := decodeLastLog(t, buf.Bytes())
	if entry["correlation_id"] != "sess-1" {
		t.Fatalf("unexpected correlation id: %v", entry["correlation_id"])
	}
	fields := entry["fields"].(map[string]interface{})
	if fields["session_id"] != "sess-1" {
		t.Fatalf("expected session_id field, got %v", fields)
	}
	if fields["account_key"] != "MzA5MjA0ODI0MA==" {
		t.Fatalf("expected account_key field, got %v", fields)
	}
}
