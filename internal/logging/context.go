package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// CorrelationIDKey is the context key for correlation ID
	CorrelationIDKey contextKey = "correlation_id"

	accountKeyKey contextKey = "account_key"
)

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
// Returns empty string if not set
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// GenerateCorrelationID generates a new UUID-based correlation ID
func GenerateCorrelationID() string {
	return uuid.New().String()
}

// RequestCorrelationID returns the caller-supplied ID when it is a UUID and a
// fresh one otherwise, so arbitrary header text never reaches the logs.
func RequestCorrelationID(header string) string {
	if id, err := uuid.Parse(header); err == nil {
		return id.String()
	}
	return GenerateCorrelationID()
}

// WithSession tags ctx with a capture session. The session ID is the
// correlation ID; accountKey may be empty while it is still unresolved.
func WithSession(ctx context.Context, sessionID, accountKey string) context.Context {
	if sessionID != "" {
		ctx = WithCorrelationID(ctx, sessionID)
	}
	if accountKey != "" {
		ctx = context.WithValue(ctx, accountKeyKey, accountKey)
	}
	return ctx
}

// SessionFromContext returns what WithSession stored.
func SessionFromContext(ctx context.Context) (sessionID, accountKey string) {
	accountKey, _ = ctx.Value(accountKeyKey).(string)
	return GetCorrelationID(ctx), accountKey
}

// ForSession returns a logger that stamps session_id and account_key from
// ctx on every entry. It returns l unchanged when ctx carries no session.
func (l *Logger) ForSession(ctx context.Context) *Logger {
	sessionID, accountKey := SessionFromContext(ctx)
	var fields []interface{}
	if sessionID != "" {
		fields = append(fields, "session_id", sessionID)
	}
	if accountKey != "" {
		fields = append(fields, "account_key", accountKey)
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
