package logging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Authentication events
	AuthSuccess AuditEventType = "AUTH_SUCCESS"
	AuthFailure AuditEventType = "AUTH_FAILURE"

	// API access events
	APIAccess AuditEventType = "API_ACCESS"

	// Configuration events
	ConfigChange AuditEventType = "CONFIG_CHANGE"

	// Capture session events
	CaptureStarted   AuditEventType = "CAPTURE_STARTED"
	CaptureSucceeded AuditEventType = "CAPTURE_SUCCEEDED"
	CaptureFailed    AuditEventType = "CAPTURE_FAILED"

	// Credential events
	CredentialRevealed    AuditEventType = "CREDENTIAL_REVEALED"
	CredentialInvalidated AuditEventType = "CREDENTIAL_INVALIDATED"
	CredentialRejected    AuditEventType = "CREDENTIAL_REJECTED"
)

// AuditSeverity represents the severity level of an audit event
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// AuditStatus represents the status of an audited action
type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusFailure AuditStatus = "failure"
)

// AuditEvent records who touched which session or credential. Details must
// never carry raw secret values.
type AuditEvent struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    AuditEventType         `json:"event_type"`
	Severity     AuditSeverity          `json:"severity"`
	SessionID    string                 `json:"session_id,omitempty"`
	AccountKey   string                 `json:"account_key,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Action       string                 `json:"action"`
	Status       AuditStatus            `json:"status"`
	Details      map[string]interface{} `json:"details,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// NewAuditEvent creates a new audit event with a generated ID and timestamp
func NewAuditEvent(eventType AuditEventType, action string, status AuditStatus) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  SeverityInfo,
		Action:    action,
		Status:    status,
	}
}

// WithSession sets the capture session ID
func (e *AuditEvent) WithSession(sessionID string) *AuditEvent {
	e.SessionID = sessionID
	return e
}

// WithAccount sets the account key
func (e *AuditEvent) WithAccount(accountKey string) *AuditEvent {
	e.AccountKey = accountKey
	return e
}

// WithIPAddress sets the IP address for the audit event
func (e *AuditEvent) WithIPAddress(ipAddress string) *AuditEvent {
	e.IPAddress = ipAddress
	return e
}

// WithSeverity sets the severity for the audit event
func (e *AuditEvent) WithSeverity(severity AuditSeverity) *AuditEvent {
	e.Severity = severity
	return e
}

// WithDetails sets the details map for the audit event
func (e *AuditEvent) WithDetails(details map[string]interface{}) *AuditEvent {
	e.Details = details
	return e
}

// WithError sets the error message for the audit event
func (e *AuditEvent) WithError(errorMessage string) *AuditEvent {
	e.ErrorMessage = errorMessage
	e.Status = StatusFailure
	if e.Severity == SeverityInfo {
		e.Severity = SeverityError
	}
	return e
}

// ToJSON converts the audit event to a JSON string
func (e *AuditEvent) ToJSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal audit event: %v"}`, err)
	}
	return string(data)
}

// ParseAuditEvent parses a JSON string into an AuditEvent
func ParseAuditEvent(data string) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to parse audit event: %w", err)
	}
	return &event, nil
}

// Audit writes the event through the logger at a level derived from severity.
func (l *Logger) Audit(e *AuditEvent) {
	fields := []interface{}{
		"audit_id", e.ID,
		"event_type", string(e.EventType),
		"action", e.Action,
		"status", string(e.Status),
	}
	if e.SessionID != "" {
		fields = append(fields, "correlation_id", e.SessionID)
	}
	if e.AccountKey != "" {
		fields = append(fields, "account_key", e.AccountKey)
	}
	if e.IPAddress != "" {
		fields = append(fields, "ip", e.IPAddress)
	}
	if e.ErrorMessage != "" {
		fields = append(fields, "error", e.ErrorMessage)
	}
	for k, v := range e.Details {
		fields = append(fields, k, v)
	}

	switch e.Severity {
	case SeverityError, SeverityCritical:
		l.Error("audit", fields...)
	case SeverityWarning:
		l.Warn("audit", fields...)
	default:
		l.Info("audit", fields...)
	}
}
