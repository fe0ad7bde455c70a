package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsRecordingAndHandler(t *testing.T) {
	m := NewMetrics("test")

	m.RecordRequestLatency("/health", "GET", "200", 0.01)
	m.RecordError("timeout", "/health", "GET")
	m.RecordHTTPRequest("/health", "GET", "200")
	m.IncHTTPRequestsInFlight()
	m.DecHTTPRequestsInFlight()
	m.RecordSession("success", 12.5)
	m.SetActiveSession(true)
	m.SetActiveSession(false)
	m.RecordWorkerEvent("status", "listening")
	m.RecordCredentialSaved("saved")
	m.RecordInvalidated("rejected", 2)
	m.RecordInvalidated("manual", 0)
	m.RecordEngineError("forward")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"test_request_latency_seconds",
		`test_capture_sessions_total{outcome="success"} 1`,
		"test_capture_session_duration_seconds",
		"test_capture_active_sessions 0",
		`test_worker_events_total{status="listening",type="status"} 1`,
		`test_credentials_saved_total{result="saved"} 1`,
		`test_credentials_invalidated_total{reason="rejected"} 2`,
		`test_engine_errors_total{op="forward"} 1`,
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected metrics output to contain %q", name)
		}
	}
	if strings.Contains(body, `reason="manual"`) {
		t.Fatalf("zero invalidations should not create a series")
	}

	if _, err := m.registry.Gather(); err != nil {
		t.Fatalf("expected gather to succeed: %v", err)
	}
}
