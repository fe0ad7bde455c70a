package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sessioncap/sessioncap/internal/errors"
	"github.com/sessioncap/sessioncap/internal/models"
	"github.com/sessioncap/sessioncap/internal/session"
)

// CaptureRequest is the body of POST /capture.
type CaptureRequest struct {
	AccountKey     string `json:"account_key"`
	ArticleURL     string `json:"article_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// CaptureResponse is the verdict of one capture session.
type CaptureResponse struct {
	Success      bool            `json:"success"`
	Reason       string          `json:"reason"`
	AccountKey   string          `json:"account_key,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	State        session.State   `json:"state"`
	CredentialID int64           `json:"credential_id,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	History      []session.State `json:"history,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
}

// statusForKind maps an error kind to the HTTP status of a failed capture.
func statusForKind(kind string) int {
	switch kind {
	case "none":
		return http.StatusOK
	case "conflict":
		return http.StatusConflict
	case "precondition":
		return http.StatusPreconditionFailed
	case "automation", "redirection", "worker", "engine":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCapture(c *gin.Context) {
	if s.capturer == nil {
		abortError(c, http.StatusServiceUnavailable, "unavailable", "capture is not configured")
		return
	}

	var req CaptureRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	req.AccountKey = strings.TrimSpace(req.AccountKey)
	if req.AccountKey != "" {
		if err := models.ValidateAccountKey(req.AccountKey); err != nil {
			abortError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if req.TimeoutSeconds < 0 || timeout > maxCaptureTimeout {
		abortError(c, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("timeout_seconds must be between 0 and %d", int(maxCaptureTimeout.Seconds())))
		return
	}

	res, err := s.capturer.Capture(c.Request.Context(), session.Request{
		AccountKey: req.AccountKey,
		ArticleURL: req.ArticleURL,
		Timeout:    timeout,
	})

	kind := errors.Kind(err)
	resp := CaptureResponse{ErrorKind: kind, Retryable: errors.IsRetryable(err)}
	if err == nil {
		resp.ErrorKind = ""
	}
	if res != nil {
		resp.Success = res.Success
		resp.Reason = res.Reason
		resp.AccountKey = res.AccountKey
		resp.SessionID = res.SessionID
		resp.State = res.State
		resp.CredentialID = res.CredentialID
		resp.DurationMS = res.Duration.Milliseconds()
		resp.History = res.History
	} else if err != nil {
		resp.Reason = err.Error()
		resp.State = session.StateFailed
	}
	if err != nil {
		s.metrics.RecordError(kind, c.FullPath(), c.Request.Method)
	}
	c.JSON(statusForKind(kind), resp)
}

func (s *Server) handleActive(c *gin.Context) {
	if s.capturer == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	active := activeView(s.capturer.Active())
	c.JSON(http.StatusOK, gin.H{"active": active != nil, "session": active})
}
