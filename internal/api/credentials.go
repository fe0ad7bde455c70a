package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/sessioncap/sessioncap/internal/models"
	"github.com/sessioncap/sessioncap/internal/validity"
)

// CredentialView is the secret-free form of a credential.
type CredentialView struct {
	ID            int64                 `json:"id"`
	AccountKey    string                `json:"account_key"`
	DeviceType    string                `json:"device_type,omitempty"`
	ClientVersion string                `json:"client_version,omitempty"`
	CapturedAt    time.Time             `json:"captured_at"`
	ExpiresAt     *time.Time            `json:"expires_at,omitempty"`
	IsValid       bool                  `json:"is_valid"`
	Usable        bool                  `json:"usable"`
	Fields        models.CaptureSummary `json:"fields"`
}

func newCredentialView(c *models.Credential, now time.Time) CredentialView {
	return CredentialView{
		ID:            c.ID,
		AccountKey:    c.AccountKey,
		DeviceType:    c.DeviceType,
		ClientVersion: c.ClientVersion,
		CapturedAt:    c.CapturedAt,
		ExpiresAt:     c.ExpiresAt,
		IsValid:       c.IsValid,
		Usable:        c.Usable(now),
		Fields:        c.Summary(),
	}
}

// accountKey reads and validates the :account_key path parameter.
func accountKey(c *gin.Context) (string, bool) {
	key := c.Param("account_key")
	if err := models.ValidateAccountKey(key); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_account_key", err.Error())
		return "", false
	}
	return key, true
}

func (s *Server) handleListAccounts(c *gin.Context) {
	ctx := c.Request.Context()
	if name := c.Query("name"); name != "" {
		acc, err := s.store.FindAccountByName(ctx, name)
		if err != nil {
			s.internalError(c, "find account", err)
			return
		}
		if acc == nil {
			abortError(c, http.StatusNotFound, "not_found", "no account with that name")
			return
		}
		c.JSON(http.StatusOK, gin.H{"accounts": []*models.Account{acc}, "count": 1})
		return
	}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.internalError(c, "list accounts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}

// handleGetCredential returns the current usable credential. Secret values
// are included only with ?reveal=true on an authenticated request.
func (s *Server) handleGetCredential(c *gin.Context) {
	key, ok := accountKey(c)
	if !ok {
		return
	}
	reveal := c.Query("reveal") == "true"
	if reveal {
		if _, authed := IsAuthenticated(c); !authed {
			s.logger.Audit(logging.NewAuditEvent(logging.CredentialRevealed, "reveal", logging.StatusFailure).
				WithAccount(key).
				WithIPAddress(c.ClientIP()).
				WithError("reveal requires API key authentication"))
			abortError(c, http.StatusForbidden, "forbidden", "reveal requires API key authentication")
			return
		}
	}

	cred, err := s.store.GetValidCredential(c.Request.Context(), key)
	if err != nil {
		s.internalError(c, "get credential", err)
		return
	}
	if cred == nil {
		abortError(c, http.StatusNotFound, "not_found", "no usable credential for account")
		return
	}

	if !reveal {
		c.JSON(http.StatusOK, newCredentialView(cred, time.Now()))
		return
	}
	s.logger.Audit(logging.NewAuditEvent(logging.CredentialRevealed, "reveal", logging.StatusSuccess).
		WithAccount(key).
		WithIPAddress(c.ClientIP()).
		WithSeverity(logging.SeverityWarning).
		WithDetails(map[string]interface{}{"credential_id": cred.ID}))
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, cred)
}

func (s *Server) handleCredentialHistory(c *gin.Context) {
	key, ok := accountKey(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	creds, err := s.store.ListCredentials(c.Request.Context(), key, limit)
	if err != nil {
		s.internalError(c, "list credentials", err)
		return
	}
	now := time.Now()
	views := make([]CredentialView, 0, len(creds))
	for _, cred := range creds {
		views = append(views, newCredentialView(cred, now))
	}
	c.JSON(http.StatusOK, gin.H{"account_key": key, "credentials": views, "count": len(views)})
}

func (s *Server) handleInvalidate(c *gin.Context) {
	key, ok := accountKey(c)
	if !ok {
		return
	}
	n, err := s.reporter.Invalidate(c.Request.Context(), key, "manual")
	if err != nil {
		s.internalError(c, "invalidate", err)
		return
	}
	s.logger.Audit(logging.NewAuditEvent(logging.CredentialInvalidated, "invalidate", logging.StatusSuccess).
		WithAccount(key).
		WithIPAddress(c.ClientIP()).
		WithDetails(map[string]interface{}{"invalidated": n}))
	c.JSON(http.StatusOK, gin.H{"account_key": key, "invalidated": n})
}

// ReportRequest carries a downstream API reply seen by a consumer.
type ReportRequest struct {
	Ret    *int   `json:"ret"`
	ErrMsg string `json:"errmsg"`
}

func (s *Server) handleReport(c *gin.Context) {
	key, ok := accountKey(c)
	if !ok {
		return
	}
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Ret == nil && req.ErrMsg == "" {
		abortError(c, http.StatusBadRequest, "invalid_request", "ret or errmsg is required")
		return
	}
	reply := validity.Reply{ErrMsg: req.ErrMsg}
	if req.Ret != nil {
		reply.Ret = *req.Ret
	}

	rep, err := s.reporter.Report(c.Request.Context(), key, reply)
	if err != nil {
		s.internalError(c, "report", err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) handleProbe(c *gin.Context) {
	key, ok := accountKey(c)
	if !ok {
		return
	}
	if s.prober == nil {
		abortError(c, http.StatusNotImplemented, "unavailable", "validity probe is not configured")
		return
	}
	ctx := c.Request.Context()
	cred, err := s.store.GetValidCredential(ctx, key)
	if err != nil {
		s.internalError(c, "get credential", err)
		return
	}
	if cred == nil {
		abortError(c, http.StatusNotFound, "not_found", "no usable credential for account")
		return
	}

	probe, err := s.prober.Check(ctx, cred)
	if err != nil {
		s.logger.WarnWithContext(ctx, "validity probe failed", "account_key", key, "error", err.Error())
		abortError(c, http.StatusBadGateway, "probe_failed", err.Error())
		return
	}
	resp := gin.H{"account_key": key, "probe": probe}
	if probe.Verdict == validity.VerdictRejected {
		n, err := s.reporter.Invalidate(ctx, key, "probe")
		if err != nil {
			s.internalError(c, "invalidate", err)
			return
		}
		resp["invalidated"] = n
	}
	c.JSON(http.StatusOK, resp)
}
