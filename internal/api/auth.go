package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sessioncap/sessioncap/internal/logging"
)

// Constants for header names
const (
	// DefaultAPIKeyHeader is the default header name for API key authentication
	DefaultAPIKeyHeader = "X-API-Key"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// APIKeyAuth creates a middleware that validates API keys from the request header.
// If no API keys are configured, authentication is bypassed and the request
// is treated as anonymous.
func APIKeyAuth(apiKeys []string, headerName string, logger *logging.Logger) gin.HandlerFunc {
	// Default header name
	if headerName == "" {
		headerName = DefaultAPIKeyHeader
	}

	// If no API keys configured, skip authentication
	if len(apiKeys) == 0 {
		return func(c *gin.Context) {
			c.Set("authenticated", false)
			c.Next()
		}
	}

	return func(c *gin.Context) {
		apiKey := c.GetHeader(headerName)

		if apiKey == "" {
			authFailure(c, logger, headerName, "missing API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "API key is required. Provide it in the '" + headerName + "' header",
				Code:    http.StatusUnauthorized,
			})
			return
		}

		if validKey(apiKeys, apiKey) {
			c.Set("api_key", apiKey)
			c.Set("authenticated", true)
			c.Next()
			return
		}

		authFailure(c, logger, headerName, "invalid API key")
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "Invalid API key",
			Code:    http.StatusUnauthorized,
		})
	}
}

func validKey(apiKeys []string, apiKey string) bool {
	ok := false
	for _, key := range apiKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

func authFailure(c *gin.Context, logger *logging.Logger, headerName, reason string) {
	logger.WarnWithContext(c.Request.Context(), "API authentication failed: "+reason,
		"header_name", headerName,
		"client_ip", c.ClientIP(),
		"path", c.Request.URL.Path,
		"method", c.Request.Method,
	)
	logger.Audit(logging.NewAuditEvent(logging.AuthFailure, c.Request.Method+" "+c.Request.URL.Path, logging.StatusFailure).
		WithIPAddress(c.ClientIP()).
		WithError(reason))
}

// IsAuthenticated returns the API key when the request passed APIKeyAuth with
// a configured key.
func IsAuthenticated(c *gin.Context) (string, bool) {
	if authed, _ := c.Get("authenticated"); authed != true {
		return "", false
	}
	apiKey, _ := c.Get("api_key")
	key, _ := apiKey.(string)
	return key, key != ""
}

// MaskAPIKeys masks API keys for logging (shows only first 4 characters)
func MaskAPIKeys(keys []string) []string {
	masked := make([]string, len(keys))
	for i, key := range keys {
		if len(key) <= 4 {
			masked[i] = strings.Repeat("*", len(key))
		} else {
			masked[i] = key[:4] + strings.Repeat("*", len(key)-4)
		}
	}
	return masked
}
