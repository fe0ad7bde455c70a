package models

import (
	"fmt"
	"regexp"
	"time"
)

// DefaultCredentialTTL is how long a captured credential stays usable.
const DefaultCredentialTTL = 4 * time.Hour

// DefaultDeviceType is recorded when the captured request carried none.
const DefaultDeviceType = "UnifiedPCMac"

var appMsgTokenPattern = regexp.MustCompile(`appmsg_token=([^;]+)`)

// CaptureFields is the raw extraction result of one intercepted request.
type CaptureFields struct {
	AccountKey    string `json:"account_key"`
	Cookie        string `json:"-"`
	Key           string `json:"-"`
	PassTicket    string `json:"-"`
	UIN           string `json:"-"`
	DeviceType    string `json:"device_type,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	Host          string `json:"host,omitempty"`
	Path          string `json:"path,omitempty"`
}

// Summary returns the non-secret presence flags for these fields.
func (f CaptureFields) Summary() CaptureSummary {
	return CaptureSummary{
		HasKey:        f.Key != "",
		HasPassTicket: f.PassTicket != "",
		HasUIN:        f.UIN != "",
		CookieLength:  len(f.Cookie),
	}
}

// String never renders secret values.
func (f CaptureFields) String() string {
	s := f.Summary()
	return fmt.Sprintf("CaptureFields{account=%s cookie_len=%d key=%t pass_ticket=%t uin=%t}",
		f.AccountKey, s.CookieLength, s.HasKey, s.HasPassTicket, s.HasUIN)
}

// CaptureSummary is safe to log and to send across the worker boundary.
type CaptureSummary struct {
	HasKey        bool `json:"has_key"`
	HasPassTicket bool `json:"has_pass_ticket"`
	HasUIN        bool `json:"has_uin"`
	CookieLength  int  `json:"cookie_length"`
}

// Credential is one capture attempt's persisted result.
type Credential struct {
	ID            int64      `json:"id"`
	AccountKey    string     `json:"account_key"`
	Cookie        string     `json:"cookie,omitempty"`
	Key           string     `json:"key,omitempty"`
	PassTicket    string     `json:"pass_ticket,omitempty"`
	UIN           string     `json:"uin,omitempty"`
	AppMsgToken   string     `json:"appmsg_token,omitempty"`
	DeviceType    string     `json:"device_type,omitempty"`
	ClientVersion string     `json:"client_version,omitempty"`
	CapturedAt    time.Time  `json:"captured_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IsValid       bool       `json:"is_valid"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewCredential builds a valid credential from captured fields.
// A non-positive ttl leaves ExpiresAt unset.
func NewCredential(fields CaptureFields, capturedAt time.Time, ttl time.Duration) *Credential {
	deviceType := fields.DeviceType
	if deviceType == "" {
		deviceType = DefaultDeviceType
	}
	c := &Credential{
		AccountKey:    fields.AccountKey,
		Cookie:        fields.Cookie,
		Key:           fields.Key,
		PassTicket:    fields.PassTicket,
		UIN:           fields.UIN,
		AppMsgToken:   ExtractAppMsgToken(fields.Cookie),
		DeviceType:    deviceType,
		ClientVersion: fields.ClientVersion,
		CapturedAt:    capturedAt,
		IsValid:       true,
		CreatedAt:     capturedAt,
	}
	if ttl > 0 {
		expires := capturedAt.Add(ttl)
		c.ExpiresAt = &expires
	}
	return c
}

// ExtractAppMsgToken derives the short-lived token embedded in the cookie.
func ExtractAppMsgToken(cookie string) string {
	m := appMsgTokenPattern.FindStringSubmatch(cookie)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Usable reports whether the credential is valid and not expired at now.
func (c *Credential) Usable(now time.Time) bool {
	if c == nil || !c.IsValid {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// Summary returns the non-secret presence flags for this credential.
func (c *Credential) Summary() CaptureSummary {
	return CaptureSummary{
		HasKey:        c.Key != "",
		HasPassTicket: c.PassTicket != "",
		HasUIN:        c.UIN != "",
		CookieLength:  len(c.Cookie),
	}
}

// Redacted returns a copy with every secret value cleared.
func (c *Credential) Redacted() *Credential {
	cp := *c
	cp.Cookie = ""
	cp.Key = ""
	cp.PassTicket = ""
	cp.UIN = ""
	cp.AppMsgToken = ""
	return &cp
}

// String never renders secret values.
func (c *Credential) String() string {
	s := c.Summary()
	return fmt.Sprintf("Credential{id=%d account=%s valid=%t cookie_len=%d key=%t pass_ticket=%t}",
		c.ID, c.AccountKey, c.IsValid, s.CookieLength, s.HasKey, s.HasPassTicket)
}
