// Package validity decides whether a downstream API reply means a captured
// credential has been rejected, and invalidates it when so.
package validity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sessioncap/sessioncap/internal/config"
)

// Reply is the part of a downstream API response the policy inspects.
type Reply struct {
	Ret    int    `json:"ret"`
	ErrMsg string `json:"errmsg"`
}

// UnmarshalJSON accepts ret as a number or a numeric string, and reads
// errmsg from either the top level or base_resp.
func (r *Reply) UnmarshalJSON(data []byte) error {
	var raw struct {
		Ret      json.RawMessage `json:"ret"`
		ErrMsg   string          `json:"errmsg"`
		BaseResp *struct {
			Ret    json.RawMessage `json:"ret"`
			ErrMsg string          `json:"errmsg"`
		} `json:"base_resp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	retRaw, msg := raw.Ret, raw.ErrMsg
	if raw.BaseResp != nil {
		if len(retRaw) == 0 {
			retRaw = raw.BaseResp.Ret
		}
		if msg == "" {
			msg = raw.BaseResp.ErrMsg
		}
	}
	ret, err := parseRet(retRaw)
	if err != nil {
		return err
	}
	r.Ret, r.ErrMsg = ret, msg
	return nil
}

func parseRet(raw json.RawMessage) (int, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("ret %q is not an integer", s)
	}
	return n, nil
}

// ParseReply decodes a JSON reply body.
func ParseReply(body []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(body, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return r, nil
}

// RejectionPolicy matches replies that mean the session was refused.
type RejectionPolicy struct {
	retCodes   map[int]struct{}
	substrings []string
}

// NewPolicy builds a policy from config. Substring matching is
// case-insensitive.
func NewPolicy(cfg config.ValidityConfig) *RejectionPolicy {
	p := &RejectionPolicy{retCodes: make(map[int]struct{}, len(cfg.RejectRetCodes))}
	for _, code := range cfg.RejectRetCodes {
		p.retCodes[code] = struct{}{}
	}
	for _, s := range cfg.RejectSubstrings {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			p.substrings = append(p.substrings, s)
		}
	}
	return p
}

// DefaultPolicy rejects ret -3 and messages containing "no session".
func DefaultPolicy() *RejectionPolicy {
	return NewPolicy(config.ValidityConfig{
		RejectRetCodes:   []int{-3},
		RejectSubstrings: []string{"no session"},
	})
}

// Rejected reports whether r means the credential is no longer accepted,
// with the matched rule.
func (p *RejectionPolicy) Rejected(r Reply) (bool, string) {
	if _, ok := p.retCodes[r.Ret]; ok {
		return true, fmt.Sprintf("ret=%d", r.Ret)
	}
	msg := strings.ToLower(r.ErrMsg)
	for _, s := range p.substrings {
		if strings.Contains(msg, s) {
			return true, fmt.Sprintf("errmsg contains %q", s)
		}
	}
	return false, ""
}
