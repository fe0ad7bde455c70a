package validity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sessioncap/sessioncap/internal/models"
)

const maxProbeBody = 1 << 20

// Verdict is the result of probing one credential.
type Verdict string

const (
	VerdictValid    Verdict = "valid"
	VerdictRejected Verdict = "rejected"
	// VerdictUnknown covers transport failures and non-zero replies the
	// policy does not treat as rejection.
	VerdictUnknown Verdict = "unknown"
)

// Probe is the outcome of Prober.Check.
type Probe struct {
	Verdict Verdict `json:"verdict"`
	Ret     int     `json:"ret"`
	ErrMsg  string  `json:"errmsg,omitempty"`
	Rule    string  `json:"rule,omitempty"`
}

// Doer sends HTTP requests; *upstream.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober checks a credential with a lightweight profile message request.
type Prober struct {
	client  Doer
	policy  *RejectionPolicy
	baseURL string
	timeout time.Duration
}

// NewProber creates a prober against baseURL.
func NewProber(client Doer, policy *RejectionPolicy, baseURL string, timeout time.Duration) *Prober {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Prober{client: client, policy: policy, baseURL: baseURL, timeout: timeout}
}

// Check sends one request with cred and classifies the reply. An error is
// returned only when the request could not be built or sent.
func (p *Prober) Check(ctx context.Context, cred *models.Credential) (*Probe, error) {
	if cred == nil {
		return nil, fmt.Errorf("no credential")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := p.request(ctx, cred)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		// *url.Error repeats the request URL, which carries the secrets.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return &Probe{Verdict: VerdictUnknown}, fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return &Probe{Verdict: VerdictUnknown}, fmt.Errorf("read probe reply: %w", err)
	}
	reply, err := ParseReply(body)
	if err != nil {
		return &Probe{Verdict: VerdictUnknown}, nil
	}

	out := &Probe{Ret: reply.Ret, ErrMsg: reply.ErrMsg}
	if rejected, rule := p.policy.Rejected(reply); rejected {
		out.Verdict, out.Rule = VerdictRejected, rule
	} else if reply.Ret == 0 {
		out.Verdict = VerdictValid
	} else {
		out.Verdict = VerdictUnknown
	}
	return out, nil
}

func (p *Prober) request(ctx context.Context, cred *models.Credential) (*http.Request, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("probe url: %w", err)
	}
	q := url.Values{}
	q.Set("action", "getmsg")
	q.Set("__biz", cred.AccountKey)
	q.Set("f", "json")
	q.Set("offset", "0")
	q.Set("count", "1")
	q.Set("is_ok", "1")
	q.Set("scene", "124")
	q.Set("uin", cred.UIN)
	q.Set("key", cred.Key)
	q.Set("pass_ticket", cred.PassTicket)
	q.Set("wxtoken", "")
	q.Set("appmsg_token", cred.AppMsgToken)
	q.Set("x5", "0")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if cred.Cookie != "" {
		req.Header.Set("Cookie", cred.Cookie)
	}
	home := url.Values{}
	home.Set("action", "home")
	home.Set("__biz", cred.AccountKey)
	home.Set("scene", "124")
	req.Header.Set("Referer", u.Scheme+"://"+u.Host+u.Path+"?"+home.Encode())
	return req, nil
}
