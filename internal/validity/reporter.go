package validity

import (
	"context"
	"fmt"

	"github.com/sessioncap/sessioncap/internal/errors"
	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/sessioncap/sessioncap/internal/metrics"
	"github.com/sessioncap/sessioncap/internal/store"
)

// Report is the outcome of applying the policy to one reply.
type Report struct {
	AccountKey  string `json:"account_key"`
	Rejected    bool   `json:"rejected"`
	Rule        string `json:"rule,omitempty"`
	Invalidated int64  `json:"invalidated"`
}

// Reporter invalidates an account's credentials when a downstream reply is
// rejected by the policy.
type Reporter struct {
	policy  *RejectionPolicy
	store   store.CredentialStore
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewReporter creates a reporter. m may be nil.
func NewReporter(policy *RejectionPolicy, st store.CredentialStore, logger *logging.Logger, m *metrics.Metrics) *Reporter {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Reporter{policy: policy, store: st, logger: logger, metrics: m}
}

// Policy returns the policy in use.
func (r *Reporter) Policy() *RejectionPolicy {
	return r.policy
}

// Report classifies reply and invalidates key's credentials when rejected.
func (r *Reporter) Report(ctx context.Context, key string, reply Reply) (*Report, error) {
	rep := &Report{AccountKey: key}
	rejected, rule := r.policy.Rejected(reply)
	if !rejected {
		return rep, nil
	}
	rep.Rejected, rep.Rule = true, rule

	n, err := r.Invalidate(ctx, key, "rejected")
	if err != nil {
		return rep, err
	}
	rep.Invalidated = n

	if r.logger != nil {
		r.logger.Audit(logging.NewAuditEvent(logging.CredentialRejected, "report", logging.StatusSuccess).
			WithAccount(key).
			WithSeverity(logging.SeverityWarning).
			WithDetails(map[string]interface{}{"rule": rule, "invalidated": n}))
	}
	return rep, nil
}

// Invalidate marks key's credentials invalid and records why.
func (r *Reporter) Invalidate(ctx context.Context, key, reason string) (int64, error) {
	n, err := r.store.Invalidate(ctx, key)
	if err != nil {
		return 0, &errors.PersistenceError{AccountKey: key, Err: fmt.Errorf("invalidate: %w", err)}
	}
	if r.metrics != nil {
		r.metrics.RecordInvalidated(reason, n)
	}
	if r.logger != nil {
		r.logger.InfoWithContext(ctx, "credentials invalidated", "account_key", key, "reason", reason, "count", n)
	}
	return n, nil
}
