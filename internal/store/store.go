package store

import (
	"context"
	"time"

	"github.com/sessioncap/sessioncap/internal/models"
)

// CredentialStore persists accounts and the credentials captured for them.
//
// For any account key at most one credential is valid at a time: SaveCredential
// invalidates the previous valid credentials and inserts the new one as a single
// atomic unit. Credentials are never deleted, only invalidated.
type CredentialStore interface {
	// UpsertAccount creates the account on first sight and updates its name
	// when name is non-empty and different.
	UpsertAccount(ctx context.Context, key, name string) (*models.Account, error)
	GetAccount(ctx context.Context, key string) (*models.Account, error)
	FindAccountByName(ctx context.Context, name string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)

	SaveCredential(ctx context.Context, key string, fields models.CaptureFields) (*models.Credential, error)
	// GetValidCredential returns the newest usable credential, or nil when none.
	GetValidCredential(ctx context.Context, key string) (*models.Credential, error)
	// Invalidate flips every valid credential for key and returns how many changed.
	Invalidate(ctx context.Context, key string) (int64, error)
	ListCredentials(ctx context.Context, key string, limit int) ([]*models.Credential, error)
	// HasCapturedSince reports whether a usable credential for key was captured
	// at or after since.
	HasCapturedSince(ctx context.Context, key string, since time.Time) (bool, error)
	// SweepExpired marks valid credentials whose expiry has passed as invalid.
	SweepExpired(ctx context.Context) (int64, error)

	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	AccountCount         int `json:"account_count"`
	CredentialCount      int `json:"credential_count"`
	ValidCredentialCount int `json:"valid_credential_count"`
	ExpiredPendingSweep  int `json:"expired_pending_sweep"`
}

// Option configures a store.
type Option func(*options)

type options struct {
	ttl   time.Duration
	clock func() time.Time
}

// WithTTL sets the credential lifetime. A negative value disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func buildOptions(opts []Option) options {
	o := options{
		ttl:   models.DefaultCredentialTTL,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const defaultListLimit = 50
