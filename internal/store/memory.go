package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sessioncap/sessioncap/internal/models"
)

// MemoryStore is an in-memory CredentialStore, used for tests and dry runs.
// It is thread-safe and supports concurrent access.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*models.Account      // key: account key
	credentials map[string][]*models.Credential // key: account key, insertion order
	nextAccount int64
	nextCred    int64
	opts        options
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*models.Account),
		credentials: make(map[string][]*models.Credential),
		opts:        buildOptions(opts),
	}
}

// Account operations

// UpsertAccount creates or renames an account.
func (s *MemoryStore) UpsertAccount(_ context.Context, key, name string) (*models.Account, error) {
	if err := models.ValidateAccountKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.upsertLocked(key, name)
	cp := *acc
	return &cp, nil
}

func (s *MemoryStore) upsertLocked(key, name string) *models.Account {
	now := s.opts.clock().UTC()
	acc, ok := s.accounts[key]
	if !ok {
		s.nextAccount++
		acc = &models.Account{
			ID:        s.nextAccount,
			Key:       key,
			Name:      strings.TrimSpace(name),
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.accounts[key] = acc
		return acc
	}
	acc.ApplyName(name, now)
	return acc
}

// GetAccount returns the account for key, or nil.
func (s *MemoryStore) GetAccount(_ context.Context, key string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[key]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

// FindAccountByName returns the most recently updated account with that name.
func (s *MemoryStore) FindAccountByName(_ context.Context, name string) (*models.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Account
	for _, acc := range s.accounts {
		if acc.Name != name {
			continue
		}
		if best == nil || acc.UpdatedAt.After(best.UpdatedAt) ||
			(acc.UpdatedAt.Equal(best.UpdatedAt) && acc.ID > best.ID) {
			best = acc
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// ListAccounts returns all accounts ordered by key.
func (s *MemoryStore) ListAccounts(_ context.Context) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		cp := *acc
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Credential operations

// SaveCredential invalidates previous valid credentials and appends the new one
// under the store lock.
func (s *MemoryStore) SaveCredential(_ context.Context, key string, fields models.CaptureFields) (*models.Credential, error) {
	if err := models.ValidateAccountKey(key); err != nil {
		return nil, err
	}
	fields.AccountKey = key
	cred := models.NewCredential(fields, s.opts.clock().UTC(), s.opts.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(key, "")
	for _, c := range s.credentials[key] {
		c.IsValid = false
	}
	s.nextCred++
	cred.ID = s.nextCred
	s.credentials[key] = append(s.credentials[key], cred)

	cp := *cred
	return &cp, nil
}

// GetValidCredential returns the newest usable credential for key.
func (s *MemoryStore) GetValidCredential(_ context.Context, key string) (*models.Credential, error) {
	now := s.opts.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Credential
	for _, c := range s.credentials[key] {
		if !c.Usable(now) {
			continue
		}
		if best == nil || newer(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func newer(a, b *models.Credential) bool {
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.After(b.CapturedAt)
	}
	return a.ID > b.ID
}

// Invalidate marks every valid credential for key as invalid.
func (s *MemoryStore) Invalidate(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.credentials[key] {
		if c.IsValid {
			c.IsValid = false
			n++
		}
	}
	return n, nil
}

// ListCredentials returns credentials for key, newest first.
func (s *MemoryStore) ListCredentials(_ context.Context, key string, limit int) ([]*models.Credential, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds := s.credentials[key]
	result := make([]*models.Credential, 0, len(creds))
	for _, c := range creds {
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return newer(result[i], result[j]) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// HasCapturedSince reports whether a usable credential was captured at or after since.
func (s *MemoryStore) HasCapturedSince(_ context.Context, key string, since time.Time) (bool, error) {
	now := s.opts.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.credentials[key] {
		if c.Usable(now) && !c.CapturedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// SweepExpired soft-invalidates credentials whose expiry has passed.
func (s *MemoryStore) SweepExpired(_ context.Context) (int64, error) {
	now := s.opts.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, creds := range s.credentials {
		for _, c := range creds {
			if c.IsValid && c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
				c.IsValid = false
				n++
			}
		}
	}
	return n, nil
}

// Stats returns statistics about the store
func (s *MemoryStore) Stats(_ context.Context) (StoreStats, error) {
	now := s.opts.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := StoreStats{AccountCount: len(s.accounts)}
	for _, creds := range s.credentials {
		st.CredentialCount += len(creds)
		for _, c := range creds {
			switch {
			case c.Usable(now):
				st.ValidCredentialCount++
			case c.IsValid:
				st.ExpiredPendingSweep++
			}
		}
	}
	return st, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements the CredentialStore interface
var _ CredentialStore = (*MemoryStore)(nil)
