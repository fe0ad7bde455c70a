package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sessioncap/sessioncap/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, opts ...Option) CredentialStore

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts ...Option) CredentialStore {
			return NewMemoryStore(opts...)
		},
		"sqlite": func(t *testing.T, opts ...Option) CredentialStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "creds.db"), opts...)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func fieldsFor(n int) models.CaptureFields {
	return models.CaptureFields{
		Cookie:     fmt.Sprintf("wxuin=%d; appmsg_token=tok_%d; other=x", n, n),
		Key:        fmt.Sprintf("key-%d", n),
		PassTicket: fmt.Sprintf("pt-%d", n),
		UIN:        "MTIzNDU=",
	}
}

func countValid(t *testing.T, s CredentialStore, key string) int {
	t.Helper()
	creds, err := s.ListCredentials(context.Background(), key, 1000)
	require.NoError(t, err)
	n := 0
	for _, c := range creds {
		if c.IsValid {
			n++
		}
	}
	return n
}

func TestCredentialStore_Contract(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			t.Run("upsert account", func(t *testing.T) {
				testUpsertAccount(t, factory(t))
			})
			t.Run("at most one valid credential", func(t *testing.T) {
				testAtMostOneValid(t, factory(t))
			})
			t.Run("expiry hides credential", func(t *testing.T) {
				testExpiry(t, factory)
			})
			t.Run("invalidate", func(t *testing.T) {
				testInvalidate(t, factory(t))
			})
			t.Run("captured since", func(t *testing.T) {
				testCapturedSince(t, factory)
			})
			t.Run("sweep expired", func(t *testing.T) {
				testSweep(t, factory)
			})
			t.Run("concurrent saves", func(t *testing.T) {
				testConcurrentSaves(t, factory(t))
			})
			t.Run("rejects unresolved key", func(t *testing.T) {
				s := factory(t)
				_, err := s.SaveCredential(context.Background(), models.UnknownAccountKey, fieldsFor(1))
				assert.Error(t, err)
				_, err = s.UpsertAccount(context.Background(), "", "x")
				assert.Error(t, err)
			})
		})
	}
}

func testUpsertAccount(t *testing.T, s CredentialStore) {
	ctx := context.Background()

	acc, err := s.UpsertAccount(ctx, "MzA5", "Daily News")
	require.NoError(t, err)
	assert.Equal(t, "MzA5", acc.Key)
	assert.Equal(t, "Daily News", acc.Name)
	assert.NotZero(t, acc.ID)

	again, err := s.UpsertAccount(ctx, "MzA5", "")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, again.ID)
	assert.Equal(t, "Daily News", again.Name, "empty name must not overwrite")

	renamed, err := s.UpsertAccount(ctx, "MzA5", "Evening News")
	require.NoError(t, err)
	assert.Equal(t, "Evening News", renamed.Name)

	found, err := s.FindAccountByName(ctx, "Evening News")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "MzA5", found.Key)

	missing, err := s.GetAccount(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.UpsertAccount(ctx, "AAAA", "")
	require.NoError(t, err)
	list, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "AAAA", list[0].Key)
}

func testAtMostOneValid(t *testing.T, s CredentialStore) {
	ctx := context.Background()

	var last *models.Credential
	for i := 1; i <= 5; i++ {
		c, err := s.SaveCredential(ctx, "biz-a", fieldsFor(i))
		require.NoError(t, err)
		assert.Equal(t, 1, countValid(t, s, "biz-a"), "after save %d", i)
		last = c
	}
	_, err := s.SaveCredential(ctx, "biz-b", fieldsFor(99))
	require.NoError(t, err)

	got, err := s.GetValidCredential(ctx, "biz-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, last.ID, got.ID)
	assert.Equal(t, "key-5", got.Key)
	assert.Equal(t, "tok_5", got.AppMsgToken)
	assert.Equal(t, models.DefaultDeviceType, got.DeviceType)
	assert.Equal(t, 1, countValid(t, s, "biz-b"), "other accounts are untouched")

	acc, err := s.GetAccount(ctx, "biz-a")
	require.NoError(t, err)
	require.NotNil(t, acc, "saving creates the account")
}

func testExpiry(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, WithClock(clock.Now), WithTTL(4*time.Hour))

	saved, err := s.SaveCredential(ctx, "biz", fieldsFor(1))
	require.NoError(t, err)
	require.NotNil(t, saved.ExpiresAt)
	assert.Equal(t, clock.Now().Add(4*time.Hour), *saved.ExpiresAt)

	clock.Advance(4*time.Hour - time.Second)
	got, err := s.GetValidCredential(ctx, "biz")
	require.NoError(t, err)
	assert.NotNil(t, got)

	clock.Advance(time.Second)
	got, err = s.GetValidCredential(ctx, "biz")
	require.NoError(t, err)
	assert.Nil(t, got, "expired credential must not be returned without invalidate")

	creds, err := s.ListCredentials(ctx, "biz", 0)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.True(t, creds[0].IsValid, "expiry is evaluated at read time")
}

func testInvalidate(t *testing.T, s CredentialStore) {
	ctx := context.Background()
	_, err := s.SaveCredential(ctx, "biz", fieldsFor(1))
	require.NoError(t, err)

	n, err := s.Invalidate(ctx, "biz")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetValidCredential(ctx, "biz")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err = s.Invalidate(ctx, "biz")
	require.NoError(t, err)
	assert.Zero(t, n)

	creds, err := s.ListCredentials(ctx, "biz", 10)
	require.NoError(t, err)
	assert.Len(t, creds, 1, "invalidation never deletes")
}

func testCapturedSince(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, WithClock(clock.Now))

	start := clock.Now()
	ok, err := s.HasCapturedSince(ctx, "biz", start)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.SaveCredential(ctx, "biz", fieldsFor(1))
	require.NoError(t, err)

	ok, err = s.HasCapturedSince(ctx, "biz", start)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasCapturedSince(ctx, "biz", start.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSweep(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, WithClock(clock.Now), WithTTL(time.Hour))

	_, err := s.SaveCredential(ctx, "a", fieldsFor(1))
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, err = s.SaveCredential(ctx, "b", fieldsFor(2))
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ValidCredentialCount)
	assert.Equal(t, 1, st.ExpiredPendingSweep)

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.AccountCount)
	assert.Equal(t, 2, st.CredentialCount)
	assert.Equal(t, 1, st.ValidCredentialCount)
	assert.Zero(t, st.ExpiredPendingSweep)
}

func testConcurrentSaves(t *testing.T, s CredentialStore) {
	ctx := context.Background()
	keys := []string{"k1", "k2", "k3"}

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.SaveCredential(ctx, keys[i%len(keys)], fieldsFor(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, 1, countValid(t, s, k), k)
		creds, err := s.ListCredentials(ctx, k, 100)
		require.NoError(t, err)
		assert.Len(t, creds, 8)
	}
}
