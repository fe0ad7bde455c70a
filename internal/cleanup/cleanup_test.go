package cleanup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/models"
	"github.com/sessioncap/sessioncap/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockMetricsRecorder implements MetricsRecorder for testing.
type mockMetricsRecorder struct {
	mu          sync.RWMutex
	operations  []mockOperation
	vacuumCount int
}

type mockOperation struct {
	tableName    string
	deletedCount int64
}

func (m *mockMetricsRecorder) RecordCleanupOperation(tableName string, deletedCount int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = append(m.operations, mockOperation{tableName: tableName, deletedCount: deletedCount})
}

func (m *mockMetricsRecorder) RecordVacuumOperation(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vacuumCount++
}

func (m *mockMetricsRecorder) GetOperations() []mockOperation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]mockOperation(nil), m.operations...)
}

// fixture is a store whose clock starts at base and advances one minute per
// read, so every saved credential gets a distinct captured_at.
type fixture struct {
	store *store.SQLiteStore
	base  time.Time

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, base time.Time) *fixture {
	t.Helper()
	f := &fixture{base: base, now: base}
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "creds.db"),
		store.WithTTL(0),
		store.WithClock(f.tick),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	f.store = st
	return f
}

func (f *fixture) tick() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Minute)
	return f.now
}

func (f *fixture) save(t *testing.T, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.store.SaveCredential(context.Background(), key, models.CaptureFields{
			Cookie:     "wap_sid2=x",
			Key:        "k",
			PassTicket: "p",
		})
		require.NoError(t, err)
	}
}

func testConfig() Config {
	return Config{
		Interval:       time.Hour,
		Retention:      30 * 24 * time.Hour,
		KeepPerAccount: 2,
	}
}

func TestConfigFromStore(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)

	c := ConfigFromStore(cfg.Store)
	assert.Equal(t, time.Hour, c.Interval)
	assert.Equal(t, 30*24*time.Hour, c.Retention)
	assert.Equal(t, 20, c.KeepPerAccount)
	assert.Equal(t, 24*time.Hour, c.VacuumInterval)
}

func TestCleanupCredentialHistory(t *testing.T) {
	f := newFixture(t, time.Now().Add(-60*24*time.Hour))
	ctx := context.Background()
	f.save(t, "acct-a", 5)
	f.save(t, "acct-b", 1)
	_, err := f.store.Invalidate(ctx, "acct-b")
	require.NoError(t, err)

	cleaner := NewSQLiteCleaner(f.store.DB())
	result, err := cleaner.CleanupCredentialHistory(ctx, time.Now().Add(-30*24*time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, "credentials", result.TableName)
	assert.Equal(t, int64(3), result.DeletedCount)

	a, err := f.store.ListCredentials(ctx, "acct-a", 10)
	require.NoError(t, err)
	require.Len(t, a, 2)
	assert.True(t, a[0].IsValid, "the valid credential is never deleted")

	b, err := f.store.ListCredentials(ctx, "acct-b", 10)
	require.NoError(t, err)
	assert.Len(t, b, 1, "the newest rows survive regardless of age")
}

func TestCleanupCredentialHistory_RecentRowsKept(t *testing.T) {
	f := newFixture(t, time.Now().Add(-time.Hour))
	f.save(t, "acct-a", 5)

	result, err := NewSQLiteCleaner(f.store.DB()).
		CleanupCredentialHistory(context.Background(), time.Now().Add(-24*time.Hour), 1)
	require.NoError(t, err)
	assert.Zero(t, result.DeletedCount)
}

func TestManagerRunCleanup(t *testing.T) {
	f := newFixture(t, time.Now().Add(-60*24*time.Hour))
	f.save(t, "acct-a", 4)

	rec := &mockMetricsRecorder{}
	m := NewManager(testConfig(), f.store.DB(), rec, nil)

	stats := m.RunCleanup(context.Background())
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, int64(2), stats.TotalDeletedCount)
	require.NotNil(t, stats.LastRunResult)

	ops := rec.GetOperations()
	require.Len(t, ops, 1)
	assert.Equal(t, "credentials", ops[0].tableName)
	assert.Equal(t, int64(2), ops[0].deletedCount)

	stats = m.RunCleanup(context.Background())
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, int64(2), stats.TotalDeletedCount)
}

func TestManagerRunCleanup_Disabled(t *testing.T) {
	f := newFixture(t, time.Now().Add(-60*24*time.Hour))
	f.save(t, "acct-a", 3)

	cfg := testConfig()
	cfg.Retention = 0
	m := NewManager(cfg, f.store.DB(), nil, nil)
	stats := m.RunCleanup(context.Background())
	assert.Zero(t, stats.TotalRuns)

	creds, err := f.store.ListCredentials(context.Background(), "acct-a", 10)
	require.NoError(t, err)
	assert.Len(t, creds, 3)
}

func TestManagerRunVacuum(t *testing.T) {
	f := newFixture(t, time.Now())
	rec := &mockMetricsRecorder{}
	m := NewManager(testConfig(), f.store.DB(), rec, nil)

	require.NoError(t, m.RunVacuum(context.Background()))
	assert.Equal(t, 1, m.GetStats().VacuumCount)
	assert.Equal(t, 1, rec.vacuumCount)
}

func TestManagerStartStop(t *testing.T) {
	f := newFixture(t, time.Now().Add(-60*24*time.Hour))
	f.save(t, "acct-a", 4)

	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	m := NewManager(cfg, f.store.DB(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(ctx), "second start must fail")

	assert.Eventually(t, func() bool {
		return m.GetStats().TotalDeletedCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	require.NoError(t, m.Stop())
}

func TestTableStats(t *testing.T) {
	f := newFixture(t, time.Now())
	f.save(t, "acct-a", 2)
	f.save(t, "acct-b", 1)

	stats, err := NewSQLiteCleaner(f.store.DB()).TableStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["accounts"])
	assert.Equal(t, int64(3), stats["credentials"])
}
