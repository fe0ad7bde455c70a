// Package cleanup prunes old credential history from the SQLite store and
// runs periodic database maintenance.
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
)

// MetricsRecorder defines the interface for recording cleanup metrics.
type MetricsRecorder interface {
	RecordCleanupOperation(tableName string, deletedCount int64, duration time.Duration)
	RecordVacuumOperation(duration time.Duration)
}

// Config contains the cleanup manager configuration.
type Config struct {
	Interval       time.Duration `json:"interval"`
	Retention      time.Duration `json:"retention"`
	KeepPerAccount int           `json:"keep_per_account"`
	VacuumInterval time.Duration `json:"vacuum_interval"`
}

// ConfigFromStore maps the store section onto a cleanup config.
func ConfigFromStore(sc config.StoreConfig) Config {
	return Config{
		Interval:       sc.CleanupInterval,
		Retention:      sc.HistoryRetention,
		KeepPerAccount: sc.HistoryKeep,
		VacuumInterval: sc.VacuumInterval,
	}
}

// Stats contains cleanup statistics.
type Stats struct {
	TotalRuns         int            `json:"total_runs"`
	TotalDeletedCount int64          `json:"total_deleted_count"`
	LastRunAt         time.Time      `json:"last_run_at"`
	LastRunDuration   time.Duration  `json:"last_run_duration"`
	LastRunResult     *CleanupResult `json:"last_run_result,omitempty"`
	VacuumCount       int            `json:"vacuum_count"`
	VacuumLastAt      time.Time      `json:"vacuum_last_at"`
}

// Manager handles periodic cleanup of old data.
type Manager struct {
	config  Config
	cleaner *SQLiteCleaner
	metrics MetricsRecorder
	logger  *logging.Logger
	clock   func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	statsMu sync.RWMutex
	stats   Stats
}

// NewManager creates a new cleanup manager. metrics and logger may be nil.
func NewManager(cfg Config, db *sql.DB, metrics MetricsRecorder, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewLogger(logging.WithOutput(io.Discard))
	}
	return &Manager{
		config:  cfg,
		cleaner: NewSQLiteCleaner(db),
		metrics: metrics,
		logger:  logger.With("component", "cleanup"),
		clock:   time.Now,
	}
}

// Start starts the cleanup loops. Retention runs only when both Interval and
// Retention are positive; vacuum only when VacuumInterval is.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("cleanup manager is already running")
	}
	m.running = true
	m.done = make(chan struct{})

	if m.config.Interval > 0 && m.config.Retention > 0 {
		m.loop(ctx, m.config.Interval, func(ctx context.Context) { m.RunCleanup(ctx) })
	}
	if m.config.VacuumInterval > 0 {
		m.loop(ctx, m.config.VacuumInterval, func(ctx context.Context) {
			if err := m.RunVacuum(ctx); err != nil {
				m.logger.Warn("vacuum failed", "error", err.Error())
			}
		})
	}
	return nil
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	done := m.done
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop stops the cleanup manager and waits for running passes.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// RunCleanup performs a retention pass immediately.
func (m *Manager) RunCleanup(ctx context.Context) *Stats {
	if m.config.Retention <= 0 {
		return m.GetStats()
	}
	start := m.clock()
	cutoff := start.Add(-m.config.Retention)

	result, err := m.cleaner.CleanupCredentialHistory(ctx, cutoff, m.config.KeepPerAccount)
	if err != nil {
		m.logger.Error("credential history cleanup failed", "error", err.Error())
	} else if result.DeletedCount > 0 {
		m.logger.Info("credential history pruned",
			"deleted", result.DeletedCount,
			"cutoff", cutoff.UTC().Format(time.RFC3339),
			"keep_per_account", m.config.KeepPerAccount,
		)
	}

	m.statsMu.Lock()
	m.stats.TotalRuns++
	m.stats.LastRunAt = start
	m.stats.LastRunDuration = result.Duration
	m.stats.LastRunResult = result
	if err == nil {
		m.stats.TotalDeletedCount += result.DeletedCount
	}
	m.statsMu.Unlock()

	if m.metrics != nil && err == nil {
		m.metrics.RecordCleanupOperation(result.TableName, result.DeletedCount, result.Duration)
	}

	return m.GetStats()
}

// RunVacuum performs a vacuum operation immediately.
func (m *Manager) RunVacuum(ctx context.Context) error {
	start := time.Now()

	err := m.cleaner.VacuumDatabase(ctx)
	if err == nil {
		err = m.cleaner.AnalyzeDatabase(ctx)
	}

	duration := time.Since(start)

	m.statsMu.Lock()
	m.stats.VacuumCount++
	m.stats.VacuumLastAt = m.clock()
	m.statsMu.Unlock()

	if m.metrics != nil && err == nil {
		m.metrics.RecordVacuumOperation(duration)
	}

	return err
}

// GetStats returns the current cleanup statistics.
func (m *Manager) GetStats() *Stats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()

	st := m.stats
	return &st
}

// GetCleaner returns the SQLite cleaner instance.
func (m *Manager) GetCleaner() *SQLiteCleaner {
	return m.cleaner
}

// IsRunning returns whether the cleanup manager is running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
