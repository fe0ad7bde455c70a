package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteCleaner provides SQLite-specific cleanup operations.
type SQLiteCleaner struct {
	db *sql.DB
}

// NewSQLiteCleaner creates a new SQLite cleaner.
func NewSQLiteCleaner(db *sql.DB) *SQLiteCleaner {
	return &SQLiteCleaner{db: db}
}

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	TableName    string        `json:"table_name"`
	DeletedCount int64         `json:"deleted_count"`
	Duration     time.Duration `json:"duration"`
	Error        error         `json:"-"`
}

// CleanupCredentialHistory deletes invalid credentials captured before cutoff.
// The newest keep rows of every account survive regardless of age, and a
// valid row is never touched.
func (c *SQLiteCleaner) CleanupCredentialHistory(ctx context.Context, cutoff time.Time, keep int) (*CleanupResult, error) {
	start := time.Now()

	result, err := c.db.ExecContext(ctx, `
		DELETE FROM credentials
		WHERE is_valid = 0
		  AND captured_at < ?
		  AND id NOT IN (
		    SELECT id FROM (
		      SELECT id, ROW_NUMBER() OVER (
		        PARTITION BY account_key ORDER BY captured_at DESC, id DESC
		      ) AS rn
		      FROM credentials
		    ) WHERE rn <= ?
		  )
	`, cutoff.UTC().UnixNano(), keep)
	if err != nil {
		err = fmt.Errorf("failed to cleanup credentials: %w", err)
		return &CleanupResult{
			TableName: "credentials",
			Error:     err,
			Duration:  time.Since(start),
		}, err
	}

	rowsAffected, _ := result.RowsAffected()

	return &CleanupResult{
		TableName:    "credentials",
		DeletedCount: rowsAffected,
		Duration:     time.Since(start),
	}, nil
}

// VacuumDatabase reclaims space left by deleted rows.
func (c *SQLiteCleaner) VacuumDatabase(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// AnalyzeDatabase refreshes query planner statistics.
func (c *SQLiteCleaner) AnalyzeDatabase(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}
	return nil
}

// TableStats returns row counts per table.
func (c *SQLiteCleaner) TableStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"accounts", "credentials"} {
		var n int64
		if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}
