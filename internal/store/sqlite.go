package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sessioncap/sessioncap/internal/errors"
	"github.com/sessioncap/sessioncap/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable CredentialStore backed by SQLite in WAL mode.
// Writes go through a single-connection pool so invalidate-then-insert
// transactions never race each other; reads use a small separate pool.
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
	path   string
	opts   options
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and applies
// pending migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	writer, err := openPool(dsn, 1)
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := runMigrations(writer); err != nil {
		writer.Close()
		return nil, err
	}

	reader, err := openPool(dsn, 4)
	if err != nil {
		writer.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	return &SQLiteStore{
		writer: writer,
		reader: reader,
		path:   dbPath,
		opts:   buildOptions(opts),
	}, nil
}

func openPool(dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// DB returns the single-connection writer pool for maintenance jobs.
func (s *SQLiteStore) DB() *sql.DB {
	return s.writer
}

// Close closes both pools. Returns the first error encountered.
func (s *SQLiteStore) Close() error {
	var firstErr error
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			firstErr = err
		}
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Account operations

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertAccount creates or renames an account.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, key, name string) (*models.Account, error) {
	if err := models.ValidateAccountKey(key); err != nil {
		return nil, err
	}
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "begin upsert account", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	acc, err := s.upsertAccount(ctx, tx, key, name)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "commit upsert account", Err: err}
	}
	return acc, nil
}

func (s *SQLiteStore) upsertAccount(ctx context.Context, q execQuerier, key, name string) (*models.Account, error) {
	now := s.opts.clock().UTC()
	name = strings.TrimSpace(name)

	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (account_key, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_key) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at
		WHERE excluded.name != '' AND excluded.name != accounts.name
	`, key, name, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "upsert account", Err: err}
	}

	acc, err := scanAccount(q.QueryRowContext(ctx, accountSelect+` WHERE account_key = ?`, key))
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load account", Err: err}
	}
	return acc, nil
}

const accountSelect = `SELECT id, account_key, name, created_at, updated_at FROM accounts`

func scanAccount(row interface{ Scan(...any) error }) (*models.Account, error) {
	var (
		acc              models.Account
		created, updated int64
	)
	if err := row.Scan(&acc.ID, &acc.Key, &acc.Name, &created, &updated); err != nil {
		return nil, err
	}
	acc.CreatedAt = time.Unix(0, created).UTC()
	acc.UpdatedAt = time.Unix(0, updated).UTC()
	return &acc, nil
}

// GetAccount returns the account for key, or nil when it does not exist.
func (s *SQLiteStore) GetAccount(ctx context.Context, key string) (*models.Account, error) {
	acc, err := scanAccount(s.reader.QueryRowContext(ctx, accountSelect+` WHERE account_key = ?`, key))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get account", Err: err}
	}
	return acc, nil
}

// FindAccountByName returns the most recently updated account with that
// display name, or nil.
func (s *SQLiteStore) FindAccountByName(ctx context.Context, name string) (*models.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	acc, err := scanAccount(s.reader.QueryRowContext(ctx,
		accountSelect+` WHERE name = ? ORDER BY updated_at DESC, id DESC LIMIT 1`, name))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "find account by name", Err: err}
	}
	return acc, nil
}

// ListAccounts returns all accounts ordered by key.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.reader.QueryContext(ctx, accountSelect+` ORDER BY account_key`)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list accounts", Err: err}
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan account", Err: err}
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list accounts", Err: err}
	}
	return accounts, nil
}

// Credential operations

const credentialSelect = `SELECT id, account_key, cookie, auth_key, pass_ticket, uin, appmsg_token,
	device_type, client_version, captured_at, expires_at, is_valid, created_at FROM credentials`

func scanCredential(row interface{ Scan(...any) error }) (*models.Credential, error) {
	var (
		c                 models.Credential
		captured, created int64
		expires           sql.NullInt64
		valid             int
	)
	err := row.Scan(&c.ID, &c.AccountKey, &c.Cookie, &c.Key, &c.PassTicket, &c.UIN, &c.AppMsgToken,
		&c.DeviceType, &c.ClientVersion, &captured, &expires, &valid, &created)
	if err != nil {
		return nil, err
	}
	c.CapturedAt = time.Unix(0, captured).UTC()
	c.CreatedAt = time.Unix(0, created).UTC()
	if expires.Valid {
		t := time.Unix(0, expires.Int64).UTC()
		c.ExpiresAt = &t
	}
	c.IsValid = valid == 1
	return &c, nil
}

// SaveCredential invalidates the account's valid credentials and inserts the
// new one in a single transaction. The account is created if needed.
func (s *SQLiteStore) SaveCredential(ctx context.Context, key string, fields models.CaptureFields) (*models.Credential, error) {
	if err := models.ValidateAccountKey(key); err != nil {
		return nil, err
	}
	fields.AccountKey = key
	cred := models.NewCredential(fields, s.opts.clock().UTC(), s.opts.ttl)

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "begin save credential", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := s.upsertAccount(ctx, tx, key, ""); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET is_valid = 0 WHERE account_key = ? AND is_valid = 1`, key); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "invalidate previous credentials", Err: err}
	}

	var expires sql.NullInt64
	if cred.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: cred.ExpiresAt.UnixNano(), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO credentials (account_key, cookie, auth_key, pass_ticket, uin, appmsg_token,
			device_type, client_version, captured_at, expires_at, is_valid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, key, cred.Cookie, cred.Key, cred.PassTicket, cred.UIN, cred.AppMsgToken,
		cred.DeviceType, cred.ClientVersion, cred.CapturedAt.UnixNano(), expires, cred.CreatedAt.UnixNano())
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "insert credential", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "insert credential id", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "commit save credential", Err: err}
	}

	cred.ID = id
	return cred, nil
}

// GetValidCredential returns the newest usable credential for key.
func (s *SQLiteStore) GetValidCredential(ctx context.Context, key string) (*models.Credential, error) {
	now := s.opts.clock().UTC().UnixNano()
	cred, err := scanCredential(s.reader.QueryRowContext(ctx, credentialSelect+`
		WHERE account_key = ? AND is_valid = 1 AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY captured_at DESC, id DESC LIMIT 1`, key, now))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get valid credential", Err: err}
	}
	return cred, nil
}

// Invalidate marks every valid credential for key as invalid.
func (s *SQLiteStore) Invalidate(ctx context.Context, key string) (int64, error) {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE credentials SET is_valid = 0 WHERE account_key = ? AND is_valid = 1`, key)
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "invalidate credentials", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "invalidate credentials", Err: err}
	}
	return n, nil
}

// ListCredentials returns credentials for key, newest first.
func (s *SQLiteStore) ListCredentials(ctx context.Context, key string, limit int) ([]*models.Credential, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.reader.QueryContext(ctx, credentialSelect+`
		WHERE account_key = ? ORDER BY captured_at DESC, id DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list credentials", Err: err}
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan credential", Err: err}
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list credentials", Err: err}
	}
	return creds, nil
}

// HasCapturedSince reports whether a usable credential was captured at or after since.
func (s *SQLiteStore) HasCapturedSince(ctx context.Context, key string, since time.Time) (bool, error) {
	now := s.opts.clock().UTC().UnixNano()
	var n int
	err := s.reader.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credentials
		WHERE account_key = ? AND is_valid = 1 AND captured_at >= ?
		AND (expires_at IS NULL OR expires_at > ?)`, key, since.UTC().UnixNano(), now).Scan(&n)
	if err != nil {
		return false, &errors.ErrDatabaseQuery{Operation: "check captured since", Err: err}
	}
	return n > 0, nil
}

// SweepExpired soft-invalidates credentials whose expiry has passed.
func (s *SQLiteStore) SweepExpired(ctx context.Context) (int64, error) {
	now := s.opts.clock().UTC().UnixNano()
	res, err := s.writer.ExecContext(ctx,
		`UPDATE credentials SET is_valid = 0 WHERE is_valid = 1 AND expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "sweep expired credentials", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "sweep expired credentials", Err: err}
	}
	return n, nil
}

// Stats returns statistics about the store
func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	now := s.opts.clock().UTC().UnixNano()
	var st StoreStats
	err := s.reader.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM credentials),
			(SELECT COUNT(*) FROM credentials WHERE is_valid = 1 AND (expires_at IS NULL OR expires_at > ?)),
			(SELECT COUNT(*) FROM credentials WHERE is_valid = 1 AND expires_at IS NOT NULL AND expires_at <= ?)
	`, now, now).Scan(&st.AccountCount, &st.CredentialCount, &st.ValidCredentialCount, &st.ExpiredPendingSweep)
	if err != nil {
		return StoreStats{}, &errors.ErrDatabaseQuery{Operation: "stats", Err: fmt.Errorf("count rows: %w", err)}
	}
	return st, nil
}

// Ensure SQLiteStore implements the CredentialStore interface
var _ CredentialStore = (*SQLiteStore)(nil)
