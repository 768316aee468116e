package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/3leaps/parsekit/pkg/localdb"
)

// SchemaVersion is the current jobs schema version recorded in schema_meta.
const SchemaVersion = 1

// Migrate creates (or upgrades) the jobs schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		// AUTOINCREMENT keeps ids monotonic even after the newest row is deleted.
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			has_content INTEGER NOT NULL,
			encrypted_content BLOB,
			wrapped_key BLOB,
			status TEXT NOT NULL,
			result TEXT,
			error_detail TEXT,
			-- timestamps are fixed-width UTC text; lexical order is chronological.
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("job store schema version %d is newer than supported version %d", current, SchemaVersion)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SQLiteStore is the durable Store backend.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	closed atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens the database described by cfg, applies migrations and
// returns a ready store. The store owns the connection.
func OpenSQLite(ctx context.Context, cfg localdb.Config) (*SQLiteStore, error) {
	db, err := localdb.Open(ctx, cfg)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "migrate", Err: err}
	}
	return NewSQLite(db), nil
}

// NewSQLite wraps an already migrated database.
func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// DB exposes the underlying connection for diagnostics.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return &StoreError{Op: "ping", Err: ErrClosed}
	}
	if err := s.db.PingContext(ctx); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	return nil
}

const jobColumns = `id, client_id, kind, content_hash, has_content, encrypted_content, wrapped_key,
	status, result, error_detail, created_at, updated_at`

// Insert stores job as PENDING and returns its assigned id.
func (s *SQLiteStore) Insert(ctx context.Context, job *Job) (int64, error) {
	if s.closed.Load() {
		return 0, &StoreError{Op: "insert", Err: ErrClosed}
	}
	if err := prepareInsert(job, s.now()); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO jobs (
			client_id, kind, content_hash, has_content, encrypted_content, wrapped_key,
			status, result, error_detail, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		job.ClientID,
		string(job.Kind),
		job.ContentHash,
		boolToInt(job.HasContent),
		nullBytes(job.EncryptedContent),
		nullBytes(job.WrappedKey),
		string(job.Status),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return 0, &StoreError{Op: "insert", Err: err}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, &StoreError{Op: "insert", Err: fmt.Errorf("read inserted id: %w", err)}
	}
	job.ID = id
	return id, nil
}

// Get returns the job with id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Job, error) {
	if s.closed.Load() {
		return nil, &StoreError{Op: "get", Err: ErrClosed}
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	return &job, nil
}

// ListByStatus returns jobs in status, oldest first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]Job, error) {
	return s.query(ctx, "list_by_status",
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`,
		string(status))
}

// UpdateStatus applies u in a single statement guarded by u.From when set.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id int64, u Update) error {
	if s.closed.Load() {
		return &StoreError{Op: "update_status", Err: ErrClosed}
	}
	if err := u.validate(); err != nil {
		return &StoreError{Op: "update_status", Err: err}
	}

	at := u.UpdatedAt
	if at.IsZero() {
		at = s.now()
	}

	query := `UPDATE jobs SET status = ?, result = ?, error_detail = ?, updated_at = ? WHERE id = ?`
	args := []any{string(u.Status), nullString(u.Result), nullString(u.ErrorDetail), formatTime(at), id}
	if u.From != "" {
		query += ` AND status = ?`
		args = append(args, string(u.From))
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &StoreError{Op: "update_status", Err: err}
	}
	return nil
}

// DeleteOlderThan removes jobs in status last updated before cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, status Status, cutoff time.Time) (int64, error) {
	if s.closed.Load() {
		return 0, &StoreError{Op: "delete_older_than", Err: ErrClosed}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status = ? AND updated_at < ?`,
		string(status), formatTime(cutoff))
	if err != nil {
		return 0, &StoreError{Op: "delete_older_than", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StoreError{Op: "delete_older_than", Err: err}
	}
	return n, nil
}

// ListOlderThan returns the jobs DeleteOlderThan would remove.
func (s *SQLiteStore) ListOlderThan(ctx context.Context, status Status, cutoff time.Time) ([]Job, error) {
	return s.query(ctx, "list_older_than",
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND updated_at < ? ORDER BY created_at ASC, id ASC`,
		string(status), formatTime(cutoff))
}

// Delete removes the job with id and reports whether it existed.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) (bool, error) {
	if s.closed.Load() {
		return false, &StoreError{Op: "delete", Err: ErrClosed}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, &StoreError{Op: "delete", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &StoreError{Op: "delete", Err: err}
	}
	return n > 0, nil
}

// GetAll returns every job, oldest first.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]Job, error) {
	return s.query(ctx, "get_all", `SELECT `+jobColumns+` FROM jobs ORDER BY created_at ASC, id ASC`)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, op string, query string, args ...any) ([]Job, error) {
	if s.closed.Load() {
		return nil, &StoreError{Op: op, Err: ErrClosed}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: op, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &StoreError{Op: op, Err: err}
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: op, Err: err}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job        Job
		kind       string
		status     string
		hasContent int64
		result     sql.NullString
		detail     sql.NullString
		createdAt  string
		updatedAt  string
	)

	if err := row.Scan(
		&job.ID,
		&job.ClientID,
		&kind,
		&job.ContentHash,
		&hasContent,
		&job.EncryptedContent,
		&job.WrappedKey,
		&status,
		&result,
		&detail,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Job{}, err
	}

	job.Kind = Kind(strings.TrimSpace(kind))
	job.Status = Status(strings.TrimSpace(status))
	job.HasContent = hasContent != 0
	if result.Valid {
		job.Result = &result.String
	}
	if detail.Valid {
		job.ErrorDetail = &detail.String
	}

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, err
	}
	return job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
