package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
	_ "modernc.org/sqlite"
)

const sqliteJobSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  content_ref TEXT NOT NULL,
  style_ref TEXT NOT NULL,
  result_ref TEXT,
  status TEXT NOT NULL,
  error_summary TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS jobs_status_updated_idx ON jobs (status, updated_at);
`

// SQLiteJobStore keeps job records in a single-file database. Timestamps are
// stored as unix milliseconds.
type SQLiteJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteJobStore(ctx context.Context, path string) (*SQLiteJobStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; the status CAS stays a single statement.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteJobSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite jobs schema: %w", err)
	}

	return &SQLiteJobStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteJobStore) Close() error { return s.db.Close() }

func (s *SQLiteJobStore) Create(ctx context.Context, job domain.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
         VALUES (?, ?, ?, ?, NULL, ?, NULL, ?, ?)`,
		job.ID,
		job.OwnerID,
		job.ContentRef,
		job.StyleRef,
		string(job.Status),
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *SQLiteJobStore) UpdateStatus(ctx context.Context, id string, from, to domain.JobStatus, fields domain.StatusFields) (domain.Job, error) {
	if err := domain.CheckTransition(from, to, fields); err != nil {
		return domain.Job{}, err
	}

	applied := domain.Job{}.Apply(to, fields, s.now())
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs
         SET status = ?, result_ref = ?, error_summary = ?, updated_at = ?
         WHERE id = ? AND status = ?
         RETURNING `+jobColumns,
		string(to),
		nullString(applied.ResultRef),
		nullString(applied.ErrorSummary),
		applied.UpdatedAt.UnixMilli(),
		id,
		string(from),
	)

	job, err := scanSQLiteJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("update job status: %w", err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return domain.Job{}, getErr
	}
	return domain.Job{}, fmt.Errorf("%w: job %s is %s, expected %s", ErrStatusConflict, id, current.Status, from)
}

func (s *SQLiteJobStore) ListByOwner(ctx context.Context, ownerID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
       WHERE owner_id = ?
       ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by owner: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteJobStore) ListByStatus(ctx context.Context, status domain.JobStatus, updatedBefore time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
       WHERE status = ? AND updated_at < ?
       ORDER BY updated_at ASC
       LIMIT ?`,
		string(status),
		updatedBefore.UnixMilli(),
		defaultListLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteJobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func scanSQLiteJob(row rowScanner) (domain.Job, error) {
	var (
		job                  domain.Job
		status               string
		resultRef, errorMsg  sql.NullString
		createdMs, updatedMs int64
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.ContentRef,
		&job.StyleRef,
		&resultRef,
		&status,
		&errorMsg,
		&createdMs,
		&updatedMs,
	); err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)
	job.ResultRef = resultRef.String
	job.ErrorSummary = errorMsg.String
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return job, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()

	out := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
