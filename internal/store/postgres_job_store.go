package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
	"github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	content_ref TEXT NOT NULL,
	style_ref TEXT NOT NULL,
	result_ref TEXT,
	status TEXT NOT NULL,
	error_summary TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT jobs_result_iff_completed CHECK ((status = 'COMPLETED') = (result_ref IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS jobs_status_updated_idx ON jobs (status, updated_at);
`

const jobColumns = `id, owner_id, content_ref, style_ref, result_ref, status, error_summary, created_at, updated_at`

const pgUniqueViolation = "23505"

type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, NULL, $5, NULL, $6, $7)`,
		job.ID,
		job.OwnerID,
		job.ContentRef,
		job.StyleRef,
		string(job.Status),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE id = $1`,
		id,
	)

	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id string, from, to domain.JobStatus, fields domain.StatusFields) (domain.Job, error) {
	if err := domain.CheckTransition(from, to, fields); err != nil {
		return domain.Job{}, err
	}

	applied := domain.Job{}.Apply(to, fields, s.now())
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET status = $1, result_ref = $2, error_summary = $3, updated_at = $4
		 WHERE id = $5 AND status = $6
		 RETURNING `+jobColumns,
		string(to),
		nullString(applied.ResultRef),
		nullString(applied.ErrorSummary),
		applied.UpdatedAt,
		id,
		string(from),
	)

	job, err := scanPostgresJob(row)
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

func (s *PostgresJobStore) ListByOwner(ctx context.Context, ownerID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE owner_id = $1
		 ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by owner: %w", err)
	}
	return collectPostgresJobs(rows)
}

func (s *PostgresJobStore) ListByStatus(ctx context.Context, status domain.JobStatus, updatedBefore time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`,
		string(status),
		updatedBefore,
		defaultListLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectPostgresJobs(rows)
}

func (s *PostgresJobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresJob(row rowScanner) (domain.Job, error) {
	var (
		job          domain.Job
		status       string
		resultRef    sql.NullString
		errorSummary sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.ContentRef,
		&job.StyleRef,
		&resultRef,
		&status,
		&errorSummary,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)
	job.ResultRef = resultRef.String
	job.ErrorSummary = errorSummary.String
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func collectPostgresJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()

	out := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
