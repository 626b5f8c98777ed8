package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

const bootstrapDDL = `
CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id                 TEXT PRIMARY KEY,
	job_type           TEXT NOT NULL,
	source_identifier  TEXT NOT NULL,
	original_file_name TEXT NOT NULL DEFAULT '',
	priority           INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	attempts           INTEGER NOT NULL DEFAULT 0,
	last_attempt_at    TIMESTAMPTZ,
	next_attempt_at    TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	error_info         TEXT NOT NULL DEFAULT '',
	failed_stage       TEXT NOT NULL DEFAULT '',
	job_specific_data  JSONB,
	related_object_id  TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ingestion_jobs_claim_idx
	ON ingestion_jobs (status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS ingestion_jobs_related_object_idx
	ON ingestion_jobs (related_object_id);
`

// PostgresRepository is the pgxpool-backed Job Repository. It runs a
// dev-mode CREATE TABLE IF NOT EXISTS bootstrap in its constructor rather
// than requiring a separate migration step; production deployments are
// expected to own real migrations.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a PostgresRepository and ensures the
// backing table exists.
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool) (*PostgresRepository, error) {
	if _, err := pool.Exec(ctx, bootstrapDDL); err != nil {
		return nil, fmt.Errorf("bootstrap ingestion_jobs: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Create(ctx context.Context, jobType model.JobType, sourceIdentifier string, opts model.JobOptions) (model.Job, error) {
	id := uuid.NewString()
	data := opts.JobSpecificData
	if data == nil {
		data = json.RawMessage("{}")
	}
	const q = `
INSERT INTO ingestion_jobs (id, job_type, source_identifier, original_file_name, priority, status, attempts, job_specific_data)
VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
RETURNING created_at, updated_at`
	job := model.Job{
		ID:               id,
		JobType:          jobType,
		SourceIdentifier: sourceIdentifier,
		OriginalFileName: opts.OriginalFileName,
		Priority:         opts.Priority,
		Status:           model.JobQueued,
		JobSpecificData:  data,
	}
	err := r.pool.QueryRow(ctx, q, id, jobType, sourceIdentifier, opts.OriginalFileName, opts.Priority, model.JobQueued, []byte(data)).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return model.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (model.Job, bool, error) {
	const q = `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE id = $1`
	row := r.pool.QueryRow(ctx, q, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, true, nil
}

func (r *PostgresRepository) FindByRelatedObjectID(ctx context.Context, objectID string) (model.Job, bool, error) {
	const q = `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE related_object_id = $1 ORDER BY created_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, q, objectID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, fmt.Errorf("find job by related object %s: %w", objectID, err)
	}
	return job, true, nil
}

// GetNextJobs returns up to limit jobs that are queued, or retry_pending
// with nextAttemptAt in the past, filtered by allowedTypes, ordered by
// priority DESC then createdAt ASC. This is a read; it does not claim.
func (r *PostgresRepository) GetNextJobs(ctx context.Context, limit int, allowedTypes []model.JobType) ([]model.Job, error) {
	if limit <= 0 || len(allowedTypes) == 0 {
		return nil, nil
	}
	types := make([]string, len(allowedTypes))
	for i, t := range allowedTypes {
		types[i] = string(t)
	}
	const q = `
SELECT ` + jobColumns + `
FROM ingestion_jobs
WHERE job_type = ANY($1)
  AND (status = 'queued' OR (status = 'retry_pending' AND next_attempt_at <= now()))
ORDER BY priority DESC, created_at ASC
LIMIT $2`
	rows, err := r.pool.Query(ctx, q, types, limit)
	if err != nil {
		return nil, fmt.Errorf("get next jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	sets := []string{"updated_at = now()"}
	args := []any{}
	idx := 1
	add := func(col string, val any) {
		idx++
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.ErrorInfo != nil {
		add("error_info", *patch.ErrorInfo)
	}
	if patch.FailedStage != nil {
		add("failed_stage", string(*patch.FailedStage))
	}
	if patch.RelatedObjectID != nil {
		add("related_object_id", *patch.RelatedObjectID)
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.JobSpecificData != nil {
		add("job_specific_data", []byte(*patch.JobSpecificData))
	}
	if len(sets) == 1 {
		return false, nil
	}
	q := fmt.Sprintf("UPDATE ingestion_jobs SET %s WHERE id = $1", strings.Join(sets, ", "))
	tag, err := r.pool.Exec(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkAsStarted is the claim operation: it atomically sets status to
// processing_source, increments attempts, and stamps lastAttemptAt. The
// caller must only proceed if the returned bool is true (exactly one row
// affected); a false return means another instance already claimed it.
func (r *PostgresRepository) MarkAsStarted(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE ingestion_jobs
SET status = 'processing_source', attempts = attempts + 1, last_attempt_at = now(), updated_at = now()
WHERE id = $1 AND status IN ('queued', 'retry_pending')`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("mark started %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) MarkAsCompleted(ctx context.Context, id string, relatedObjectID string) error {
	const q = `
UPDATE ingestion_jobs
SET status = 'completed', completed_at = now(), updated_at = now(), related_object_id = NULLIF($2, '')
WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, relatedObjectID)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) MarkAsFailed(ctx context.Context, id string, errorInfo string, failedStage model.JobStatus) error {
	const q = `
UPDATE ingestion_jobs
SET status = 'failed', error_info = $2, failed_stage = $3, completed_at = now(), updated_at = now()
WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, truncate(errorInfo), string(failedStage))
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) MarkAsRetryable(ctx context.Context, id string, errorInfo string, failedStage model.JobStatus, delay time.Duration) error {
	const q = `
UPDATE ingestion_jobs
SET status = 'retry_pending', error_info = $2, failed_stage = $3, next_attempt_at = now() + $4::interval, updated_at = now()
WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, truncate(errorInfo), string(failedStage), delay.String())
	if err != nil {
		return fmt.Errorf("mark retryable %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) MarkAsCancelled(ctx context.Context, id string) error {
	const q = `UPDATE ingestion_jobs SET status = 'cancelled', completed_at = now(), updated_at = now() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("mark cancelled %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) RetryNow(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE ingestion_jobs
SET status = 'queued', error_info = '', failed_stage = '', next_attempt_at = now(), updated_at = now()
WHERE id = $1 AND status IN ('failed', 'retry_pending')`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("retry now %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) GetStats(ctx context.Context) (map[model.JobStatus]int, error) {
	const q = `SELECT status, count(*) FROM ingestion_jobs GROUP BY status`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	defer rows.Close()
	out := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[model.JobStatus(status)] = count
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CleanupOldJobs(ctx context.Context, days int) (int, error) {
	const q = `
DELETE FROM ingestion_jobs
WHERE status IN ('completed', 'failed', 'cancelled')
  AND completed_at < now() - ($1 || ' days')::interval`
	tag, err := r.pool.Exec(ctx, q, days)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const jobColumns = `
	id, job_type, source_identifier, original_file_name, priority, status, attempts,
	last_attempt_at, next_attempt_at, completed_at, error_info, failed_stage,
	job_specific_data, related_object_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var j model.Job
	var jobType, status, failedStage string
	var relatedObjectID *string
	var data []byte
	err := row.Scan(
		&j.ID, &jobType, &j.SourceIdentifier, &j.OriginalFileName, &j.Priority, &status, &j.Attempts,
		&j.LastAttemptAt, &j.NextAttemptAt, &j.CompletedAt, &j.ErrorInfo, &failedStage,
		&data, &relatedObjectID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return model.Job{}, err
	}
	j.JobType = model.JobType(jobType)
	j.Status = model.JobStatus(status)
	j.FailedStage = model.JobStatus(failedStage)
	j.RelatedObjectID = relatedObjectID
	if len(data) > 0 {
		j.JobSpecificData = json.RawMessage(data)
	}
	return j, nil
}

func truncate(s string) string {
	const max = 1000
	if len(s) <= max {
		return s
	}
	return s[:max]
}
