// Package jobs implements the Job Repository (spec §4.1): a pure
// data-access layer over the ingestion_jobs table, with a Postgres-backed
// implementation and an in-memory test double.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

// Repository is the Job Repository contract. All operations are
// synchronous with respect to the caller and atomic with respect to
// concurrent repositories sharing the same relational store.
type Repository interface {
	Create(ctx context.Context, jobType model.JobType, sourceIdentifier string, opts model.JobOptions) (model.Job, error)
	GetByID(ctx context.Context, id string) (model.Job, bool, error)
	// FindByRelatedObjectID looks up the Job that produced objectID, used
	// by the Embedding Worker to terminate the originating Job once the
	// Object it produced finishes embedding (spec §9 Open Question
	// resolution: Job terminal transition ownership).
	FindByRelatedObjectID(ctx context.Context, objectID string) (model.Job, bool, error)
	GetNextJobs(ctx context.Context, limit int, allowedTypes []model.JobType) ([]model.Job, error)
	Update(ctx context.Context, id string, patch Patch) (bool, error)
	MarkAsStarted(ctx context.Context, id string) (bool, error)
	MarkAsCompleted(ctx context.Context, id string, relatedObjectID string) error
	MarkAsFailed(ctx context.Context, id string, errorInfo string, failedStage model.JobStatus) error
	MarkAsRetryable(ctx context.Context, id string, errorInfo string, failedStage model.JobStatus, delay time.Duration) error
	// MarkAsCancelled sets status to cancelled and stamps completedAt,
	// per the §3.1 invariant that completedAt is non-null for terminal
	// statuses.
	MarkAsCancelled(ctx context.Context, id string) error
	// RetryNow is the conditional "retryJob" transition (spec §4.2):
	// succeeds only if status ∈ {failed, retry_pending}, clearing
	// errorInfo/failedStage and setting nextAttemptAt = now, status =
	// queued.
	RetryNow(ctx context.Context, id string) (bool, error)
	GetStats(ctx context.Context) (map[model.JobStatus]int, error)
	CleanupOldJobs(ctx context.Context, days int) (int, error)
}

// Patch is a general-purpose partial mutation for Update. Nil fields are
// left unchanged.
type Patch struct {
	Status          *model.JobStatus
	ErrorInfo       *string
	FailedStage     *model.JobStatus
	RelatedObjectID *string
	Priority        *int
	// JobSpecificData overwrites the job's opaque payload, used by the
	// bookmark-batch processor to record created_object_ids once every URL
	// in the batch has been attempted (spec §9 Open Question resolution: batch
	// jobs track all of their produced Objects, not just the last one).
	JobSpecificData *json.RawMessage
}
