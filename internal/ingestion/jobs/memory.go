package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

// MemoryRepository is an in-memory Job Repository used as a test double
// in place of Postgres, following the teacher's memory-backed-store
// convention for exercising repository-consuming code without a live
// database.
type MemoryRepository struct {
	mu   sync.Mutex
	jobs map[string]model.Job
}

// NewMemoryRepository constructs an empty in-memory Job Repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]model.Job)}
}

func (r *MemoryRepository) Create(_ context.Context, jobType model.JobType, sourceIdentifier string, opts model.JobOptions) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	data := opts.JobSpecificData
	if data == nil {
		data = json.RawMessage("{}")
	}
	job := model.Job{
		ID:               uuid.NewString(),
		JobType:          jobType,
		SourceIdentifier: sourceIdentifier,
		OriginalFileName: opts.OriginalFileName,
		Priority:         opts.Priority,
		Status:           model.JobQueued,
		JobSpecificData:  data,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.jobs[job.ID] = job
	return job, nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (model.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok, nil
}

func (r *MemoryRepository) FindByRelatedObjectID(_ context.Context, objectID string) (model.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best model.Job
	found := false
	for _, j := range r.jobs {
		if j.RelatedObjectID == nil || *j.RelatedObjectID != objectID {
			continue
		}
		if !found || j.CreatedAt.After(best.CreatedAt) {
			best = j
			found = true
		}
	}
	return best, found, nil
}

func (r *MemoryRepository) GetNextJobs(_ context.Context, limit int, allowedTypes []model.JobType) ([]model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	allowed := make(map[model.JobType]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	now := time.Now()
	var candidates []model.Job
	for _, j := range r.jobs {
		if !allowed[j.JobType] {
			continue
		}
		switch {
		case j.Status == model.JobQueued:
			candidates = append(candidates, j)
		case j.Status == model.JobRetryPending && j.NextAttemptAt != nil && !j.NextAttemptAt.After(now):
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, patch Patch) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	changed := false
	if patch.Status != nil {
		j.Status = *patch.Status
		changed = true
	}
	if patch.ErrorInfo != nil {
		j.ErrorInfo = *patch.ErrorInfo
		changed = true
	}
	if patch.FailedStage != nil {
		j.FailedStage = *patch.FailedStage
		changed = true
	}
	if patch.RelatedObjectID != nil {
		j.RelatedObjectID = patch.RelatedObjectID
		changed = true
	}
	if patch.Priority != nil {
		j.Priority = *patch.Priority
		changed = true
	}
	if patch.JobSpecificData != nil {
		j.JobSpecificData = *patch.JobSpecificData
		changed = true
	}
	if changed {
		j.UpdatedAt = time.Now()
		r.jobs[id] = j
	}
	return changed, nil
}

func (r *MemoryRepository) MarkAsStarted(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || (j.Status != model.JobQueued && j.Status != model.JobRetryPending) {
		return false, nil
	}
	j.Status = model.JobProcessingSource
	j.Attempts++
	now := time.Now()
	j.LastAttemptAt = &now
	j.UpdatedAt = now
	r.jobs[id] = j
	return true, nil
}

func (r *MemoryRepository) MarkAsCompleted(_ context.Context, id string, relatedObjectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil
	}
	j.Status = model.JobCompleted
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
	if relatedObjectID != "" {
		j.RelatedObjectID = &relatedObjectID
	}
	r.jobs[id] = j
	return nil
}

func (r *MemoryRepository) MarkAsFailed(_ context.Context, id string, errorInfo string, failedStage model.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil
	}
	j.Status = model.JobFailed
	j.ErrorInfo = truncate(errorInfo)
	j.FailedStage = failedStage
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
	r.jobs[id] = j
	return nil
}

func (r *MemoryRepository) MarkAsRetryable(_ context.Context, id string, errorInfo string, failedStage model.JobStatus, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil
	}
	j.Status = model.JobRetryPending
	j.ErrorInfo = truncate(errorInfo)
	j.FailedStage = failedStage
	next := time.Now().Add(delay)
	j.NextAttemptAt = &next
	j.UpdatedAt = time.Now()
	r.jobs[id] = j
	return nil
}

func (r *MemoryRepository) MarkAsCancelled(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil
	}
	j.Status = model.JobCancelled
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
	r.jobs[id] = j
	return nil
}

func (r *MemoryRepository) RetryNow(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || (j.Status != model.JobFailed && j.Status != model.JobRetryPending) {
		return false, nil
	}
	j.Status = model.JobQueued
	j.ErrorInfo = ""
	j.FailedStage = ""
	now := time.Now()
	j.NextAttemptAt = &now
	j.UpdatedAt = now
	r.jobs[id] = j
	return true, nil
}

func (r *MemoryRepository) GetStats(_ context.Context) (map[model.JobStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.JobStatus]int)
	for _, j := range r.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (r *MemoryRepository) CleanupOldJobs(_ context.Context, days int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -days)
	n := 0
	for id, j := range r.jobs {
		if j.CompletedAt == nil {
			continue
		}
		switch j.Status {
		case model.JobCompleted, model.JobFailed, model.JobCancelled:
		default:
			continue
		}
		if j.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)
