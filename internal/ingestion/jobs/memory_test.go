package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

func TestMemoryRepository_CreateAndClaim(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	job, err := repo.Create(ctx, model.JobTypeURL, "https://example.com/a", model.JobOptions{Priority: 5})
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, job.Status)
	require.Equal(t, 0, job.Attempts)

	claimed, err := repo.MarkAsStarted(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	got, ok, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.JobProcessingSource, got.Status)
	require.Equal(t, 1, got.Attempts)

	// A second claim attempt must fail: the job is no longer queued.
	claimedAgain, err := repo.MarkAsStarted(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, claimedAgain)
}

func TestMemoryRepository_GetNextJobsOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	low, err := repo.Create(ctx, model.JobTypeURL, "low", model.JobOptions{Priority: 1})
	require.NoError(t, err)
	high, err := repo.Create(ctx, model.JobTypeURL, "high", model.JobOptions{Priority: 9})
	require.NoError(t, err)

	next, err := repo.GetNextJobs(ctx, 10, []model.JobType{model.JobTypeURL})
	require.NoError(t, err)
	require.Len(t, next, 2)
	require.Equal(t, high.ID, next[0].ID)
	require.Equal(t, low.ID, next[1].ID)
}

func TestMemoryRepository_RetryPendingNotClaimableUntilDue(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	job, err := repo.Create(ctx, model.JobTypeURL, "u", model.JobOptions{})
	require.NoError(t, err)
	require.NoError(t, repo.MarkAsRetryable(ctx, job.ID, "network blip", model.JobProcessingSource, time.Hour))

	next, err := repo.GetNextJobs(ctx, 10, []model.JobType{model.JobTypeURL})
	require.NoError(t, err)
	require.Empty(t, next)

	require.NoError(t, repo.MarkAsRetryable(ctx, job.ID, "network blip", model.JobProcessingSource, 0))
	next, err = repo.GetNextJobs(ctx, 10, []model.JobType{model.JobTypeURL})
	require.NoError(t, err)
	require.Len(t, next, 1)
}

func TestMemoryRepository_MarkAsFailedSetsCompletedAt(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	job, err := repo.Create(ctx, model.JobTypePDF, "f.pdf", model.JobOptions{})
	require.NoError(t, err)
	require.NoError(t, repo.MarkAsFailed(ctx, job.ID, "corrupt", model.JobParsingContent))

	got, ok, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.JobFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, model.JobParsingContent, got.FailedStage)
}

func TestMemoryRepository_CleanupOldJobs(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	job, err := repo.Create(ctx, model.JobTypeURL, "u", model.JobOptions{})
	require.NoError(t, err)
	require.NoError(t, repo.MarkAsFailed(ctx, job.ID, "x", model.JobProcessingSource))

	// Backdate completedAt so it's eligible for cleanup.
	repo.mu.Lock()
	j := repo.jobs[job.ID]
	past := time.Now().AddDate(0, 0, -30)
	j.CompletedAt = &past
	repo.jobs[job.ID] = j
	repo.mu.Unlock()

	n, err := repo.CleanupOldJobs(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok)
}
