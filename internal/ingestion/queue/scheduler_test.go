package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/jobs"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestionerr"
)

func testScheduler(repo jobs.Repository, cfg Config) *Scheduler {
	return New(repo, cfg, zerolog.Nop())
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	sched := testScheduler(repo, Config{Concurrency: 2, PollInterval: 10 * time.Millisecond})

	var inFlight, maxInFlight int32
	sched.RegisterProcessor(model.JobTypeURL, func(ctx context.Context, job model.Job, progress ProgressFunc) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(150 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := sched.AddJob(ctx, model.JobTypeURL, fmt.Sprintf("https://example.com/%d", i), model.JobOptions{})
		require.NoError(t, err)
	}

	sched.Start(ctx)
	// The scheduler does not mark url jobs completed (the Embedding Worker
	// does), so a finished job stays in processing_source: all four are done
	// once all four have been claimed and none is still active.
	require.Eventually(t, func() bool {
		stats, err := repo.GetStats(ctx)
		require.NoError(t, err)
		return stats[model.JobProcessingSource] == 4 && sched.GetActiveJobCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	sched.Stop()

	require.LessOrEqual(t, int(atomic.LoadInt32(&maxInFlight)), 2)
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	sched := testScheduler(repo, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond, MaxRetries: 3, RetryDelay: 10 * time.Millisecond})

	var mu sync.Mutex
	calls := 0
	sched.RegisterProcessor(model.JobTypeURL, func(ctx context.Context, job model.Job, progress ProgressFunc) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return ingestionerr.New(ingestionerr.Transient, fmt.Errorf("network blip"))
		}
		return nil
	})

	ctx := context.Background()
	job, err := sched.AddJob(ctx, model.JobTypeURL, "https://example.com/retry", model.JobOptions{})
	require.NoError(t, err)

	sched.Start(ctx)
	// Success on the third attempt leaves the job in processing_source; the
	// scheduler does not mark it completed.
	require.Eventually(t, func() bool {
		got, found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		return found && got.Attempts == 3 && got.Status == model.JobProcessingSource && sched.GetActiveJobCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	sched.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, calls)
}

func TestScheduler_PermanentFailureInputFatal(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	sched := testScheduler(repo, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond, MaxRetries: 3, RetryDelay: 5 * time.Millisecond})

	var calls int32
	sched.RegisterProcessor(model.JobTypePDF, func(ctx context.Context, job model.Job, progress ProgressFunc) error {
		atomic.AddInt32(&calls, 1)
		return ingestionerr.New(ingestionerr.InputFatal, fmt.Errorf("file too large"))
	})

	ctx := context.Background()
	job, err := sched.AddJob(ctx, model.JobTypePDF, "/tmp/huge.pdf", model.JobOptions{})
	require.NoError(t, err)

	sched.Start(ctx)
	require.Eventually(t, func() bool {
		got, found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		return found && got.Status == model.JobFailed
	}, 2*time.Second, 10*time.Millisecond)
	sched.Stop()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestScheduler_RetryableExhaustsAtMaxRetriesPlusOne(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	sched := testScheduler(repo, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond, MaxRetries: 2, RetryDelay: 5 * time.Millisecond})

	var calls int32
	sched.RegisterProcessor(model.JobTypeURL, func(ctx context.Context, job model.Job, progress ProgressFunc) error {
		atomic.AddInt32(&calls, 1)
		return ingestionerr.New(ingestionerr.Transient, fmt.Errorf("network blip"))
	})

	ctx := context.Background()
	job, err := sched.AddJob(ctx, model.JobTypeURL, "https://example.com/always-fails", model.JobOptions{})
	require.NoError(t, err)

	sched.Start(ctx)
	require.Eventually(t, func() bool {
		got, found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		return found && got.Status == model.JobFailed
	}, 2*time.Second, 10*time.Millisecond)
	sched.Stop()

	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestScheduler_ZeroMaxRetriesFailsOnFirstAttempt(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	sched := testScheduler(repo, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond, MaxRetries: 0, RetryDelay: 5 * time.Millisecond})

	var calls int32
	sched.RegisterProcessor(model.JobTypeURL, func(ctx context.Context, job model.Job, progress ProgressFunc) error {
		atomic.AddInt32(&calls, 1)
		return ingestionerr.New(ingestionerr.Transient, fmt.Errorf("network blip"))
	})

	ctx := context.Background()
	job, err := sched.AddJob(ctx, model.JobTypeURL, "https://example.com/no-retries", model.JobOptions{})
	require.NoError(t, err)

	sched.Start(ctx)
	require.Eventually(t, func() bool {
		got, found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		return found && got.Status == model.JobFailed
	}, 2*time.Second, 10*time.Millisecond)
	sched.Stop()

	got, _, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Attempts)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestScheduler_CancelJobRefusesActive(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	sched := testScheduler(repo, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	sched.RegisterProcessor(model.JobTypeURL, func(ctx context.Context, job model.Job, progress ProgressFunc) error {
		close(started)
		<-release
		return nil
	})

	ctx := context.Background()
	job, err := sched.AddJob(ctx, model.JobTypeURL, "https://example.com/slow", model.JobOptions{})
	require.NoError(t, err)

	sched.Start(ctx)
	<-started

	ok, err := sched.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok)

	close(release)
	sched.Stop()

	got, found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.JobProcessingSource, got.Status)
}

func TestScheduler_CancelJobSucceedsWhenQueued(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	sched := testScheduler(repo, Config{Concurrency: 1, PollInterval: time.Hour})

	ctx := context.Background()
	job, err := sched.AddJob(ctx, model.JobTypeURL, "https://example.com/never-started", model.JobOptions{})
	require.NoError(t, err)

	ok, err := sched.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.JobCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestScheduler_RetryJobSemantics(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	sched := testScheduler(repo, Config{Concurrency: 1, PollInterval: time.Hour})

	ctx := context.Background()
	job, err := sched.AddJob(ctx, model.JobTypeURL, "https://example.com/retry-me", model.JobOptions{})
	require.NoError(t, err)

	// Not failed/retry_pending yet: RetryJob should be a no-op.
	ok, err := sched.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok)

	errInfo := "boom"
	require.NoError(t, repo.MarkAsFailed(ctx, job.ID, errInfo, model.JobParsingContent))

	ok, err = sched.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.JobQueued, got.Status)
	require.Empty(t, got.ErrorInfo)
	require.Empty(t, got.FailedStage)
}

func TestScheduler_EventEmission(t *testing.T) {
	repo := jobs.NewMemoryRepository()
	sched := testScheduler(repo, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond})

	var mu sync.Mutex
	var seen []EventType
	sched.Events().Subscribe(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})
	sched.RegisterProcessor(model.JobTypeURL, func(ctx context.Context, job model.Job, progress ProgressFunc) error {
		return nil
	})

	ctx := context.Background()
	_, err := sched.AddJob(ctx, model.JobTypeURL, "https://example.com/events", model.JobOptions{})
	require.NoError(t, err)

	sched.Start(ctx)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	sched.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, seen, EventJobCreated)
	require.Contains(t, seen, EventJobStarted)
	require.Contains(t, seen, EventJobCompleted)
}
