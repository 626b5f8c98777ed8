// Package queue implements the Ingestion Queue (spec §4.2): a
// bounded-concurrency, priority-aware poller that claims Jobs from the
// Job Repository, dispatches them to type-registered Processors, retries
// with exponential backoff, and emits lifecycle events.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/jobs"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestionerr"
)

// Config mirrors config.QueueConfig; kept decoupled from the config
// package so this package has no dependency on config loading.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
	return c
}

// activeEntry is the active map's value for an in-flight job. CancelJob
// and activeCount use only the map's keys; the recorded jobType is not
// read anywhere.
type activeEntry struct {
	jobType model.JobType
}

// Scheduler is the Ingestion Queue's runtime. One instance per process.
type Scheduler struct {
	repo   jobs.Repository
	cfg    Config
	bus    *EventBus
	logger zerolog.Logger

	procMu     sync.RWMutex
	processors map[model.JobType]Processor

	stateMu sync.Mutex
	running bool

	activeMu sync.Mutex
	active   map[string]activeEntry

	// sem bounds how many processors run concurrently (spec §4.2's
	// concurrency cap). TryAcquire in dispatch is the single gate; a
	// failed acquire just leaves the job queued for the next poll,
	// rather than blocking the poll loop.
	sem *semaphore.Weighted

	wg sync.WaitGroup

	pollCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Scheduler against repo. Call RegisterProcessor for each
// jobType the process is meant to handle, then Start.
func New(repo jobs.Repository, cfg Config, logger zerolog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		repo:       repo,
		cfg:        cfg,
		bus:        NewEventBus(),
		logger:     logger,
		processors: make(map[model.JobType]Processor),
		active:     make(map[string]activeEntry),
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		pollCh:     make(chan struct{}, 1),
	}
}

// Events exposes the Scheduler's EventBus for subscription.
func (s *Scheduler) Events() *EventBus { return s.bus }

// RegisterProcessor installs processor as the handler for jobType,
// overwriting any prior registration.
func (s *Scheduler) RegisterProcessor(jobType model.JobType, processor Processor) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	s.processors[jobType] = processor
}

func (s *Scheduler) registeredTypes() []model.JobType {
	s.procMu.RLock()
	defer s.procMu.RUnlock()
	types := make([]model.JobType, 0, len(s.processors))
	for t := range s.processors {
		types = append(types, t)
	}
	return types
}

func (s *Scheduler) processorFor(jobType model.JobType) (Processor, bool) {
	s.procMu.RLock()
	defer s.procMu.RUnlock()
	p, ok := s.processors[jobType]
	return p, ok
}

// Start begins polling. Idempotent: calling Start on an already-running
// Scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.stateMu.Lock()
	if s.running {
		s.stateMu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.stateMu.Unlock()

	go s.loop(ctx)
}

// Stop stops accepting new work and waits for in-flight processors to
// finish before returning. There is no in-flight cancellation beyond
// "no new work".
func (s *Scheduler) Stop() {
	s.stateMu.Lock()
	if !s.running {
		s.stateMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.stateMu.Unlock()

	<-s.doneCh
	s.wg.Wait()
}

func (s *Scheduler) isRunning() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !s.isRunning() {
			return
		}
		s.poll(ctx)

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.pollCh:
		}
	}
}

// triggerPoll schedules an extra, immediate poll without waiting for the
// next ticker tick.
func (s *Scheduler) triggerPoll() {
	select {
	case s.pollCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) activeCount() int {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return len(s.active)
}

// poll runs one iteration of the polling algorithm (spec §4.2).
func (s *Scheduler) poll(ctx context.Context) {
	if !s.isRunning() {
		return
	}
	slots := s.cfg.Concurrency - s.activeCount()
	if slots <= 0 {
		return
	}
	types := s.registeredTypes()
	if len(types) == 0 {
		return
	}
	candidates, err := s.repo.GetNextJobs(ctx, slots, types)
	if err != nil {
		s.logger.Error().Err(err).Msg("ingestion queue: getNextJobs failed")
		return
	}

	for _, job := range candidates {
		processor, ok := s.processorFor(job.JobType)
		if !ok {
			if err := s.repo.MarkAsFailed(ctx, job.ID, fmt.Sprintf("no processor registered for job type %q", job.JobType), model.JobProcessingSource); err != nil {
				s.logger.Error().Err(err).Str("job_id", job.ID).Msg("ingestion queue: mark unregistered-type job failed")
			}
			continue
		}
		if !s.dispatch(ctx, job, processor) {
			// Concurrency cap hit between GetNextJobs and here; the job
			// stays queued and is picked up on the next poll.
			break
		}
	}
}

// dispatch tries to claim a concurrency slot and, if one is free, runs
// job's processor in a new goroutine. It reports whether a slot was
// acquired so poll can stop offering further candidates this round.
func (s *Scheduler) dispatch(ctx context.Context, job model.Job, processor Processor) bool {
	if !s.sem.TryAcquire(1) {
		return false
	}

	s.activeMu.Lock()
	s.active[job.ID] = activeEntry{jobType: job.JobType}
	s.activeMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			s.activeMu.Lock()
			delete(s.active, job.ID)
			s.activeMu.Unlock()
		}()
		s.run(ctx, job, processor)
	}()
	return true
}

func (s *Scheduler) run(ctx context.Context, job model.Job, processor Processor) {
	claimed, err := s.repo.MarkAsStarted(ctx, job.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("ingestion queue: markAsStarted failed")
		return
	}
	if !claimed {
		// Another instance (or a racing poll) already claimed this job.
		return
	}
	job.Status = model.JobProcessingSource
	job.Attempts++
	s.bus.Emit(Event{Type: EventJobStarted, Job: job})

	progress := func(progressCtx context.Context, stage model.JobStatus) error {
		ok, err := s.repo.Update(progressCtx, job.ID, jobs.Patch{Status: &stage})
		if err != nil {
			return fmt.Errorf("advance job %s to %s: %w", job.ID, stage, err)
		}
		if ok {
			job.Status = stage
		}
		return nil
	}

	procErr := processor(ctx, job, progress)
	if procErr == nil {
		s.bus.Emit(Event{Type: EventJobCompleted, Job: job})
		return
	}
	s.applyFailure(ctx, job, procErr)
}

// applyFailure implements the retry policy (spec §4.2 "Retry policy"):
// InputFatal and Programmer failures bypass the retry budget entirely;
// Transient, LLMSemantic and StoreConsistency failures retry until
// maxRetries is exhausted.
func (s *Scheduler) applyFailure(ctx context.Context, job model.Job, procErr error) {
	kind := ingestionerr.KindOf(procErr)
	errInfo := ingestionerr.Truncate(procErr.Error())
	failedStage := job.Status
	if !failedStage.Active() {
		failedStage = model.JobProcessingSource
	}

	if kind.Retryable() && job.Attempts <= s.cfg.MaxRetries {
		delay := s.cfg.RetryDelay * time.Duration(1<<uint(job.Attempts-1))
		if err := s.repo.MarkAsRetryable(ctx, job.ID, errInfo, failedStage, delay); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("ingestion queue: markAsRetryable failed")
			return
		}
		job.Status = model.JobRetryPending
		job.ErrorInfo = errInfo
		job.FailedStage = failedStage
		s.bus.Emit(Event{Type: EventJobRetry, Job: job})
		s.triggerPoll()
		return
	}

	if err := s.repo.MarkAsFailed(ctx, job.ID, errInfo, failedStage); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("ingestion queue: markAsFailed failed")
		return
	}
	job.Status = model.JobFailed
	job.ErrorInfo = errInfo
	job.FailedStage = failedStage
	s.bus.Emit(Event{Type: EventJobFailed, Job: job})
}

// AddJob delegates to the repository and, if running, triggers an
// immediate extra poll.
func (s *Scheduler) AddJob(ctx context.Context, jobType model.JobType, sourceIdentifier string, opts model.JobOptions) (model.Job, error) {
	job, err := s.repo.Create(ctx, jobType, sourceIdentifier, opts)
	if err != nil {
		return model.Job{}, fmt.Errorf("add job: %w", err)
	}
	s.bus.Emit(Event{Type: EventJobCreated, Job: job})
	if s.isRunning() {
		s.triggerPoll()
	}
	return job, nil
}

// CancelJob succeeds only if the job is not currently active; it sets
// status to cancelled.
func (s *Scheduler) CancelJob(ctx context.Context, id string) (bool, error) {
	s.activeMu.Lock()
	_, active := s.active[id]
	s.activeMu.Unlock()
	if active {
		return false, nil
	}
	job, found, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if !found {
		return false, nil
	}
	if err := s.repo.MarkAsCancelled(ctx, id); err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	job.Status = model.JobCancelled
	s.bus.Emit(Event{Type: EventJobCancelled, Job: job})
	return true, nil
}

// RetryJob succeeds if the job's status is failed or retry_pending; it
// resets it to queued and triggers an immediate poll if running.
func (s *Scheduler) RetryJob(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.RetryNow(ctx, id)
	if err != nil {
		return false, fmt.Errorf("retry job %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	if s.isRunning() {
		s.triggerPoll()
	}
	return true, nil
}

// GetStats is an observational passthrough to the repository.
func (s *Scheduler) GetStats(ctx context.Context) (map[model.JobStatus]int, error) {
	return s.repo.GetStats(ctx)
}

// GetActiveJobCount reports the current in-flight job count.
func (s *Scheduler) GetActiveJobCount() int { return s.activeCount() }

// CleanupOldJobs passes through to the repository's CleanupOldJobs.
func (s *Scheduler) CleanupOldJobs(ctx context.Context, days int) (int, error) {
	return s.repo.CleanupOldJobs(ctx, days)
}
