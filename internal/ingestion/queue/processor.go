package queue

import (
	"context"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

// ProgressFunc lets a Processor advance a job's progress substate
// (processing_source, parsing_content, ai_processing, persisting_data,
// vectorizing) as it works. The Scheduler writes the substate through to
// the Job Repository and uses the job's last-written status at failure
// time to infer failedStage — so a Processor that never calls this loses
// failedStage granularity, but correctness does not depend on any
// Processor-local bookkeeping (spec §9 "FailedStage inference").
type ProgressFunc func(ctx context.Context, stage model.JobStatus) error

// Processor is a fail-or-succeed function over a Job (spec §4.2, §6.2).
// A non-nil error is a failure; the Scheduler decides retry vs terminal
// failure from its Kind (see internal/ingestionerr).
type Processor func(ctx context.Context, job model.Job, progress ProgressFunc) error
