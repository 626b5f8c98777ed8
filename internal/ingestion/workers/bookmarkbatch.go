package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/jobs"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/queue"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestionerr"
)

// bookmarkBatchPayload is the job-specific-data shape for a
// bookmark-batch job: a flat list of URLs imported together (e.g. from a
// browser bookmarks export).
type bookmarkBatchPayload struct {
	URLs []string `json:"urls"`
}

// bookmarkBatchResult is written back onto the job's job-specific-data
// once processing finishes, recording every Object the batch produced
// (spec §9 Open Question resolution: a batch job's relatedObjectId alone
// can only ever point at one of its Objects, so the full set is kept
// alongside it).
type bookmarkBatchResult struct {
	URLs             []string `json:"urls"`
	CreatedObjectIDs []string `json:"created_object_ids"`
	FailedURLs       []string `json:"failed_urls,omitempty"`
}

// NewBookmarkBatchProcessor builds the job-type "bookmark-batch"
// Processor. Unlike the url/pdf Fetchers, one batch job fans out into
// many Objects, so it is wired directly as a queue.Processor instead of
// through the single-FetchResult Fetcher skeleton in common.go. Each
// entry goes through processOne, which fetches the URL with the given
// Fetcher (the same URLFetcher used by job type "url") and repeats
// run()'s dedupe/metadata/persist steps.
func NewBookmarkBatchProcessor(fetcher Fetcher, deps Deps) queue.Processor {
	return func(ctx context.Context, job model.Job, progress queue.ProgressFunc) error {
		return runBookmarkBatch(ctx, job, progress, fetcher, deps)
	}
}

func runBookmarkBatch(ctx context.Context, job model.Job, progress queue.ProgressFunc, fetcher Fetcher, deps Deps) error {
	var payload bookmarkBatchPayload
	if len(job.JobSpecificData) > 0 {
		if err := json.Unmarshal(job.JobSpecificData, &payload); err != nil {
			return ingestionerr.New(ingestionerr.InputFatal, fmt.Errorf("parse bookmark batch payload: %w", err))
		}
	}
	if len(payload.URLs) == 0 {
		return ingestionerr.New(ingestionerr.InputFatal, fmt.Errorf("bookmark batch has no urls"))
	}

	if err := progress(ctx, model.JobProcessingSource); err != nil {
		return fmt.Errorf("advance to processing_source: %w", err)
	}

	result := bookmarkBatchResult{URLs: payload.URLs}
	var lastErr error

	for _, rawURL := range payload.URLs {
		entryJob := job
		entryJob.SourceIdentifier = rawURL

		objectID, err := processOne(ctx, entryJob, fetcher, deps)
		if err != nil {
			deps.Logger.Warn().Err(err).Str("job_id", job.ID).Str("url", rawURL).Msg("workers: bookmark batch entry failed")
			result.FailedURLs = append(result.FailedURLs, rawURL)
			lastErr = err
			continue
		}
		result.CreatedObjectIDs = append(result.CreatedObjectIDs, objectID)
	}

	if len(result.CreatedObjectIDs) == 0 {
		if lastErr != nil {
			return lastErr
		}
		return ingestionerr.New(ingestionerr.InputFatal, fmt.Errorf("bookmark batch produced no objects"))
	}

	if err := progress(ctx, model.JobPersistingData); err != nil {
		return fmt.Errorf("advance to persisting_data: %w", err)
	}

	lastObjectID := result.CreatedObjectIDs[len(result.CreatedObjectIDs)-1]
	raw, err := json.Marshal(result)
	if err != nil {
		return ingestionerr.New(ingestionerr.Programmer, fmt.Errorf("marshal bookmark batch result: %w", err))
	}
	rawMsg := json.RawMessage(raw)

	if deps.Jobs != nil {
		if _, err := deps.Jobs.Update(ctx, job.ID, jobs.Patch{
			JobSpecificData: &rawMsg,
		}); err != nil {
			deps.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("workers: attach bookmark batch result failed")
		}
	}

	if err := progress(ctx, model.JobVectorizing); err != nil {
		deps.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("workers: best-effort progress notification failed")
	}

	// A batch job owns several Objects, none of which the Embedding
	// Worker can attribute it to unambiguously, so it completes itself
	// here instead of waiting on FindByRelatedObjectID + embedding like
	// a single-URL job does (see completeOriginatingJob).
	if deps.Jobs != nil {
		if err := deps.Jobs.MarkAsCompleted(ctx, job.ID, lastObjectID); err != nil {
			return fmt.Errorf("mark bookmark batch job completed: %w", err)
		}
	}
	return nil
}

// processOne fetches and persists a single URL entry of a batch,
// reusing the same fetch/dedupe/metadata/persist steps run() applies to
// a standalone job, minus the per-stage progress notifications (the
// batch as a whole advances progress once, not per entry).
func processOne(ctx context.Context, job model.Job, fetcher Fetcher, deps Deps) (string, error) {
	fetched, err := fetcher.Fetch(ctx, job)
	if err != nil {
		return "", err
	}

	if fetched.FileHash != "" {
		existing, found, err := deps.Objects.FindByFileHash(ctx, fetched.FileHash)
		if err != nil {
			return "", ingestionerr.New(ingestionerr.Transient, fmt.Errorf("find by file hash: %w", err))
		}
		if found {
			return existing.ID, nil
		}
		reingestable, found, err := deps.Objects.FindReingestableByFileHash(ctx, fetched.FileHash)
		if err != nil {
			return "", ingestionerr.New(ingestionerr.Transient, fmt.Errorf("find reingestable by file hash: %w", err))
		}
		if found {
			if err := deps.Objects.DeleteCascade(ctx, reingestable.ID); err != nil {
				return "", ingestionerr.New(ingestionerr.StoreConsistency, fmt.Errorf("delete reingestable object: %w", err))
			}
		}
	}

	if len(fetched.CleanedText) == 0 {
		return "", ingestionerr.New(ingestionerr.InputFatal, fmt.Errorf("no extractable text for %s", fetched.SourceURI))
	}

	meta, err := deps.Chunker.ExtractObjectMetadata(ctx, "", fetched.CleanedText)
	if err != nil {
		return "", err
	}
	title := fetched.Title
	if title == "" {
		title = meta.Title
	}

	obj := model.Object{
		ObjectType:       model.ObjectTypeBookmark,
		SourceURI:        fetched.SourceURI,
		FileHash:         fetched.FileHash,
		Title:            title,
		CleanedText:      fetched.CleanedText,
		Summary:          meta.Summary,
		TagsJSON:         marshalStrings(meta.Tags),
		PropositionsJSON: marshalStrings(meta.Propositions),
		Status:           model.ObjectParsed,
		InternalFilePath: fetched.InternalFilePath,
	}
	seed := seedChunk(fetched, meta)

	created, err := deps.Objects.CreateWithSeedChunk(ctx, obj, seed)
	if err != nil {
		return "", ingestionerr.New(ingestionerr.StoreConsistency, fmt.Errorf("create object with seed chunk: %w", err))
	}
	return created.ID, nil
}
