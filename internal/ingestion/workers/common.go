// Package workers implements the Ingestion Workers (spec §4.4): one
// Processor per job type (url, pdf, bookmark-batch), sharing a common
// fetch → hash/dedupe → parse → LLM metadata → transactional
// Object+seed-Chunk → progress-events skeleton.
package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/jobs"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/llmchunk"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/objects"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/queue"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestionerr"
)

// FetchResult is what a type-specific Fetcher hands back to the common
// skeleton: source bytes already parsed into cleaned text, plus whatever
// fingerprint and file-storage metadata applies to that source type.
type FetchResult struct {
	ObjectType model.ObjectType
	SourceURI  string
	// FileHash is the content fingerprint for duplicate detection
	// (spec §4.4 step 2). Empty means "no dedup for this source" (the
	// URL worker's live-fetch path has no stable fingerprint to key
	// on).
	FileHash         string
	Title            string
	CleanedText      string
	InternalFilePath string
}

// Fetcher performs steps 1-3 of spec §4.4 for one job type: fetching
// source bytes and parsing them into cleaned text + title.
type Fetcher interface {
	Fetch(ctx context.Context, job model.Job) (FetchResult, error)
}

// Deps are the collaborators the common skeleton needs beyond the
// per-type Fetcher.
type Deps struct {
	Objects objects.Repository
	Jobs    jobs.Repository
	Chunker llmchunk.Chunker
	Limits  config.IngestionLimits
	Logger  zerolog.Logger
}

// NewProcessor adapts a Fetcher into a queue.Processor, running the
// shared skeleton around it.
func NewProcessor(fetcher Fetcher, deps Deps) queue.Processor {
	return func(ctx context.Context, job model.Job, progress queue.ProgressFunc) error {
		return run(ctx, job, progress, fetcher, deps)
	}
}

func run(ctx context.Context, job model.Job, progress queue.ProgressFunc, fetcher Fetcher, deps Deps) error {
	if err := progress(ctx, model.JobProcessingSource); err != nil {
		return fmt.Errorf("advance to processing_source: %w", err)
	}

	fetched, err := fetcher.Fetch(ctx, job)
	if err != nil {
		return err
	}

	if fetched.FileHash != "" {
		done, err := dedupe(ctx, job, progress, fetched.FileHash, deps)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	if err := progress(ctx, model.JobParsingContent); err != nil {
		return fmt.Errorf("advance to parsing_content: %w", err)
	}
	if strings.TrimSpace(fetched.CleanedText) == "" {
		return ingestionerr.New(ingestionerr.InputFatal, fmt.Errorf("no extractable text for %s", fetched.SourceURI))
	}

	if err := progress(ctx, model.JobAIProcessing); err != nil {
		return fmt.Errorf("advance to ai_processing: %w", err)
	}
	meta, err := deps.Chunker.ExtractObjectMetadata(ctx, "", fetched.CleanedText)
	if err != nil {
		return err
	}
	title := strings.TrimSpace(fetched.Title)
	if title == "" {
		title = meta.Title
	}

	if err := progress(ctx, model.JobPersistingData); err != nil {
		return fmt.Errorf("advance to persisting_data: %w", err)
	}

	obj := model.Object{
		ObjectType:       fetched.ObjectType,
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
		return ingestionerr.New(ingestionerr.StoreConsistency, fmt.Errorf("create object with seed chunk: %w", err))
	}

	attachRelatedObject(ctx, deps, job.ID, created.ID)

	if err := progress(ctx, model.JobVectorizing); err != nil {
		deps.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("workers: best-effort progress notification failed")
	}
	return nil
}

// dedupe implements spec §4.4's "Duplicate policy": a non-failed Object
// with the same fileHash short-circuits the job to success without
// re-processing; a reingestable failure row with the same fileHash is
// deleted first so re-ingestion can proceed cleanly (spec §4.3).
func dedupe(ctx context.Context, job model.Job, progress queue.ProgressFunc, fileHash string, deps Deps) (bool, error) {
	existing, found, err := deps.Objects.FindByFileHash(ctx, fileHash)
	if err != nil {
		return false, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("find by file hash: %w", err))
	}
	if found {
		attachRelatedObject(ctx, deps, job.ID, existing.ID)
		_ = progress(ctx, model.JobPersistingData)
		if existing.Status == model.ObjectEmbedded {
			// The matching Object already finished embedding in an
			// earlier job, so the Embedding Worker will never revisit
			// it (it only claims objects in "parsed" status) and
			// never call completeOriginatingJob for this one. Complete
			// it here instead of leaving it stuck in persisting_data.
			if deps.Jobs != nil {
				if err := deps.Jobs.MarkAsCompleted(ctx, job.ID, existing.ID); err != nil {
					return true, fmt.Errorf("mark duplicate job completed: %w", err)
				}
			}
			return true, nil
		}
		// Otherwise the matching Object is still new/fetched/parsed/
		// embedding: it hasn't reached a terminal state yet, so the
		// Embedding Worker will complete this job once it does.
		return true, nil
	}

	reingestable, found, err := deps.Objects.FindReingestableByFileHash(ctx, fileHash)
	if err != nil {
		return false, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("find reingestable by file hash: %w", err))
	}
	if found {
		if err := deps.Objects.DeleteCascade(ctx, reingestable.ID); err != nil {
			return false, ingestionerr.New(ingestionerr.StoreConsistency, fmt.Errorf("delete reingestable object: %w", err))
		}
	}
	return false, nil
}

// attachRelatedObject is best-effort: a failure to record the linkage
// does not fail the job, since the Object itself is already durably
// persisted.
func attachRelatedObject(ctx context.Context, deps Deps, jobID, objectID string) {
	if deps.Jobs == nil {
		return
	}
	if _, err := deps.Jobs.Update(ctx, jobID, jobs.Patch{RelatedObjectID: &objectID}); err != nil {
		deps.Logger.Warn().Err(err).Str("job_id", jobID).Str("object_id", objectID).Msg("workers: attach relatedObjectId failed")
	}
}

// seedChunk builds the seed Chunk created alongside the Object (spec
// §4.4 step 5). For PDFs the chunk content equals the object summary,
// leaving Chunk.summary empty to avoid duplicating the same text in
// both fields; other source types seed with the cleaned text itself.
func seedChunk(fetched FetchResult, meta llmchunk.ObjectMetadata) model.Chunk {
	if fetched.ObjectType == model.ObjectTypePDF {
		return model.Chunk{Content: meta.Summary}
	}
	return model.Chunk{Content: fetched.CleanedText, Summary: meta.Summary}
}
