package workers

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/jobs"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/llmchunk"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/objects"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/queue"
)

type fakeFetcher struct {
	result FetchResult
	err    error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ model.Job) (FetchResult, error) {
	return f.result, f.err
}

type fakeMetadataChunker struct {
	meta llmchunk.ObjectMetadata
	err  error
}

func (f *fakeMetadataChunker) ChunkText(_ context.Context, _ string, _ string) ([]model.ChunkDescriptor, error) {
	return nil, nil
}

func (f *fakeMetadataChunker) ExtractObjectMetadata(_ context.Context, _ string, _ string) (llmchunk.ObjectMetadata, error) {
	return f.meta, f.err
}

func noopProgress(_ context.Context, _ model.JobStatus) error { return nil }

func newTestDeps(t *testing.T, chunker llmchunk.Chunker) (Deps, *objects.MemoryRepository, *jobs.MemoryRepository) {
	t.Helper()
	objRepo := objects.NewMemoryRepository()
	jobRepo := jobs.NewMemoryRepository()
	return Deps{
		Objects: objRepo,
		Jobs:    jobRepo,
		Chunker: chunker,
		Logger:  zerolog.Nop(),
	}, objRepo, jobRepo
}

func TestRun_CreatesObjectAndAttachesRelatedID(t *testing.T) {
	chunker := &fakeMetadataChunker{meta: llmchunk.ObjectMetadata{Title: "Fallback Title", Summary: "a summary"}}
	deps, objRepo, jobRepo := newTestDeps(t, chunker)

	job, err := jobRepo.Create(context.Background(), model.JobTypeURL, "https://example.com/post", model.JobOptions{})
	require.NoError(t, err)

	fetcher := &fakeFetcher{result: FetchResult{
		ObjectType:  model.ObjectTypeWebpage,
		SourceURI:   job.SourceIdentifier,
		Title:       "Explicit Title",
		CleanedText: "Hello there, this is the article body.",
	}}

	err = run(context.Background(), job, noopProgress, fetcher, deps)
	require.NoError(t, err)

	got, found, err := jobRepo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, got.RelatedObjectID)

	obj, found, err := objRepo.GetByID(context.Background(), *got.RelatedObjectID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Explicit Title", obj.Title)
	require.Equal(t, "a summary", obj.Summary)
	require.Equal(t, model.ObjectParsed, obj.Status)
}

func TestRun_EmptyCleanedTextFailsFatally(t *testing.T) {
	chunker := &fakeMetadataChunker{}
	deps, _, jobRepo := newTestDeps(t, chunker)
	job, err := jobRepo.Create(context.Background(), model.JobTypeURL, "https://example.com/empty", model.JobOptions{})
	require.NoError(t, err)

	fetcher := &fakeFetcher{result: FetchResult{SourceURI: job.SourceIdentifier, CleanedText: "   "}}

	err = run(context.Background(), job, noopProgress, fetcher, deps)
	require.Error(t, err)
}

func TestRun_DuplicateFileHashShortCircuits(t *testing.T) {
	chunker := &fakeMetadataChunker{meta: llmchunk.ObjectMetadata{Summary: "s"}}
	deps, objRepo, jobRepo := newTestDeps(t, chunker)

	existing, err := objRepo.Create(context.Background(), model.Object{
		ObjectType:  model.ObjectTypePDF,
		SourceURI:   "/tmp/doc.pdf",
		FileHash:    "dup-hash",
		Title:       "Already Here",
		CleanedText: "existing text",
		Status:      model.ObjectParsed,
	})
	require.NoError(t, err)

	job, err := jobRepo.Create(context.Background(), model.JobTypePDF, "/tmp/doc.pdf", model.JobOptions{})
	require.NoError(t, err)

	fetcher := &fakeFetcher{result: FetchResult{
		ObjectType:  model.ObjectTypePDF,
		SourceURI:   "/tmp/doc.pdf",
		FileHash:    "dup-hash",
		CleanedText: "new text that should never be persisted",
	}}

	err = run(context.Background(), job, noopProgress, fetcher, deps)
	require.NoError(t, err)

	got, found, err := jobRepo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, got.RelatedObjectID)
	require.Equal(t, existing.ID, *got.RelatedObjectID)
	require.NotEqual(t, model.JobCompleted, got.Status, "the matching object hasn't embedded yet, so the embedding worker still owns completing this job")
}

func TestRun_DuplicateOfAlreadyEmbeddedObjectCompletesJob(t *testing.T) {
	chunker := &fakeMetadataChunker{meta: llmchunk.ObjectMetadata{Summary: "s"}}
	deps, objRepo, jobRepo := newTestDeps(t, chunker)

	existing, err := objRepo.Create(context.Background(), model.Object{
		ObjectType:  model.ObjectTypePDF,
		SourceURI:   "/tmp/doc.pdf",
		FileHash:    "dup-hash",
		Title:       "Already Embedded",
		CleanedText: "existing text",
		Status:      model.ObjectEmbedded,
	})
	require.NoError(t, err)

	job, err := jobRepo.Create(context.Background(), model.JobTypePDF, "/tmp/doc.pdf", model.JobOptions{})
	require.NoError(t, err)

	fetcher := &fakeFetcher{result: FetchResult{
		ObjectType:  model.ObjectTypePDF,
		SourceURI:   "/tmp/doc.pdf",
		FileHash:    "dup-hash",
		CleanedText: "new text that should never be persisted",
	}}

	err = run(context.Background(), job, noopProgress, fetcher, deps)
	require.NoError(t, err)

	got, found, err := jobRepo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, got.RelatedObjectID)
	require.Equal(t, existing.ID, *got.RelatedObjectID)
	require.Equal(t, model.JobCompleted, got.Status, "the embedding worker will never revisit an already-embedded object, so the job must complete here")
}

func TestRun_ReingestableDuplicateIsDeletedThenReplaced(t *testing.T) {
	chunker := &fakeMetadataChunker{meta: llmchunk.ObjectMetadata{Summary: "fresh summary"}}
	deps, objRepo, jobRepo := newTestDeps(t, chunker)

	stale, err := objRepo.Create(context.Background(), model.Object{
		ObjectType:  model.ObjectTypePDF,
		SourceURI:   "/tmp/doc.pdf",
		FileHash:    "stale-hash",
		Title:       "Stale",
		CleanedText: "stale text",
		Status:      model.ObjectEmbeddingFailed,
	})
	require.NoError(t, err)

	job, err := jobRepo.Create(context.Background(), model.JobTypePDF, "/tmp/doc.pdf", model.JobOptions{})
	require.NoError(t, err)

	fetcher := &fakeFetcher{result: FetchResult{
		ObjectType:  model.ObjectTypePDF,
		SourceURI:   "/tmp/doc.pdf",
		FileHash:    "stale-hash",
		CleanedText: "fresh text",
	}}

	err = run(context.Background(), job, noopProgress, fetcher, deps)
	require.NoError(t, err)

	_, found, err := objRepo.GetByID(context.Background(), stale.ID)
	require.NoError(t, err)
	require.False(t, found, "stale object should have been deleted")

	got, found, err := jobRepo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, got.RelatedObjectID)

	fresh, found, err := objRepo.GetByID(context.Background(), *got.RelatedObjectID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "fresh text", fresh.CleanedText)
}

func TestNewProcessor_ReturnsProcessor(t *testing.T) {
	var p queue.Processor = NewProcessor(&fakeFetcher{}, Deps{})
	require.NotNil(t, p)
}
