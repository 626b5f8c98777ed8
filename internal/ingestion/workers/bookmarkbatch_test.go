package workers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/jobs"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/llmchunk"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/objects"
)

// batchEntryFetcher is a Fetcher stub that returns a distinct body per
// URL, standing in for URLFetcher in tests that don't want live HTTP.
type batchEntryFetcher struct {
	fail map[string]bool
}

func (f *batchEntryFetcher) Fetch(_ context.Context, job model.Job) (FetchResult, error) {
	if f.fail[job.SourceIdentifier] {
		return FetchResult{}, errors.New("fetch failed")
	}
	return FetchResult{
		ObjectType:  model.ObjectTypeBookmark,
		SourceURI:   job.SourceIdentifier,
		CleanedText: "content for " + job.SourceIdentifier,
	}, nil
}

func TestRunBookmarkBatch_CreatesOneObjectPerURL(t *testing.T) {
	objRepo := objects.NewMemoryRepository()
	jobRepo := jobs.NewMemoryRepository()
	chunker := &fakeMetadataChunker{meta: llmchunk.ObjectMetadata{Summary: "sum"}}
	deps := Deps{Objects: objRepo, Jobs: jobRepo, Chunker: chunker, Logger: zerolog.Nop()}

	payload, err := json.Marshal(bookmarkBatchPayload{URLs: []string{
		"https://a.example.com",
		"https://b.example.com",
		"https://c.example.com",
	}})
	require.NoError(t, err)

	job, err := jobRepo.Create(context.Background(), model.JobTypeBookmarkBatch, "", model.JobOptions{JobSpecificData: payload})
	require.NoError(t, err)

	err = runBookmarkBatch(context.Background(), job, noopProgress, &batchEntryFetcher{}, deps)
	require.NoError(t, err)

	got, found, err := jobRepo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, got.RelatedObjectID)

	var result bookmarkBatchResult
	require.NoError(t, json.Unmarshal(got.JobSpecificData, &result))
	require.Len(t, result.CreatedObjectIDs, 3)
	require.Equal(t, result.CreatedObjectIDs[len(result.CreatedObjectIDs)-1], *got.RelatedObjectID)
	require.Equal(t, model.JobCompleted, got.Status)
}

func TestRunBookmarkBatch_PartialFailureStillSucceeds(t *testing.T) {
	objRepo := objects.NewMemoryRepository()
	jobRepo := jobs.NewMemoryRepository()
	chunker := &fakeMetadataChunker{meta: llmchunk.ObjectMetadata{Summary: "sum"}}
	deps := Deps{Objects: objRepo, Jobs: jobRepo, Chunker: chunker, Logger: zerolog.Nop()}

	payload, err := json.Marshal(bookmarkBatchPayload{URLs: []string{
		"https://a.example.com",
		"https://broken.example.com",
	}})
	require.NoError(t, err)

	job, err := jobRepo.Create(context.Background(), model.JobTypeBookmarkBatch, "", model.JobOptions{JobSpecificData: payload})
	require.NoError(t, err)

	fetcher := &batchEntryFetcher{fail: map[string]bool{"https://broken.example.com": true}}
	err = runBookmarkBatch(context.Background(), job, noopProgress, fetcher, deps)
	require.NoError(t, err)

	got, found, err := jobRepo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, found)

	var result bookmarkBatchResult
	require.NoError(t, json.Unmarshal(got.JobSpecificData, &result))
	require.Len(t, result.CreatedObjectIDs, 1)
	require.Equal(t, []string{"https://broken.example.com"}, result.FailedURLs)
}

func TestRunBookmarkBatch_NoURLsFailsFatally(t *testing.T) {
	objRepo := objects.NewMemoryRepository()
	jobRepo := jobs.NewMemoryRepository()
	deps := Deps{Objects: objRepo, Jobs: jobRepo, Chunker: &fakeMetadataChunker{}, Logger: zerolog.Nop()}

	job, err := jobRepo.Create(context.Background(), model.JobTypeBookmarkBatch, "", model.JobOptions{})
	require.NoError(t, err)

	err = runBookmarkBatch(context.Background(), job, noopProgress, &batchEntryFetcher{}, deps)
	require.Error(t, err)
}
