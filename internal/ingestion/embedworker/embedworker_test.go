package embedworker

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/jobs"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/llmchunk"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/objects"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/vectorstore"
)

type fakeChunker struct {
	descriptors []model.ChunkDescriptor
	err         error
}

func (f *fakeChunker) ChunkText(_ context.Context, _ string, _ string) ([]model.ChunkDescriptor, error) {
	return f.descriptors, f.err
}

func (f *fakeChunker) ExtractObjectMetadata(_ context.Context, _ string, _ string) (llmchunk.ObjectMetadata, error) {
	return llmchunk.ObjectMetadata{}, nil
}

func seedParsedObject(t *testing.T, repo *objects.MemoryRepository) model.Object {
	t.Helper()
	obj, err := repo.Create(context.Background(), model.Object{
		ObjectType:  model.ObjectTypeWebpage,
		SourceURI:   "https://example.com/a",
		FileHash:    "hash-a",
		Title:       "Example",
		CleanedText: "Hello world. Goodbye world.",
		Status:      model.ObjectParsed,
	})
	require.NoError(t, err)
	return obj
}

func TestWorker_HappyPath(t *testing.T) {
	repo := objects.NewMemoryRepository()
	obj := seedParsedObject(t, repo)

	chunker := &fakeChunker{descriptors: []model.ChunkDescriptor{
		{Content: "Hello world."},
		{Content: "Goodbye world."},
	}}
	store := vectorstore.NewMemoryStore()

	w := New(repo, nil, chunker, store, "test-model", 0, zerolog.Nop())
	w.Tick(context.Background())

	got, found, err := repo.GetByID(context.Background(), obj.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.ObjectEmbedded, got.Status)

	chunks, err := repo.ChunksByObjectID(context.Background(), obj.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, 0, chunks[0].ChunkIdx)
	require.Equal(t, 1, chunks[1].ChunkIdx)
}

func TestWorker_EmptyChunkListFailsObject(t *testing.T) {
	repo := objects.NewMemoryRepository()
	obj := seedParsedObject(t, repo)

	chunker := &fakeChunker{descriptors: nil}
	store := vectorstore.NewMemoryStore()

	w := New(repo, nil, chunker, store, "test-model", 0, zerolog.Nop())
	w.Tick(context.Background())

	got, found, err := repo.GetByID(context.Background(), obj.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.ObjectEmbeddingFailed, got.Status)
	require.NotEmpty(t, got.ErrorInfo)
}

func TestWorker_VectorChunkCountMismatch(t *testing.T) {
	repo := objects.NewMemoryRepository()
	obj := seedParsedObject(t, repo)

	chunker := &fakeChunker{descriptors: []model.ChunkDescriptor{
		{Content: "Hello world."},
		{Content: "Goodbye world."},
	}}
	store := vectorstore.NewMemoryStore()
	store.ShortCountBy = 1

	w := New(repo, nil, chunker, store, "test-model", 0, zerolog.Nop())
	w.Tick(context.Background())

	got, found, err := repo.GetByID(context.Background(), obj.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.ObjectEmbeddingFailed, got.Status)

	links, err := repo.ChunksByObjectID(context.Background(), obj.ID)
	require.NoError(t, err)
	require.Len(t, links, 2, "chunks remain for later re-ingest cleanup")
}

func TestWorker_CompletesOriginatingJob(t *testing.T) {
	repo := objects.NewMemoryRepository()
	obj := seedParsedObject(t, repo)

	jobRepo := jobs.NewMemoryRepository()
	job, err := jobRepo.Create(context.Background(), model.JobTypeURL, obj.SourceURI, model.JobOptions{})
	require.NoError(t, err)
	_, err = jobRepo.MarkAsStarted(context.Background(), job.ID)
	require.NoError(t, err)
	_, err = jobRepo.Update(context.Background(), job.ID, jobs.Patch{RelatedObjectID: &obj.ID})
	require.NoError(t, err)

	chunker := &fakeChunker{descriptors: []model.ChunkDescriptor{{Content: "Hello world."}}}
	store := vectorstore.NewMemoryStore()

	w := New(repo, jobRepo, chunker, store, "test-model", 0, zerolog.Nop())
	w.Tick(context.Background())

	got, found, err := jobRepo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.RelatedObjectID)
	require.Equal(t, obj.ID, *got.RelatedObjectID)
}

func TestWorker_SkipsWhenNoParsedObject(t *testing.T) {
	repo := objects.NewMemoryRepository()
	chunker := &fakeChunker{}
	store := vectorstore.NewMemoryStore()

	w := New(repo, nil, chunker, store, "test-model", 0, zerolog.Nop())
	w.Tick(context.Background())
}

func TestWorker_InFlightGuardSkipsConcurrentTick(t *testing.T) {
	repo := objects.NewMemoryRepository()
	seedParsedObject(t, repo)
	chunker := &fakeChunker{descriptors: []model.ChunkDescriptor{{Content: "x"}}}
	store := vectorstore.NewMemoryStore()

	w := New(repo, nil, chunker, store, "test-model", 0, zerolog.Nop())
	w.inFlight.Store(true)
	w.Tick(context.Background())
	w.inFlight.Store(false)
}
