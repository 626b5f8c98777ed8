package objects

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

func TestMemoryRepository_TransitionStatusCAS(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	obj, err := repo.Create(ctx, model.Object{ObjectType: model.ObjectTypeWebpage, Status: model.ObjectParsed})
	require.NoError(t, err)

	ok, err := repo.TransitionStatus(ctx, obj.ID, model.ObjectParsed, model.ObjectEmbedding)
	require.NoError(t, err)
	require.True(t, ok)

	// A second claim from the same "from" state must fail — simulates a
	// second embedder racing for the same Object.
	ok, err = repo.TransitionStatus(ctx, obj.ID, model.ObjectParsed, model.ObjectEmbedding)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryRepository_CreateWithSeedChunkIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	obj, err := repo.CreateWithSeedChunk(ctx,
		model.Object{ObjectType: model.ObjectTypePDF, Status: model.ObjectParsed, Summary: "a summary"},
		model.Chunk{Content: "a summary"},
	)
	require.NoError(t, err)

	chunks, err := repo.ChunksByObjectID(ctx, obj.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, 0, chunks[0].ChunkIdx)
	require.Equal(t, "a summary", chunks[0].Content)
}

func TestMemoryRepository_InsertEmbeddingLinkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	first, err := repo.InsertEmbeddingLink(ctx, model.EmbeddingLink{ChunkID: 1, Model: "m", VectorID: "v1"})
	require.NoError(t, err)

	second, err := repo.InsertEmbeddingLink(ctx, model.EmbeddingLink{ChunkID: 1, Model: "m", VectorID: "v1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestMemoryRepository_DeleteCascadeRemovesChunksAndLinks(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	obj, err := repo.Create(ctx, model.Object{ObjectType: model.ObjectTypeWebpage, Status: model.ObjectEmbedded})
	require.NoError(t, err)
	chunks, err := repo.InsertChunks(ctx, obj.ID, []model.Chunk{{ChunkIdx: 0, Content: "a"}})
	require.NoError(t, err)
	_, err = repo.InsertEmbeddingLink(ctx, model.EmbeddingLink{ChunkID: chunks[0].ID, Model: "m", VectorID: "v1"})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteCascade(ctx, obj.ID))

	_, ok, err := repo.GetByID(ctx, obj.ID)
	require.NoError(t, err)
	require.False(t, ok)

	remaining, err := repo.ChunksByObjectID(ctx, obj.ID)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestMemoryRepository_FindByFileHashSkipsFailedRows(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, err := repo.Create(ctx, model.Object{ObjectType: model.ObjectTypePDF, FileHash: "h1", Status: model.ObjectError})
	require.NoError(t, err)

	_, ok, err := repo.FindByFileHash(ctx, "h1")
	require.NoError(t, err)
	require.False(t, ok)

	reingestable, ok, err := repo.FindReingestableByFileHash(ctx, "h1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "h1", reingestable.FileHash)
}
