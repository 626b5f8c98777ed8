// Package objects implements the Object Lifecycle (spec §4.3) and the
// Chunk/Embedding Link persistence the Embedding Worker depends on
// (spec §3.3, §3.4, §4.5).
package objects

import (
	"context"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

// Repository is the combined Object/Chunk/EmbeddingLink data-access
// layer.
type Repository interface {
	// Create inserts a new Object. Used by Ingestion Workers after a
	// successful fetch+parse, typically inside the same transaction as
	// the seed Chunk (see CreateWithSeedChunk).
	Create(ctx context.Context, obj model.Object) (model.Object, error)

	// CreateWithSeedChunk creates an Object and its seed Chunk in a
	// single relational transaction (spec §4.4 step 5).
	CreateWithSeedChunk(ctx context.Context, obj model.Object, seed model.Chunk) (model.Object, error)

	GetByID(ctx context.Context, id string) (model.Object, bool, error)

	// FindByFileHash looks up a non-failed Object by content fingerprint,
	// used by file-type workers to short-circuit duplicate ingests
	// (spec §4.4 "Duplicate policy").
	FindByFileHash(ctx context.Context, fileHash string) (model.Object, bool, error)

	// FindReingestableByFileHash looks up an Object with the same
	// fileHash sitting in a reingestable failure status (spec §4.3's
	// "may be deleted and re-ingested").
	FindReingestableByFileHash(ctx context.Context, fileHash string) (model.Object, bool, error)

	// DeleteCascade removes an Object and, via FK cascade, its Chunks
	// and Embedding Links.
	DeleteCascade(ctx context.Context, id string) error

	// UpdateStatus performs an unconditional status transition plus
	// optional parsedAt/errorInfo stamps (spec §4.3).
	UpdateStatus(ctx context.Context, id string, newStatus model.ObjectStatus, errorInfo string) error

	// TransitionStatus is the compare-and-set claim: it only succeeds if
	// the Object's current status equals from (spec §4.3's race-free
	// handoff to the Embedding Worker).
	TransitionStatus(ctx context.Context, id string, from, to model.ObjectStatus) (bool, error)

	// GetOneParsed returns at most one Object in status parsed, for the
	// Embedding Worker's tick (spec §4.5 step 2).
	GetOneParsed(ctx context.Context) (model.Object, bool, error)

	// InsertChunks bulk-inserts Chunks for an Object and returns them
	// with their assigned dense integer IDs, in the order given
	// (spec §4.5 step 5-6).
	InsertChunks(ctx context.Context, objectID string, chunks []model.Chunk) ([]model.Chunk, error)

	// InsertEmbeddingLink inserts a Chunk→vectorId binding. A unique-key
	// conflict on vectorId is treated as "already linked" and the
	// existing row is returned (spec §4.5 step 8, §3.4 invariant).
	InsertEmbeddingLink(ctx context.Context, link model.EmbeddingLink) (model.EmbeddingLink, error)

	// ChunksByObjectID returns an Object's Chunks ordered by chunkIdx.
	ChunksByObjectID(ctx context.Context, objectID string) ([]model.Chunk, error)
}
