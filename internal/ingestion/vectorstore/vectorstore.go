// Package vectorstore implements the Vector Store interface (spec §6.4):
// document ingestion and similarity search over an embedding index.
package vectorstore

import "context"

// Document is one unit the store embeds and indexes (spec §4.5 step 7).
type Document struct {
	Content  string
	Metadata map[string]any
}

// SearchResult is one similarity-search hit.
type SearchResult struct {
	VectorID string
	Score    float32
	Content  string
	Metadata map[string]any
}

// VectorStore is the spec-level abstraction the Embedding Worker drives:
// it takes raw Documents and returns opaque vector IDs, embedding
// internally rather than requiring precomputed vectors from the caller.
type VectorStore interface {
	// AddDocuments embeds and indexes docs, returning one vectorID per
	// document in input order. IDs are globally unique within the store.
	AddDocuments(ctx context.Context, docs []Document) ([]string, error)
	QuerySimilarByText(ctx context.Context, query string, topK int) ([]SearchResult, error)
	DeleteDocumentsByIds(ctx context.Context, vectorIDs []string) error
}
