package vectorstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory VectorStore test double, following the
// teacher's memory-backed-store convention applied to this package's own
// external-collaborator interface rather than a repository.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document

	// FailAddDocuments, when set, is returned verbatim by AddDocuments
	// instead of performing the add - used to exercise the Embedding
	// Worker's failure paths.
	FailAddDocuments error
	// ShortCountBy simulates a reconciliation-error VectorStore that
	// returns fewer IDs than documents (spec §8 testable property 6).
	ShortCountBy int
}

// NewMemoryStore constructs an empty in-memory VectorStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (s *MemoryStore) AddDocuments(_ context.Context, docs []Document) ([]string, error) {
	if s.FailAddDocuments != nil {
		return nil, s.FailAddDocuments
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(docs)
	if s.ShortCountBy > 0 && s.ShortCountBy < n {
		n -= s.ShortCountBy
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := uuid.NewString()
		ids[i] = id
		s.docs[id] = docs[i]
	}
	return ids, nil
}

func (s *MemoryStore) QuerySimilarByText(_ context.Context, query string, topK int) ([]SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SearchResult
	for id, d := range s.docs {
		out = append(out, SearchResult{VectorID: id, Content: d.Content, Metadata: d.Metadata})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteDocumentsByIds(_ context.Context, vectorIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range vectorIDs {
		delete(s.docs, id)
	}
	return nil
}

var _ VectorStore = (*MemoryStore)(nil)
