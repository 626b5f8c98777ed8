package objects

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

// MemoryRepository is an in-memory Object/Chunk/EmbeddingLink repository
// used as a test double for PostgresRepository.
type MemoryRepository struct {
	mu            sync.Mutex
	objects       map[string]model.Object
	chunks        map[string][]model.Chunk // objectID -> chunks
	nextChunkID   int64
	links         []model.EmbeddingLink
	linksByVector map[string]int // vectorId -> index into links
	nextLinkID    int64
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		objects:       make(map[string]model.Object),
		chunks:        make(map[string][]model.Chunk),
		linksByVector: make(map[string]int),
	}
}

func (r *MemoryRepository) Create(_ context.Context, obj model.Object) (model.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(obj)
}

func (r *MemoryRepository) createLocked(obj model.Object) (model.Object, error) {
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	now := time.Now()
	obj.CreatedAt = now
	obj.UpdatedAt = now
	r.objects[obj.ID] = obj
	return obj, nil
}

func (r *MemoryRepository) CreateWithSeedChunk(_ context.Context, obj model.Object, seed model.Chunk) (model.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	created, err := r.createLocked(obj)
	if err != nil {
		return model.Object{}, err
	}
	seed.ObjectID = created.ID
	seed.ChunkIdx = 0
	r.nextChunkID++
	seed.ID = r.nextChunkID
	r.chunks[created.ID] = []model.Chunk{seed}
	return created, nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (model.Object, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[id]
	return o, ok, nil
}

func (r *MemoryRepository) FindByFileHash(_ context.Context, fileHash string) (model.Object, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best model.Object
	found := false
	for _, o := range r.objects {
		if o.FileHash != fileHash {
			continue
		}
		switch o.Status {
		case model.ObjectEmbeddingFailed, model.ObjectError, model.ObjectFetchFailed, model.ObjectParseFailed:
			continue
		}
		if !found || o.CreatedAt.After(best.CreatedAt) {
			best = o
			found = true
		}
	}
	return best, found, nil
}

func (r *MemoryRepository) FindReingestableByFileHash(_ context.Context, fileHash string) (model.Object, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best model.Object
	found := false
	for _, o := range r.objects {
		if o.FileHash != fileHash || !o.Status.Reingestable() {
			continue
		}
		if !found || o.CreatedAt.After(best.CreatedAt) {
			best = o
			found = true
		}
	}
	return best, found, nil
}

func (r *MemoryRepository) DeleteCascade(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, id)
	chunkIDs := make(map[int64]bool)
	for _, c := range r.chunks[id] {
		chunkIDs[c.ID] = true
	}
	delete(r.chunks, id)
	if len(chunkIDs) > 0 {
		filtered := r.links[:0]
		for _, l := range r.links {
			if chunkIDs[l.ChunkID] {
				delete(r.linksByVector, l.VectorID)
				continue
			}
			filtered = append(filtered, l)
		}
		r.links = filtered
		r.reindexLinksLocked()
	}
	return nil
}

func (r *MemoryRepository) reindexLinksLocked() {
	r.linksByVector = make(map[string]int, len(r.links))
	for i, l := range r.links {
		r.linksByVector[l.VectorID] = i
	}
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, newStatus model.ObjectStatus, errorInfo string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[id]
	if !ok {
		return fmt.Errorf("object %s not found", id)
	}
	o.Status = newStatus
	o.ErrorInfo = truncate(errorInfo)
	o.UpdatedAt = time.Now()
	if newStatus == model.ObjectParsed {
		now := time.Now()
		o.ParsedAt = &now
	}
	r.objects[id] = o
	return nil
}

func (r *MemoryRepository) TransitionStatus(_ context.Context, id string, from, to model.ObjectStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	r.objects[id] = o
	return true, nil
}

func (r *MemoryRepository) GetOneParsed(_ context.Context) (model.Object, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []model.Object
	for _, o := range r.objects {
		if o.Status == model.ObjectParsed {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return model.Object{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt) })
	return candidates[0], true, nil
}

func (r *MemoryRepository) InsertChunks(_ context.Context, objectID string, chunks []model.Chunk) ([]model.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Chunk, len(chunks))
	for i, c := range chunks {
		c.ObjectID = objectID
		r.nextChunkID++
		c.ID = r.nextChunkID
		out[i] = c
	}
	r.chunks[objectID] = append(r.chunks[objectID], out...)
	return out, nil
}

func (r *MemoryRepository) InsertEmbeddingLink(_ context.Context, link model.EmbeddingLink) (model.EmbeddingLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.linksByVector[link.VectorID]; ok {
		return r.links[idx], nil
	}
	r.nextLinkID++
	link.ID = r.nextLinkID
	link.CreatedAt = time.Now()
	r.links = append(r.links, link)
	r.linksByVector[link.VectorID] = len(r.links) - 1
	return link, nil
}

func (r *MemoryRepository) ChunksByObjectID(_ context.Context, objectID string) ([]model.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := append([]model.Chunk(nil), r.chunks[objectID]...)
	sort.Slice(cs, func(i, j int) bool { return cs[i].ChunkIdx < cs[j].ChunkIdx })
	return cs, nil
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)
