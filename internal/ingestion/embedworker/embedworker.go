// Package embedworker implements the Embedding Worker (spec §4.5): a
// single-threaded polling loop that advances parsed Objects to embedded
// via the LLM chunker and the Vector Store.
package embedworker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/jobs"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/llmchunk"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/objects"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/vectorstore"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestionerr"
)

// Worker is the single Embedding Worker instance for a process. It is
// intentionally single-threaded (spec §4.5 "Designed intentionally as a
// single worker in v1") to avoid contention on the parsed → embedding
// handoff; the in-flight guard below enforces that even if Start is
// somehow invoked twice.
type Worker struct {
	repo    objects.Repository
	jobs    jobs.Repository
	chunker llmchunk.Chunker
	store   vectorstore.VectorStore
	model   string
	logger  zerolog.Logger

	interval time.Duration
	tokenEnc *tiktoken.Tiktoken

	inFlight atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Worker. model names the embedding model recorded on
// each EmbeddingLink row. jobRepo is used only to close out the
// Ingestion Job that produced the Object being embedded, once embedding
// succeeds (spec §9 Open Question resolution: Job terminal transition
// ownership); it may be nil, in which case that step is skipped.
func New(repo objects.Repository, jobRepo jobs.Repository, chunker llmchunk.Chunker, store vectorstore.VectorStore, model string, interval time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	enc, _ := tiktoken.GetEncoding("cl100k_base")
	return &Worker{
		repo:     repo,
		jobs:     jobRepo,
		chunker:  chunker,
		store:    store,
		model:    model,
		logger:   logger,
		interval: interval,
		tokenEnc: enc,
	}
}

// Start runs the polling loop in a new goroutine until Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop(ctx)
}

// Stop signals the loop to exit and waits for any in-flight tick to
// finish before returning.
func (w *Worker) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.Tick(ctx)
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one iteration of the 10-step loop (spec §4.5). Exported so
// tests and an administrative "embed now" surface can drive it directly.
func (w *Worker) Tick(ctx context.Context) {
	// Step 1: if a previous tick is still running, skip.
	if !w.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer w.inFlight.Store(false)

	// Step 2: fetch up to one parsed Object.
	obj, found, err := w.repo.GetOneParsed(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("embedworker: getOneParsed failed")
		return
	}
	if !found {
		return
	}

	// Step 3: claim via CAS.
	claimed, err := w.repo.TransitionStatus(ctx, obj.ID, model.ObjectParsed, model.ObjectEmbedding)
	if err != nil {
		w.logger.Error().Err(err).Str("object_id", obj.ID).Msg("embedworker: transitionStatus failed")
		return
	}
	if !claimed {
		// Another worker instance claimed it first.
		return
	}

	if err := w.embed(ctx, obj); err != nil {
		errInfo := ingestionerr.Truncate(err.Error())
		if uerr := w.repo.UpdateStatus(ctx, obj.ID, model.ObjectEmbeddingFailed, errInfo); uerr != nil {
			w.logger.Error().Err(uerr).Str("object_id", obj.ID).Msg("embedworker: updateStatus(embedding_failed) failed")
		}
		w.logger.Warn().Err(err).Str("object_id", obj.ID).Msg("embedworker: tick failed")
		return
	}
	if err := w.repo.UpdateStatus(ctx, obj.ID, model.ObjectEmbedded, ""); err != nil {
		w.logger.Error().Err(err).Str("object_id", obj.ID).Msg("embedworker: updateStatus(embedded) failed")
	}
	w.completeOriginatingJob(ctx, obj.ID)
}

// completeOriginatingJob finds the Ingestion Job that produced obj (via
// relatedObjectId) and marks it completed if it is still active. The
// Embedding Worker, not the Queue Scheduler, owns this transition for
// url/pdf jobs (spec §9 Open Question resolution): such a job is not
// truly "done" until the Object it produced has been embedded.
// bookmark-batch jobs are completed by the batch processor itself.
func (w *Worker) completeOriginatingJob(ctx context.Context, objectID string) {
	if w.jobs == nil {
		return
	}
	job, found, err := w.jobs.FindByRelatedObjectID(ctx, objectID)
	if err != nil {
		w.logger.Error().Err(err).Str("object_id", objectID).Msg("embedworker: findByRelatedObjectID failed")
		return
	}
	if !found || !job.Status.Active() {
		return
	}
	if err := w.jobs.MarkAsCompleted(ctx, job.ID, objectID); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Str("object_id", objectID).Msg("embedworker: markAsCompleted failed")
	}
}

func (w *Worker) embed(ctx context.Context, obj model.Object) error {
	// Step 4: LLM chunking.
	descriptors, err := w.chunker.ChunkText(ctx, obj.ID, obj.CleanedText)
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	if len(descriptors) == 0 {
		return ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("chunker returned no chunks"))
	}

	// Step 5: materialize chunks with chunkIdx = descriptor.chunkIdx ?? positionalIndex.
	toInsert := make([]model.Chunk, len(descriptors))
	for i, d := range descriptors {
		idx := i
		if d.ChunkIdx != nil {
			idx = *d.ChunkIdx
		}
		toInsert[i] = model.Chunk{
			ObjectID:         obj.ID,
			ChunkIdx:         idx,
			Content:          d.Content,
			Summary:          d.Summary,
			TagsJSON:         marshalStrings(d.Tags),
			PropositionsJSON: marshalStrings(d.Propositions),
			TokenCount:       w.countTokens(d.Content),
		}
	}

	// Step 6: bulk-insert and read back dense integer IDs.
	stored, err := w.repo.InsertChunks(ctx, obj.ID, toInsert)
	if err != nil {
		return ingestionerr.New(ingestionerr.StoreConsistency, fmt.Errorf("insert chunks: %w", err))
	}
	if len(stored) == 0 {
		return ingestionerr.New(ingestionerr.StoreConsistency, fmt.Errorf("insert chunks: zero rows persisted"))
	}
	if len(stored) != len(toInsert) {
		w.logger.Warn().Str("object_id", obj.ID).Int("expected", len(toInsert)).Int("stored", len(stored)).Msg("embedworker: stored chunk count differs from chunker output")
	}

	// Step 7: build Documents in stored-chunk order and call the vector store.
	docs := make([]vectorstore.Document, len(stored))
	for i, c := range stored {
		docs[i] = vectorstore.Document{
			Content: c.Content,
			Metadata: map[string]any{
				"chunkId":      c.ID,
				"objectId":     c.ObjectID,
				"chunkIdx":     c.ChunkIdx,
				"tags":         decodeStrings(c.TagsJSON),
				"propositions": decodeStrings(c.PropositionsJSON),
				"sourceUri":    obj.SourceURI,
				"title":        obj.Title,
			},
		}
	}
	vectorIDs, err := w.store.AddDocuments(ctx, docs)
	if err != nil {
		return fmt.Errorf("add documents: %w", err)
	}

	// Step 8: reconcile vectorIDs against chunks, then insert Embedding Links.
	if len(vectorIDs) != len(stored) {
		return ingestionerr.New(ingestionerr.StoreConsistency, fmt.Errorf("vector store returned %d ids for %d chunks", len(vectorIDs), len(stored)))
	}
	for i, c := range stored {
		link := model.EmbeddingLink{ChunkID: c.ID, Model: w.model, VectorID: vectorIDs[i]}
		if _, err := w.repo.InsertEmbeddingLink(ctx, link); err != nil {
			return ingestionerr.New(ingestionerr.StoreConsistency, fmt.Errorf("insert embedding link for chunk %d: %w", c.ID, err))
		}
	}

	// Step 9: success.
	return nil
}

func (w *Worker) countTokens(text string) int {
	if w.tokenEnc == nil || text == "" {
		return 0
	}
	return len(w.tokenEnc.Encode(text, nil, nil))
}
