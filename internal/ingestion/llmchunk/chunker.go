// Package llmchunk implements the LLM interface (spec §6.3): turning a
// single Object's cleaned text into an ordered list of semantic chunks,
// each carrying a summary, tags, and propositions.
package llmchunk

import (
	"context"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

// Chunker is the LLM-backed semantic chunking contract the Embedding
// Worker drives (spec §4.5 step 2). It doubles as the object-level
// metadata extractor the Ingestion Workers drive (spec §4.4 step 4,
// "title/summary/tags/propositions on the object level") since both
// calls share the same provider client and request shape, differing
// only in the forced tool/schema.
type Chunker interface {
	ChunkText(ctx context.Context, objectID string, cleanedText string) ([]model.ChunkDescriptor, error)
	ExtractObjectMetadata(ctx context.Context, objectID string, cleanedText string) (ObjectMetadata, error)
}

// ObjectMetadata is the object-level summary an Ingestion Worker attaches
// to a newly-parsed Object before its seed Chunk is created (spec §4.4
// step 4).
type ObjectMetadata struct {
	Title        string
	Summary      string
	Tags         []string
	Propositions []string
}

// New selects a Chunker implementation by cfg.Provider, following the
// teacher's provider-switch convention in internal/llm's client
// constructors (anthropic.New vs openai.New, chosen at the composition
// root rather than behind a runtime registry).
func New(cfg config.LLMConfig) (Chunker, error) {
	switch cfg.Provider {
	case "", "anthropic":
		return newAnthropicChunker(cfg), nil
	case "openai":
		return newOpenAIChunker(cfg), nil
	default:
		return nil, unsupportedProviderError(cfg.Provider)
	}
}

type unsupportedProviderError string

func (e unsupportedProviderError) Error() string {
	return "llmchunk: unsupported provider " + string(e)
}

// chunkingSystemPrompt instructs the model to split cleanedText into
// coherent semantic chunks and, for each, produce a short summary, a
// small set of topical tags, and any standalone factual propositions —
// the same fields spec.md's Chunk/ChunkDescriptor shape names.
const chunkingSystemPrompt = `You split a document's cleaned text into coherent semantic chunks for retrieval. Respond only with the requested structured output. Each chunk should be a self-contained passage of roughly 200-500 words. For each chunk provide: content (verbatim excerpt), a one-sentence summary, up to 5 topical tags, and any standalone factual propositions extracted from the chunk.`

const chunkDescriptorSchema = `{
  "type": "object",
  "properties": {
    "chunks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "content": {"type": "string"},
          "summary": {"type": "string"},
          "tags": {"type": "array", "items": {"type": "string"}},
          "propositions": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["content"]
      }
    }
  },
  "required": ["chunks"]
}`

// chunkDescriptorPayload is the wire shape both providers are asked to
// emit; chunkIdx is assigned positionally by the caller per spec.md §4.5
// step 5 ("chunkIdx = descriptor.chunkIdx ?? positionalIndex").
type chunkDescriptorPayload struct {
	Chunks []struct {
		Content      string   `json:"content"`
		Summary      string   `json:"summary"`
		Tags         []string `json:"tags"`
		Propositions []string `json:"propositions"`
	} `json:"chunks"`
}

func (p chunkDescriptorPayload) toDescriptors() []model.ChunkDescriptor {
	out := make([]model.ChunkDescriptor, 0, len(p.Chunks))
	for _, c := range p.Chunks {
		out = append(out, model.ChunkDescriptor{
			Content:      c.Content,
			Summary:      c.Summary,
			Tags:         c.Tags,
			Propositions: c.Propositions,
		})
	}
	return out
}

// metadataSystemPrompt instructs the model to produce a single
// object-level summary rather than the per-chunk breakdown above.
const metadataSystemPrompt = `You read a document's cleaned text and produce a short title, a one-paragraph summary, up to 8 topical tags, and any standalone factual propositions worth indexing at the document level. Respond only with the requested structured output.`

const objectMetadataSchema = `{
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "summary": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "propositions": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["title", "summary"]
}`

type objectMetadataPayload struct {
	Title        string   `json:"title"`
	Summary      string   `json:"summary"`
	Tags         []string `json:"tags"`
	Propositions []string `json:"propositions"`
}

func (p objectMetadataPayload) toObjectMetadata() ObjectMetadata {
	return ObjectMetadata{
		Title:        p.Title,
		Summary:      p.Summary,
		Tags:         p.Tags,
		Propositions: p.Propositions,
	}
}
