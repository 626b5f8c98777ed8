package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
)

// Embedder turns text into a dense vector, adapted from the teacher's
// internal/rag/embedder.Embedder contract (EmbedBatch/Name/Dimension/Ping)
// down to the EmbedBatch and Dimension methods qdrantStore needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// httpEmbedder calls an OpenAI-compatible embeddings endpoint, following
// the teacher's embedder.go convention of a plain http.Client POST rather
// than a dedicated SDK (the teacher's embedding provider has no official
// Go client).
type httpEmbedder struct {
	client    *http.Client
	endpoint  string
	model     string
	apiKey    string
	dimension int
}

// NewHTTPEmbedder constructs an Embedder against an OpenAI-compatible
// embeddings API. cfg.Endpoint is the API base URL (e.g. ending in `/v1`);
// requests are POSTed to `<endpoint>/embeddings`.
func NewHTTPEmbedder(cfg config.EmbeddingConfig, dimension int) Embedder {
	return &httpEmbedder{
		client:    &http.Client{Timeout: 30 * time.Second},
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: dimension,
	}
}

func (e *httpEmbedder) Dimension() int { return e.dimension }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (e *httpEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embeddingsRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedder: unexpected status %d", resp.StatusCode)
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedder: decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedder: expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// DeterministicEmbedder is a test double producing stable, content-derived
// vectors without a network call, following the teacher's memory-backed-
// store convention applied to an external collaborator instead of a
// repository.
type DeterministicEmbedder struct {
	dim int
}

// NewDeterministicEmbedder constructs a DeterministicEmbedder of the given
// dimension.
func NewDeterministicEmbedder(dim int) *DeterministicEmbedder {
	return &DeterministicEmbedder{dim: dim}
}

func (e *DeterministicEmbedder) Dimension() int { return e.dim }

func (e *DeterministicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = deterministicVector(t, e.dim)
	}
	return out, nil
}

func deterministicVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	if dim == 0 {
		return v
	}
	h := uint32(2166136261)
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
		v[int(h)%dim] += 1
	}
	return v
}
