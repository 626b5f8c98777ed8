package llmchunk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.opentelemetry.io/otel"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestionerr"
	"github.com/intelligencedev/knowledge-ingest/internal/observability"
)

const defaultOpenAIModel = "gpt-4o"

// openAIChunker implements Chunker as an alternate provider selectable
// via config.LLMConfig.Provider, following the teacher's pattern of a
// second internal/llm/<provider> client behind the same narrow
// interface as the primary provider.
type openAIChunker struct {
	sdk   sdk.Client
	model string
}

func newOpenAIChunker(cfg config.LLMConfig) *openAIChunker {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIChunker{sdk: sdk.NewClient(opts...), model: model}
}

func (c *openAIChunker) ChunkText(ctx context.Context, objectID string, cleanedText string) ([]model.ChunkDescriptor, error) {
	tracer := otel.Tracer("llmchunk")
	ctx, span := tracer.Start(ctx, "openai.ChunkText")
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(chunkingSystemPrompt + "\nRespond with a single minified JSON object and nothing else, matching this schema: " + chunkDescriptorSchema),
			sdk.UserMessage(cleanedText),
		},
	}

	start := time.Now()
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("object_id", objectID).Dur("duration", dur).Msg("llmchunk: openai chunk request failed")
		return nil, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("openai chunk request: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("openai chunk response: no choices"))
	}

	var payload chunkDescriptorPayload
	content := extractJSONObject(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("openai chunk response: parse content: %w", err))
	}
	descriptors := payload.toDescriptors()
	if len(descriptors) == 0 {
		return nil, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("openai chunk response: empty chunk list"))
	}

	log.Debug().Str("object_id", objectID).Int("chunks", len(descriptors)).Dur("duration", dur).Msg("llmchunk: openai chunk ok")
	return descriptors, nil
}

func (c *openAIChunker) ExtractObjectMetadata(ctx context.Context, objectID string, cleanedText string) (ObjectMetadata, error) {
	tracer := otel.Tracer("llmchunk")
	ctx, span := tracer.Start(ctx, "openai.ExtractObjectMetadata")
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(metadataSystemPrompt + "\nRespond with a single minified JSON object and nothing else, matching this schema: " + objectMetadataSchema),
			sdk.UserMessage(cleanedText),
		},
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("object_id", objectID).Msg("llmchunk: openai metadata request failed")
		return ObjectMetadata{}, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("openai metadata request: %w", err))
	}
	if len(resp.Choices) == 0 {
		return ObjectMetadata{}, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("openai metadata response: no choices"))
	}

	var payload objectMetadataPayload
	content := extractJSONObject(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return ObjectMetadata{}, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("openai metadata response: parse content: %w", err))
	}
	if strings.TrimSpace(payload.Title) == "" {
		return ObjectMetadata{}, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("openai metadata response: empty title"))
	}
	return payload.toObjectMetadata(), nil
}

// extractJSONObject trims any leading/trailing prose a model adds despite
// being instructed to respond with JSON only, returning the outermost
// {...} span.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
