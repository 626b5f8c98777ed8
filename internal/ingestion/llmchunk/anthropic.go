package llmchunk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"go.opentelemetry.io/otel"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestionerr"
	"github.com/intelligencedev/knowledge-ingest/internal/observability"
)

const defaultAnthropicModel = string(anthropic.ModelClaude3_7SonnetLatest)

// anthropicChunker implements Chunker against the Anthropic Messages API,
// following the teacher's internal/llm/anthropic.Client construction
// (option.WithAPIKey/option.WithBaseURL) but narrowed to the single
// structured-chunking call this package needs — the teacher's client
// juggles tool calls, streaming, and multi-turn chat, none of which the
// Embedding Worker's one-shot chunking call requires.
type anthropicChunker struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

func newAnthropicChunker(cfg config.LLMConfig) *anthropicChunker {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &anthropicChunker{
		sdk:       anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *anthropicChunker) ChunkText(ctx context.Context, objectID string, cleanedText string) ([]model.ChunkDescriptor, error) {
	tracer := otel.Tracer("llmchunk")
	ctx, span := tracer.Start(ctx, "anthropic.ChunkText")
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	tool := anthropic.ToolParam{
		Name:        "emit_chunks",
		Description: anthropic.String("Emit the document's semantic chunks"),
		InputSchema: anthropic.ToolInputSchemaParam{
			Type:        constant.ValueOf[constant.Object](),
			Properties:  rawSchemaProperties(),
			ExtraFields: map[string]any{"required": []string{"chunks"}},
		},
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: chunkingSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(cleanedText)),
		},
		Tools:      []anthropic.ToolUnionParam{{OfTool: &tool}},
		ToolChoice: anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: "emit_chunks"}},
	}

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("object_id", objectID).Dur("duration", dur).Msg("llmchunk: anthropic chunk request failed")
		return nil, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("anthropic chunk request: %w", err))
	}

	var raw json.RawMessage
	for _, block := range resp.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok && tu.Name == "emit_chunks" {
			raw = tu.Input
			break
		}
	}
	if len(raw) == 0 {
		return nil, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("anthropic chunk response: no emit_chunks tool call"))
	}

	var payload chunkDescriptorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("anthropic chunk response: parse tool input: %w", err))
	}
	descriptors := payload.toDescriptors()
	if len(descriptors) == 0 {
		return nil, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("anthropic chunk response: empty chunk list"))
	}

	log.Debug().Str("object_id", objectID).Int("chunks", len(descriptors)).Dur("duration", dur).Msg("llmchunk: anthropic chunk ok")
	return descriptors, nil
}

func (c *anthropicChunker) ExtractObjectMetadata(ctx context.Context, objectID string, cleanedText string) (ObjectMetadata, error) {
	tracer := otel.Tracer("llmchunk")
	ctx, span := tracer.Start(ctx, "anthropic.ExtractObjectMetadata")
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	tool := anthropic.ToolParam{
		Name:        "emit_object_metadata",
		Description: anthropic.String("Emit the document's title, summary, tags, and propositions"),
		InputSchema: anthropic.ToolInputSchemaParam{
			Type:        constant.ValueOf[constant.Object](),
			Properties:  objectMetadataSchemaProperties(),
			ExtraFields: map[string]any{"required": []string{"title", "summary"}},
		},
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: metadataSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(cleanedText)),
		},
		Tools:      []anthropic.ToolUnionParam{{OfTool: &tool}},
		ToolChoice: anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: "emit_object_metadata"}},
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("object_id", objectID).Msg("llmchunk: anthropic metadata request failed")
		return ObjectMetadata{}, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("anthropic metadata request: %w", err))
	}

	var raw json.RawMessage
	for _, block := range resp.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok && tu.Name == "emit_object_metadata" {
			raw = tu.Input
			break
		}
	}
	if len(raw) == 0 {
		return ObjectMetadata{}, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("anthropic metadata response: no emit_object_metadata tool call"))
	}

	var payload objectMetadataPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ObjectMetadata{}, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("anthropic metadata response: parse tool input: %w", err))
	}
	if strings.TrimSpace(payload.Title) == "" {
		return ObjectMetadata{}, ingestionerr.New(ingestionerr.LLMSemantic, fmt.Errorf("anthropic metadata response: empty title"))
	}
	return payload.toObjectMetadata(), nil
}

func objectMetadataSchemaProperties() map[string]any {
	return map[string]any{
		"title":        map[string]any{"type": "string"},
		"summary":      map[string]any{"type": "string"},
		"tags":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"propositions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}
}

func rawSchemaProperties() map[string]any {
	return map[string]any{
		"chunks": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content":      map[string]any{"type": "string"},
					"summary":      map[string]any{"type": "string"},
					"tags":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"propositions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"content"},
			},
		},
	}
}
