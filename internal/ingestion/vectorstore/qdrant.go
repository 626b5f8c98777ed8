package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestionerr"
)

// payloadIDField is the payload key holding a point's vectorID. The store
// generates each vectorID itself as a fresh UUID (a form Qdrant accepts as
// a point ID) and uses that same string both as the point ID and as the
// value stored at this key.
const payloadIDField = "_original_id"

var distanceByMetric = map[string]pb.Distance{
	"cosine":    pb.Distance_Cosine,
	"euclidean": pb.Distance_Euclid,
	"dot":       pb.Distance_Dot,
}

// qdrantStore adapts the spec-level VectorStore interface onto the
// teacher's lower-level Qdrant wiring (pb.PointsClient/pb.CollectionsClient
// over a plain gRPC dial), composing it with an Embedder so callers pass
// raw Documents rather than precomputed vectors.
type qdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	embedder    Embedder
}

// NewQdrantStore dials addr (a Qdrant gRPC endpoint) and ensures the
// configured collection exists with the configured dimensions/metric.
func NewQdrantStore(ctx context.Context, addr string, cfg config.VectorConfig, embedder Embedder) (VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial qdrant %s: %w", addr, err)
	}
	s := &qdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  cfg.Collection,
		embedder:    embedder,
	}
	if err := s.ensureCollection(ctx, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *qdrantStore) ensureCollection(ctx context.Context, cfg config.VectorConfig) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	distance, ok := distanceByMetric[cfg.Metric]
	if !ok {
		distance = pb.Distance_Cosine
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(cfg.Dimensions),
					Distance: distance,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", s.collection, err)
	}
	return nil
}

// AddDocuments embeds docs and upserts one point per document, returning
// one vectorID per input in the same order (spec §6.4).
func (s *qdrantStore) AddDocuments(ctx context.Context, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("vectorstore: embed batch: %w", err))
	}
	if len(vectors) != len(docs) {
		return nil, ingestionerr.New(ingestionerr.StoreConsistency, fmt.Errorf("vectorstore: embedder returned %d vectors for %d documents", len(vectors), len(docs)))
	}

	ids := make([]string, len(docs))
	points := make([]*pb.PointStruct, len(docs))
	for i, d := range docs {
		vectorID := uuid.NewString()
		ids[i] = vectorID
		payload := payloadFromMetadata(d.Metadata)
		payload[payloadIDField] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: vectorID}}
		payload["content"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: d.Content}}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: vectorID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[i]}},
			},
			Payload: payload,
		}
	}

	wait := true
	if _, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return nil, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("vectorstore: upsert %d points: %w", len(points), err))
	}
	return ids, nil
}

func (s *qdrantStore) QuerySimilarByText(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	vectors, err := s.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("vectorstore: embed query: %w", err))
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vectors[0],
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, ingestionerr.New(ingestionerr.Transient, fmt.Errorf("vectorstore: search: %w", err))
	}

	out := make([]SearchResult, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		payload := r.GetPayload()
		result := SearchResult{
			VectorID: payload[payloadIDField].GetStringValue(),
			Score:    r.GetScore(),
			Content:  payload["content"].GetStringValue(),
			Metadata: make(map[string]any, len(payload)),
		}
		for k, v := range payload {
			if k == payloadIDField || k == "content" {
				continue
			}
			result.Metadata[k] = v.GetStringValue()
		}
		out = append(out, result)
	}
	return out, nil
}

func (s *qdrantStore) DeleteDocumentsByIds(ctx context.Context, vectorIDs []string) error {
	if len(vectorIDs) == 0 {
		return nil
	}
	must := make([]*pb.Condition, 0, len(vectorIDs))
	for _, id := range vectorIDs {
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   payloadIDField,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: id}},
				},
			},
		})
	}
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Should: must},
			},
		},
	})
	if err != nil {
		return ingestionerr.New(ingestionerr.Transient, fmt.Errorf("vectorstore: delete %d points: %w", len(vectorIDs), err))
	}
	return nil
}

func payloadFromMetadata(meta map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(meta))
	for k, v := range meta {
		out[k] = toQdrantValue(v)
	}
	return out
}

func toQdrantValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	case []string:
		values := make([]*pb.Value, len(tv))
		for i, s := range tv {
			values[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: values}}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}
