package objects

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

const bootstrapDDL = `
CREATE TABLE IF NOT EXISTS objects (
	id                     TEXT PRIMARY KEY,
	object_type            TEXT NOT NULL,
	source_uri             TEXT NOT NULL,
	file_hash              TEXT,
	title                  TEXT NOT NULL DEFAULT '',
	cleaned_text           TEXT NOT NULL DEFAULT '',
	summary                TEXT NOT NULL DEFAULT '',
	parsed_content_json    JSONB,
	ai_generated_metadata  JSONB,
	propositions_json      JSONB,
	tags_json              JSONB,
	status                 TEXT NOT NULL,
	error_info             TEXT NOT NULL DEFAULT '',
	parsed_at              TIMESTAMPTZ,
	summary_generated_at   TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_accessed_at       TIMESTAMPTZ,
	internal_file_path     TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS objects_file_hash_active_idx
	ON objects (file_hash)
	WHERE file_hash IS NOT NULL
	  AND status NOT IN ('embedding_failed', 'error', 'fetch_failed', 'parse_failed');

CREATE TABLE IF NOT EXISTS chunks (
	id                INTEGER GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	object_id         TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
	chunk_idx         INTEGER NOT NULL,
	content           TEXT NOT NULL,
	summary           TEXT NOT NULL DEFAULT '',
	tags_json         JSONB,
	propositions_json JSONB,
	token_count       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS chunks_object_id_idx ON chunks (object_id, chunk_idx);

CREATE TABLE IF NOT EXISTS embeddings (
	id         INTEGER GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	chunk_id   INTEGER NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
	model      TEXT NOT NULL,
	vector_id  TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS embeddings_chunk_model_idx ON embeddings (chunk_id, model);
`

// PostgresRepository is the pgxpool-backed Object/Chunk/EmbeddingLink
// repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a PostgresRepository and ensures the
// backing tables exist.
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool) (*PostgresRepository, error) {
	if _, err := pool.Exec(ctx, bootstrapDDL); err != nil {
		return nil, fmt.Errorf("bootstrap objects schema: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

const objectColumns = `
	id, object_type, source_uri, file_hash, title, cleaned_text, summary,
	parsed_content_json, ai_generated_metadata, propositions_json, tags_json,
	status, error_info, parsed_at, summary_generated_at, created_at, updated_at,
	last_accessed_at, internal_file_path`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (model.Object, error) {
	var o model.Object
	var objType, status string
	var fileHash *string
	err := row.Scan(
		&o.ID, &objType, &o.SourceURI, &fileHash, &o.Title, &o.CleanedText, &o.Summary,
		&o.ParsedContentJSON, &o.AIGeneratedMetadata, &o.PropositionsJSON, &o.TagsJSON,
		&status, &o.ErrorInfo, &o.ParsedAt, &o.SummaryGeneratedAt, &o.CreatedAt, &o.UpdatedAt,
		&o.LastAccessedAt, &o.InternalFilePath,
	)
	if err != nil {
		return model.Object{}, err
	}
	o.ObjectType = model.ObjectType(objType)
	o.Status = model.ObjectStatus(status)
	if fileHash != nil {
		o.FileHash = *fileHash
	}
	return o, nil
}

func (r *PostgresRepository) Create(ctx context.Context, obj model.Object) (model.Object, error) {
	return r.create(ctx, r.pool, obj)
}

func (r *PostgresRepository) create(ctx context.Context, q queryer, obj model.Object) (model.Object, error) {
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	const stmt = `
INSERT INTO objects (
	id, object_type, source_uri, file_hash, title, cleaned_text, summary,
	parsed_content_json, ai_generated_metadata, propositions_json, tags_json,
	status, error_info, internal_file_path
) VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING created_at, updated_at`
	err := q.QueryRow(ctx, stmt,
		obj.ID, obj.ObjectType, obj.SourceURI, obj.FileHash, obj.Title, obj.CleanedText, obj.Summary,
		nullableJSON(obj.ParsedContentJSON), nullableJSON(obj.AIGeneratedMetadata), nullableJSON(obj.PropositionsJSON), nullableJSON(obj.TagsJSON),
		obj.Status, obj.ErrorInfo, obj.InternalFilePath,
	).Scan(&obj.CreatedAt, &obj.UpdatedAt)
	if err != nil {
		return model.Object{}, fmt.Errorf("create object: %w", err)
	}
	return obj, nil
}

// CreateWithSeedChunk creates an Object and its seed Chunk inside a single
// transaction (spec §4.4 step 5), so a crash between the two is impossible.
func (r *PostgresRepository) CreateWithSeedChunk(ctx context.Context, obj model.Object, seed model.Chunk) (model.Object, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Object{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := r.create(ctx, tx, obj)
	if err != nil {
		return model.Object{}, err
	}

	const chunkStmt = `
INSERT INTO chunks (object_id, chunk_idx, content, summary, tags_json, propositions_json, token_count)
VALUES ($1, 0, $2, $3, $4, $5, $6)`
	_, err = tx.Exec(ctx, chunkStmt, created.ID, seed.Content, seed.Summary, nullableJSON(seed.TagsJSON), nullableJSON(seed.PropositionsJSON), seed.TokenCount)
	if err != nil {
		return model.Object{}, fmt.Errorf("insert seed chunk: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Object{}, fmt.Errorf("commit object+seed-chunk: %w", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (model.Object, bool, error) {
	const q = `SELECT ` + objectColumns + ` FROM objects WHERE id = $1`
	o, err := scanObject(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Object{}, false, nil
	}
	if err != nil {
		return model.Object{}, false, fmt.Errorf("get object %s: %w", id, err)
	}
	return o, true, nil
}

func (r *PostgresRepository) FindByFileHash(ctx context.Context, fileHash string) (model.Object, bool, error) {
	const q = `
SELECT ` + objectColumns + ` FROM objects
WHERE file_hash = $1
  AND status NOT IN ('embedding_failed', 'error', 'fetch_failed', 'parse_failed')
ORDER BY created_at DESC LIMIT 1`
	o, err := scanObject(r.pool.QueryRow(ctx, q, fileHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Object{}, false, nil
	}
	if err != nil {
		return model.Object{}, false, fmt.Errorf("find by file hash: %w", err)
	}
	return o, true, nil
}

func (r *PostgresRepository) FindReingestableByFileHash(ctx context.Context, fileHash string) (model.Object, bool, error) {
	const q = `
SELECT ` + objectColumns + ` FROM objects
WHERE file_hash = $1
  AND status IN ('embedding_failed', 'error', 'embedding')
ORDER BY created_at DESC LIMIT 1`
	o, err := scanObject(r.pool.QueryRow(ctx, q, fileHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Object{}, false, nil
	}
	if err != nil {
		return model.Object{}, false, fmt.Errorf("find reingestable by file hash: %w", err)
	}
	return o, true, nil
}

func (r *PostgresRepository) DeleteCascade(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM objects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, newStatus model.ObjectStatus, errorInfo string) error {
	const q = `
UPDATE objects SET status = $2, error_info = $3, updated_at = now(),
	parsed_at = CASE WHEN $2 = 'parsed' THEN now() ELSE parsed_at END
WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, string(newStatus), truncate(errorInfo))
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	return nil
}

// TransitionStatus is the CAS handoff between Ingestion Workers and the
// Embedding Worker (spec §4.3).
func (r *PostgresRepository) TransitionStatus(ctx context.Context, id string, from, to model.ObjectStatus) (bool, error) {
	const q = `UPDATE objects SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, q, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition status %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) GetOneParsed(ctx context.Context) (model.Object, bool, error) {
	const q = `SELECT ` + objectColumns + ` FROM objects WHERE status = 'parsed' ORDER BY updated_at ASC LIMIT 1`
	o, err := scanObject(r.pool.QueryRow(ctx, q))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Object{}, false, nil
	}
	if err != nil {
		return model.Object{}, false, fmt.Errorf("get one parsed: %w", err)
	}
	return o, true, nil
}

func (r *PostgresRepository) InsertChunks(ctx context.Context, objectID string, chunks []model.Chunk) ([]model.Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const stmt = `
INSERT INTO chunks (object_id, chunk_idx, content, summary, tags_json, propositions_json, token_count)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`
	out := make([]model.Chunk, len(chunks))
	for i, c := range chunks {
		c.ObjectID = objectID
		if err := tx.QueryRow(ctx, stmt, objectID, c.ChunkIdx, c.Content, c.Summary, nullableJSON(c.TagsJSON), nullableJSON(c.PropositionsJSON), c.TokenCount).Scan(&c.ID); err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", c.ChunkIdx, err)
		}
		out[i] = c
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit chunks: %w", err)
	}
	return out, nil
}

// InsertEmbeddingLink treats a unique-key conflict on vectorId as
// "already linked" and returns the existing row, per spec §4.5 step 8.
func (r *PostgresRepository) InsertEmbeddingLink(ctx context.Context, link model.EmbeddingLink) (model.EmbeddingLink, error) {
	const stmt = `
INSERT INTO embeddings (chunk_id, model, vector_id)
VALUES ($1, $2, $3)
ON CONFLICT (vector_id) DO UPDATE SET vector_id = embeddings.vector_id
RETURNING id, chunk_id, model, vector_id, created_at`
	var out model.EmbeddingLink
	err := r.pool.QueryRow(ctx, stmt, link.ChunkID, link.Model, link.VectorID).
		Scan(&out.ID, &out.ChunkID, &out.Model, &out.VectorID, &out.CreatedAt)
	if err != nil {
		return model.EmbeddingLink{}, fmt.Errorf("insert embedding link: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ChunksByObjectID(ctx context.Context, objectID string) ([]model.Chunk, error) {
	const q = `
SELECT id, object_id, chunk_idx, content, summary, tags_json, propositions_json, token_count
FROM chunks WHERE object_id = $1 ORDER BY chunk_idx ASC`
	rows, err := r.pool.Query(ctx, q, objectID)
	if err != nil {
		return nil, fmt.Errorf("chunks by object: %w", err)
	}
	defer rows.Close()
	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.ID, &c.ObjectID, &c.ChunkIdx, &c.Content, &c.Summary, &c.TagsJSON, &c.PropositionsJSON, &c.TokenCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// queryer is the subset of pgxpool.Pool/pgx.Tx used by create, so the
// seed-chunk transaction can share the same insert logic as the
// standalone Create path.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func truncate(s string) string {
	const max = 1000
	if len(s) <= max {
		return s
	}
	return s[:max]
}
