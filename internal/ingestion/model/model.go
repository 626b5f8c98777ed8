// Package model defines the persisted shapes of the ingestion pipeline:
// jobs, objects, chunks, and embedding links.
package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the closed set of states an Ingestion Job can occupy.
type JobStatus string

const (
	JobQueued           JobStatus = "queued"
	JobProcessingSource JobStatus = "processing_source"
	JobParsingContent   JobStatus = "parsing_content"
	JobAIProcessing     JobStatus = "ai_processing"
	JobPersistingData   JobStatus = "persisting_data"
	JobVectorizing      JobStatus = "vectorizing"
	JobCompleted        JobStatus = "completed"
	JobFailed           JobStatus = "failed"
	JobRetryPending     JobStatus = "retry_pending"
	JobCancelled        JobStatus = "cancelled"
)

// Active reports whether a status is one the scheduler treats as "in
// flight" — queued/retry_pending are claimable, not active; the progress
// substates and the initial processing state are active.
func (s JobStatus) Active() bool {
	switch s {
	case JobProcessingSource, JobParsingContent, JobAIProcessing, JobPersistingData, JobVectorizing:
		return true
	default:
		return false
	}
}

// JobType selects the processor a Job is dispatched to.
type JobType string

const (
	JobTypeURL           JobType = "url"
	JobTypePDF           JobType = "pdf"
	JobTypeBookmarkBatch JobType = "bookmark-batch"
)

// Job is a unit of ingestion work, persisted until retention cleanup
// removes it.
type Job struct {
	ID               string
	JobType          JobType
	SourceIdentifier string
	OriginalFileName string
	Priority         int
	Status           JobStatus
	Attempts         int
	LastAttemptAt    *time.Time
	NextAttemptAt    *time.Time
	CompletedAt      *time.Time
	ErrorInfo        string
	FailedStage      JobStatus
	JobSpecificData  json.RawMessage
	RelatedObjectID  *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// JobOptions carries the caller-supplied fields of addJob/create beyond
// jobType and sourceIdentifier.
type JobOptions struct {
	OriginalFileName string
	Priority         int
	JobSpecificData  json.RawMessage
}

// ObjectStatus is the closed set of states a Content Object occupies.
type ObjectStatus string

const (
	ObjectNew             ObjectStatus = "new"
	ObjectFetched         ObjectStatus = "fetched"
	ObjectParsed          ObjectStatus = "parsed"
	ObjectEmbedding       ObjectStatus = "embedding"
	ObjectEmbedded        ObjectStatus = "embedded"
	ObjectFetchFailed     ObjectStatus = "fetch_failed"
	ObjectParseFailed     ObjectStatus = "parse_failed"
	ObjectEmbeddingFailed ObjectStatus = "embedding_failed"
	ObjectError           ObjectStatus = "error"
)

// ObjectType names the kind of artifact an Object represents.
type ObjectType string

const (
	ObjectTypeWebpage  ObjectType = "webpage"
	ObjectTypePDF      ObjectType = "pdf_document"
	ObjectTypeBookmark ObjectType = "bookmark"
)

// reingestableStatuses is the set of statuses a duplicate-fingerprint row
// may occupy and still be eligible for delete+re-ingest (§4.3).
var reingestableStatuses = map[ObjectStatus]bool{
	ObjectEmbeddingFailed: true,
	ObjectError:           true,
	ObjectEmbedding:       true,
}

// Reingestable reports whether an existing row in this status may be
// deleted and re-ingested on a fingerprint collision.
func (s ObjectStatus) Reingestable() bool { return reingestableStatuses[s] }

// Object is the durable representation of one ingested artifact.
type Object struct {
	ID                  string
	ObjectType          ObjectType
	SourceURI           string
	FileHash            string
	Title               string
	CleanedText         string
	Summary             string
	ParsedContentJSON   json.RawMessage
	AIGeneratedMetadata json.RawMessage
	PropositionsJSON    json.RawMessage
	TagsJSON            json.RawMessage
	Status              ObjectStatus
	ErrorInfo           string
	ParsedAt            *time.Time
	SummaryGeneratedAt  *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastAccessedAt      *time.Time
	InternalFilePath    string
}

// Chunk is an ordered fragment of a single Object's cleaned text.
type Chunk struct {
	ID               int64
	ObjectID         string
	ChunkIdx         int
	Content          string
	Summary          string
	TagsJSON         json.RawMessage
	PropositionsJSON json.RawMessage
	TokenCount       int
}

// EmbeddingLink binds a Chunk to the opaque vector ID an external Vector
// Store assigned it.
type EmbeddingLink struct {
	ID        int64
	ChunkID   int64
	Model     string
	VectorID  string
	CreatedAt time.Time
}

// ChunkDescriptor is the shape an LLM chunker returns for one chunk of a
// document, before it has been assigned a dense integer ID.
type ChunkDescriptor struct {
	ChunkIdx     *int
	Content      string
	Summary      string
	Tags         []string
	Propositions []string
}
