// Package knowledge manages uploaded documents and their embedded chunks,
// and serves tenant-scoped semantic search over them.
package knowledge

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// VectorDimension is the embedding size stored in pgvector. It matches the
// output of the text-embedding-004 model.
const VectorDimension = 768

// DocumentStatus tracks a document through the ingest pipeline.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// Valid reports whether the status is a known state.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Document is an uploaded file registered for ingestion. The raw bytes
// live in object storage under ObjectKey; only metadata and chunks live in
// PostgreSQL.
type Document struct {
	ID          uuid.UUID      `json:"id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	UploaderID  uuid.UUID      `json:"uploader_id"`
	Filename    string         `json:"filename"`
	ObjectKey   string         `json:"object_key"`
	ContentType string         `json:"content_type"`
	SizeBytes   int64          `json:"size_bytes"`
	Status      DocumentStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	ChunkCount  int            `json:"chunk_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Chunk is one embedded slice of a document.
type Chunk struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Seq        int       `json:"seq"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchResult is a chunk matched by semantic search, with its cosine
// similarity to the query and the filename of its source document.
type SearchResult struct {
	Chunk      Chunk   `json:"chunk"`
	Filename   string  `json:"filename"`
	Similarity float64 `json:"similarity"`
}

// Errors returned by the knowledge package, checkable with errors.Is().
var (
	// ErrNotFound indicates the document does not exist in the tenant.
	ErrNotFound = errors.New("document not found")

	// ErrNotReady indicates the document has not finished ingestion.
	ErrNotReady = errors.New("document not ready")
)
