package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// documentCols is the standard SELECT column list for scanDocument.
const documentCols = `id, tenant_id, uploader_id, filename, object_key, content_type,
	size_bytes, status, error, chunk_count, created_at, updated_at`

// Store persists documents and their embedded chunks in PostgreSQL with
// pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a knowledge Store. The pool is required because chunk
// replacement runs in a transaction.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var errMsg *string
	err := row.Scan(&d.ID, &d.TenantID, &d.UploaderID, &d.Filename, &d.ObjectKey, &d.ContentType,
		&d.SizeBytes, &d.Status, &errMsg, &d.ChunkCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		d.Error = *errMsg
	}
	return &d, nil
}

// CreateDocument registers an uploaded file in pending state. A caller-set
// ID is honored so the object storage key can embed the same UUID.
func (s *Store) CreateDocument(ctx context.Context, d *Document) (*Document, error) {
	id := d.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	created, err := scanDocument(s.pool.QueryRow(ctx,
		`INSERT INTO documents
		 (id, tenant_id, uploader_id, filename, object_key, content_type, size_bytes, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+documentCols,
		id, d.TenantID, d.UploaderID, d.Filename, d.ObjectKey, d.ContentType,
		d.SizeBytes, StatusPending))
	if err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}
	s.logger.Debug("created document", "id", created.ID, "filename", created.Filename)
	return created, nil
}

// GetDocument retrieves a document scoped to a tenant. Returns ErrNotFound
// when absent or owned by another tenant.
func (s *Store) GetDocument(ctx context.Context, id, tenantID uuid.UUID) (*Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentCols+` FROM documents WHERE id = $1 AND tenant_id = $2`,
		id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return d, nil
}

// GetDocumentAnyTenant retrieves a document by ID alone. The ingest worker
// uses it when processing queued jobs.
func (s *Store) GetDocumentAnyTenant(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentCols+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return d, nil
}

// ListDocuments returns a tenant's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentCols+` FROM documents
		 WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// CountDocuments returns the number of documents in a tenant, for quota
// enforcement.
func (s *Store) CountDocuments(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM documents WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// StorageBytes returns the total uploaded bytes for a tenant, for the
// storage quota.
func (s *Store) StorageBytes(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM documents WHERE tenant_id = $1`,
		tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("summing document sizes: %w", err)
	}
	return n, nil
}

// MarkProcessing transitions a pending or failed document to processing.
// Ready documents being reprocessed also pass through here.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, error = NULL, updated_at = now() WHERE id = $2`,
		StatusProcessing, id)
	if err != nil {
		return fmt.Errorf("marking document %s processing: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records an ingest failure with a human-readable reason.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, error = $2, updated_at = now() WHERE id = $3`,
		StatusFailed, reason, id)
	if err != nil {
		return fmt.Errorf("marking document %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes a document and, via ON DELETE CASCADE, its chunks.
// The caller is responsible for deleting the object storage blob.
func (s *Store) DeleteDocument(ctx context.Context, id, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted document", "id", id)
	return nil
}

// EmbeddedChunk pairs chunk content with its embedding for ReplaceChunks.
type EmbeddedChunk struct {
	Content   string
	Embedding []float32
}

// ReplaceChunks atomically swaps a document's chunks for the given set and
// marks the document ready. Reprocessing a document never leaves stale
// chunks behind.
func (s *Store) ReplaceChunks(ctx context.Context, documentID, tenantID uuid.UUID, chunks []EmbeddedChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clearing old chunks: %w", err)
	}

	for i, c := range chunks {
		if len(c.Embedding) != VectorDimension {
			return fmt.Errorf("chunk %d embedding has %d dimensions, want %d",
				i, len(c.Embedding), VectorDimension)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO document_chunks (id, document_id, tenant_id, seq, content, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), documentID, tenantID, i+1, c.Content, pgvector.NewVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("inserting chunk %d: %w", i, err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE documents
		 SET status = $1, chunk_count = $2, error = NULL, updated_at = now()
		 WHERE id = $3`,
		StatusReady, len(chunks), documentID)
	if err != nil {
		return fmt.Errorf("marking document ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing chunks: %w", err)
	}

	s.logger.Info("document indexed", "document_id", documentID, "chunks", len(chunks))
	return nil
}

// Search returns the chunks most similar to the query embedding within a
// tenant, best match first. Only chunks of ready documents are searched.
func (s *Store) Search(ctx context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]SearchResult, error) {
	if len(embedding) != VectorDimension {
		return nil, fmt.Errorf("query embedding has %d dimensions, want %d",
			len(embedding), VectorDimension)
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.document_id, c.tenant_id, c.seq, c.content, c.created_at,
		        d.filename, 1 - (c.embedding <=> $1) AS similarity
		 FROM document_chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE c.tenant_id = $2 AND d.status = $3
		 ORDER BY c.embedding <=> $1
		 LIMIT $4`,
		pgvector.NewVector(embedding), tenantID, StatusReady, limit)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		err := rows.Scan(&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.TenantID, &r.Chunk.Seq,
			&r.Chunk.Content, &r.Chunk.CreatedAt, &r.Filename, &r.Similarity)
		if err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}
	return results, nil
}
