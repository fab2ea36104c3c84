// Package worker runs the document ingest pipeline: fetch the uploaded
// blob, chunk its text, embed the chunks, and store them for search.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nanochat/nanochat/internal/knowledge"
	"github.com/nanochat/nanochat/internal/queue"
)

// maxEmbedBatch bounds how many chunks are embedded per API call.
const maxEmbedBatch = 100

// documentStore is the persistence surface the worker needs.
type documentStore interface {
	GetDocumentAnyTenant(ctx context.Context, id uuid.UUID) (*knowledge.Document, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ReplaceChunks(ctx context.Context, documentID, tenantID uuid.UUID, chunks []knowledge.EmbeddedChunk) error
}

// blobGetter fetches uploaded bytes from object storage.
type blobGetter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// embedder turns chunk text into vectors.
type embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// jobConsumer delivers queued ingest jobs.
type jobConsumer interface {
	Consume(ctx context.Context, handler queue.Handler) error
}

// Ingester processes ingest jobs from the queue.
type Ingester struct {
	docs     documentStore
	blobs    blobGetter
	embedder embedder
	jobs     jobConsumer
	logger   *slog.Logger
}

// NewIngester creates an ingest worker.
func NewIngester(docs documentStore, blobs blobGetter, emb embedder, jobs jobConsumer, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{docs: docs, blobs: blobs, embedder: emb, jobs: jobs, logger: logger}
}

// Run consumes ingest jobs until ctx is canceled.
func (w *Ingester) Run(ctx context.Context) error {
	w.logger.Info("ingest worker started")
	err := w.jobs.Consume(ctx, w.Process)
	if ctx.Err() != nil {
		w.logger.Info("ingest worker stopped")
		return nil
	}
	return err
}

// Process handles a single ingest job. Pipeline failures mark the document
// failed and return nil so the message is acked; only infrastructure
// errors (document store unreachable) propagate.
func (w *Ingester) Process(ctx context.Context, job queue.IngestJob) error {
	doc, err := w.docs.GetDocumentAnyTenant(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", job.DocumentID, err)
	}

	if err := w.docs.MarkProcessing(ctx, doc.ID); err != nil {
		return fmt.Errorf("marking document %s processing: %w", doc.ID, err)
	}

	if err := w.ingest(ctx, doc); err != nil {
		w.logger.Warn("ingest failed", "document_id", doc.ID, "error", err)
		if markErr := w.docs.MarkFailed(ctx, doc.ID, err.Error()); markErr != nil {
			return fmt.Errorf("marking document %s failed: %w", doc.ID, markErr)
		}
		return nil
	}

	return nil
}

func (w *Ingester) ingest(ctx context.Context, doc *knowledge.Document) error {
	rc, err := w.blobs.Get(ctx, doc.ObjectKey)
	if err != nil {
		return fmt.Errorf("fetching blob: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("reading blob: %w", err)
	}

	text, err := extractText(doc.ContentType, doc.Filename, raw)
	if err != nil {
		return err
	}

	texts := knowledge.SplitText(text, knowledge.ChunkWords, knowledge.OverlapWords)
	if len(texts) == 0 {
		return fmt.Errorf("document contains no extractable text")
	}

	chunks := make([]knowledge.EmbeddedChunk, 0, len(texts))
	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := start + maxEmbedBatch
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := w.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return fmt.Errorf("embedding chunks %d-%d: %w", start, end-1, err)
		}
		for i, v := range vectors {
			chunks = append(chunks, knowledge.EmbeddedChunk{Content: texts[start+i], Embedding: v})
		}
	}

	if err := w.docs.ReplaceChunks(ctx, doc.ID, doc.TenantID, chunks); err != nil {
		return fmt.Errorf("storing chunks: %w", err)
	}
	return nil
}

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	htmlScriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
)

// extractText turns raw upload bytes into plain text. HTML gets its markup
// stripped; everything else is treated as UTF-8 text.
func extractText(contentType, filename string, raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("document is not valid utf-8 text")
	}
	text := string(raw)

	if strings.Contains(contentType, "html") || strings.HasSuffix(strings.ToLower(filename), ".html") {
		text = htmlScriptRe.ReplaceAllString(text, " ")
		text = htmlTagRe.ReplaceAllString(text, " ")
	}
	return text, nil
}
