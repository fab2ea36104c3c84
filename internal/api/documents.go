package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nanochat/nanochat/internal/errcode"
	"github.com/nanochat/nanochat/internal/knowledge"
	"github.com/nanochat/nanochat/internal/objectstore"
	"github.com/nanochat/nanochat/internal/queue"
	"github.com/nanochat/nanochat/internal/tenant"
)

// documentStore is the knowledge persistence surface the handlers need.
type documentStore interface {
	CreateDocument(ctx context.Context, d *knowledge.Document) (*knowledge.Document, error)
	GetDocument(ctx context.Context, id, tenantID uuid.UUID) (*knowledge.Document, error)
	ListDocuments(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*knowledge.Document, error)
	CountDocuments(ctx context.Context, tenantID uuid.UUID) (int64, error)
	StorageBytes(ctx context.Context, tenantID uuid.UUID) (int64, error)
	DeleteDocument(ctx context.Context, id, tenantID uuid.UUID) error
	Search(ctx context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]knowledge.SearchResult, error)
}

// blobStore moves document bytes in and out of object storage.
type blobStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
}

// jobPublisher enqueues ingest jobs.
type jobPublisher interface {
	Publish(ctx context.Context, job queue.IngestJob) error
}

// queryEmbedder embeds search queries.
type queryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// tenantGetter resolves tenants for quota checks.
type tenantGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
}

type documentHandler struct {
	docs           documentStore
	blobs          blobStore
	jobs           jobPublisher
	embedder       queryEmbedder
	tenants        tenantGetter
	maxUploadBytes int64
	allowedExts    map[string]struct{}
	logger         *slog.Logger
}

func newDocumentHandler(docs documentStore, blobs blobStore, jobs jobPublisher,
	embedder queryEmbedder, tenants tenantGetter,
	maxUploadBytes int64, allowedExts []string, logger *slog.Logger) *documentHandler {

	exts := make(map[string]struct{}, len(allowedExts))
	for _, e := range allowedExts {
		exts[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return &documentHandler{
		docs:           docs,
		blobs:          blobs,
		jobs:           jobs,
		embedder:       embedder,
		tenants:        tenants,
		maxUploadBytes: maxUploadBytes,
		allowedExts:    exts,
		logger:         logger,
	}
}

// upload handles POST /api/v1/documents: multipart upload → object storage
// → pending document row → ingest job.
func (h *documentHandler) upload(w http.ResponseWriter, r *http.Request) {
	userID, tenantID, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		// Only a tripped MaxBytesReader means the file was too large; any
		// other parse failure is a malformed request.
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteErr(w, r, errcode.Wrap(errcode.FileTooLarge, err), h.logger)
			return
		}
		WriteErr(w, r, errcode.Newf(errcode.ValidationError, "invalid multipart body"), h.logger)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErr(w, r, errcode.Newf(errcode.ValidationError, "multipart field 'file' is required"), h.logger)
		return
	}
	defer file.Close()

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))
	if _, allowed := h.allowedExts[ext]; !allowed {
		WriteErr(w, r, errcode.Newf(errcode.FileTypeNotAllowed, "file type %q not allowed", ext), h.logger)
		return
	}

	tn, err := h.tenants.Get(r.Context(), tenantID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	count, err := h.docs.CountDocuments(r.Context(), tenantID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if !tn.Quota.Allows(tn.Quota.MaxDocuments, int(count)) {
		WriteErr(w, r, errcode.Wrap(errcode.TenantQuotaExceeded, tenant.ErrQuotaExceeded), h.logger)
		return
	}
	if tn.Quota.MaxStorageMB != tenant.Unlimited {
		used, err := h.docs.StorageBytes(r.Context(), tenantID)
		if err != nil {
			WriteErr(w, r, err, h.logger)
			return
		}
		if used+header.Size > int64(tn.Quota.MaxStorageMB)<<20 {
			WriteErr(w, r, errcode.Wrap(errcode.TenantQuotaExceeded, tenant.ErrQuotaExceeded), h.logger)
			return
		}
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	docID := uuid.New()
	key := objectstore.DocumentKey(tenantID, docID, header.Filename)
	if err := h.blobs.Put(r.Context(), key, contentType, file, header.Size); err != nil {
		WriteErr(w, r, errcode.Wrap(errcode.FileUploadError, err), h.logger)
		return
	}

	doc, err := h.docs.CreateDocument(r.Context(), &knowledge.Document{
		ID:          docID,
		TenantID:    tenantID,
		UploaderID:  userID,
		Filename:    filepath.Base(header.Filename),
		ObjectKey:   key,
		ContentType: contentType,
		SizeBytes:   header.Size,
	})
	if err != nil {
		// Do not leave an orphan blob behind the failed row.
		if delErr := h.blobs.Delete(r.Context(), key); delErr != nil {
			h.logger.Warn("cleaning up orphan blob failed", "key", key, "error", delErr)
		}
		WriteErr(w, r, err, h.logger)
		return
	}

	err = h.jobs.Publish(r.Context(), queue.IngestJob{
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		ObjectKey:  doc.ObjectKey,
	})
	if err != nil {
		// The document stays pending; a requeue sweep or re-upload recovers it.
		h.logger.Error("publishing ingest job failed", "document_id", doc.ID, "error", err)
	}

	WriteData(w, r, http.StatusAccepted, doc)
}

// list handles GET /api/v1/documents.
func (h *documentHandler) list(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}

	limit, offset := pagination(r, 20, 100)
	docs, err := h.docs.ListDocuments(r.Context(), tenantID, limit, offset)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if docs == nil {
		docs = []*knowledge.Document{}
	}
	WriteData(w, r, http.StatusOK, docs)
}

// get handles GET /api/v1/documents/{id}.
func (h *documentHandler) get(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	doc, err := h.docs.GetDocument(r.Context(), id, tenantID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusOK, doc)
}

// remove handles DELETE /api/v1/documents/{id}: the database row (and its
// chunks) go first, then the blob.
func (h *documentHandler) remove(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	doc, err := h.docs.GetDocument(r.Context(), id, tenantID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if err := h.docs.DeleteDocument(r.Context(), id, tenantID); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if err := h.blobs.Delete(r.Context(), doc.ObjectKey); err != nil {
		h.logger.Warn("deleting blob failed", "key", doc.ObjectKey, "error", err)
	}

	WriteData(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// maxQueryLength caps semantic search queries.
const maxQueryLength = 1000

// search handles GET /api/v1/search?q=...&limit=N.
func (h *documentHandler) search(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := identity(r)
	if !ok {
		WriteErr(w, r, errcode.New(errcode.Unauthorized), h.logger)
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		WriteErr(w, r, errcode.Newf(errcode.ValidationError, "query parameter 'q' is required"), h.logger)
		return
	}
	if len(q) > maxQueryLength {
		WriteErr(w, r, errcode.Newf(errcode.ValidationError, "query must be %d characters or fewer", maxQueryLength), h.logger)
		return
	}

	limit, _ := pagination(r, 5, 20)

	embedding, err := h.embedder.Embed(r.Context(), q)
	if err != nil {
		WriteErr(w, r, errcode.Wrap(errcode.EmbeddingError, err), h.logger)
		return
	}

	results, err := h.docs.Search(r.Context(), tenantID, embedding, limit)
	if err != nil {
		WriteErr(w, r, errcode.Wrap(errcode.RetrievalError, err), h.logger)
		return
	}
	if results == nil {
		results = []knowledge.SearchResult{}
	}
	WriteData(w, r, http.StatusOK, results)
}
