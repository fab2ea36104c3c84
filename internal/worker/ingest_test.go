package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nanochat/nanochat/internal/knowledge"
	"github.com/nanochat/nanochat/internal/queue"
)

type fakeDocStore struct {
	docs       map[uuid.UUID]*knowledge.Document
	processing []uuid.UUID
	failed     map[uuid.UUID]string
	replaced   map[uuid.UUID][]knowledge.EmbeddedChunk
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{
		docs:     make(map[uuid.UUID]*knowledge.Document),
		failed:   make(map[uuid.UUID]string),
		replaced: make(map[uuid.UUID][]knowledge.EmbeddedChunk),
	}
}

func (f *fakeDocStore) GetDocumentAnyTenant(_ context.Context, id uuid.UUID) (*knowledge.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	return d, nil
}

func (f *fakeDocStore) MarkProcessing(_ context.Context, id uuid.UUID) error {
	f.processing = append(f.processing, id)
	return nil
}

func (f *fakeDocStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	f.failed[id] = reason
	return nil
}

func (f *fakeDocStore) ReplaceChunks(_ context.Context, documentID, _ uuid.UUID, chunks []knowledge.EmbeddedChunk) error {
	f.replaced[documentID] = chunks
	return nil
}

type fakeBlobs struct {
	objects map[string]string
}

func (f *fakeBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	content, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, knowledge.VectorDimension)
	}
	return out, nil
}

func seedDoc(store *fakeDocStore, blobs *fakeBlobs, content string) *knowledge.Document {
	doc := &knowledge.Document{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		Filename:    "notes.txt",
		ObjectKey:   "tenants/t/documents/d/notes.txt",
		ContentType: "text/plain",
		Status:      knowledge.StatusPending,
	}
	store.docs[doc.ID] = doc
	blobs.objects[doc.ObjectKey] = content
	return doc
}

func TestProcessIngestsDocument(t *testing.T) {
	store := newFakeDocStore()
	blobs := &fakeBlobs{objects: make(map[string]string)}
	doc := seedDoc(store, blobs, "alpha beta gamma delta")

	w := NewIngester(store, blobs, &fakeEmbedder{}, nil, nil)
	job := queue.IngestJob{DocumentID: doc.ID, TenantID: doc.TenantID, ObjectKey: doc.ObjectKey}

	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(store.processing) != 1 || store.processing[0] != doc.ID {
		t.Error("document was not marked processing")
	}
	chunks := store.replaced[doc.ID]
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].Content != "alpha beta gamma delta" {
		t.Errorf("chunk content = %q", chunks[0].Content)
	}
	if len(chunks[0].Embedding) != knowledge.VectorDimension {
		t.Errorf("embedding dimension = %d", len(chunks[0].Embedding))
	}
	if len(store.failed) != 0 {
		t.Errorf("document marked failed: %v", store.failed)
	}
}

func TestProcessMarksFailedOnEmbedError(t *testing.T) {
	store := newFakeDocStore()
	blobs := &fakeBlobs{objects: make(map[string]string)}
	doc := seedDoc(store, blobs, "some text to embed")

	w := NewIngester(store, blobs, &fakeEmbedder{err: errors.New("quota exhausted")}, nil, nil)
	job := queue.IngestJob{DocumentID: doc.ID, TenantID: doc.TenantID, ObjectKey: doc.ObjectKey}

	// Pipeline failures are terminal for the message: Process returns nil
	// after marking the document failed.
	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reason, ok := store.failed[doc.ID]; !ok || !strings.Contains(reason, "quota exhausted") {
		t.Errorf("failed reason = %q, ok=%t", reason, ok)
	}
	if len(store.replaced[doc.ID]) != 0 {
		t.Error("chunks were stored despite failure")
	}
}

func TestProcessMarksFailedOnEmptyDocument(t *testing.T) {
	store := newFakeDocStore()
	blobs := &fakeBlobs{objects: make(map[string]string)}
	doc := seedDoc(store, blobs, "   \n\t ")

	w := NewIngester(store, blobs, &fakeEmbedder{}, nil, nil)
	job := queue.IngestJob{DocumentID: doc.ID, TenantID: doc.TenantID, ObjectKey: doc.ObjectKey}

	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, ok := store.failed[doc.ID]; !ok {
		t.Error("empty document was not marked failed")
	}
}

func TestProcessUnknownDocumentPropagates(t *testing.T) {
	store := newFakeDocStore()
	blobs := &fakeBlobs{objects: make(map[string]string)}
	w := NewIngester(store, blobs, &fakeEmbedder{}, nil, nil)

	err := w.Process(context.Background(), queue.IngestJob{DocumentID: uuid.New()})
	if !errors.Is(err, knowledge.ErrNotFound) {
		t.Errorf("Process(unknown doc) = %v, want ErrNotFound", err)
	}
}

func TestProcessBatchesEmbeddings(t *testing.T) {
	store := newFakeDocStore()
	blobs := &fakeBlobs{objects: make(map[string]string)}

	// Enough words for well over maxEmbedBatch chunks.
	words := strings.Repeat("word ", (maxEmbedBatch+10)*knowledge.ChunkWords)
	doc := seedDoc(store, blobs, words)

	emb := &fakeEmbedder{}
	w := NewIngester(store, blobs, emb, nil, nil)
	job := queue.IngestJob{DocumentID: doc.ID, TenantID: doc.TenantID, ObjectKey: doc.ObjectKey}

	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if emb.calls < 2 {
		t.Errorf("embed calls = %d, want batching across calls", emb.calls)
	}
}

func TestExtractText(t *testing.T) {
	t.Run("plain text passthrough", func(t *testing.T) {
		got, err := extractText("text/plain", "a.txt", []byte("hello world"))
		if err != nil || got != "hello world" {
			t.Errorf("extractText() = %q, %v", got, err)
		}
	})

	t.Run("html stripped", func(t *testing.T) {
		html := `<html><head><style>p{color:red}</style></head><body><p>Hello</p><script>alert(1)</script><b>world</b></body></html>`
		got, err := extractText("text/html", "a.html", []byte(html))
		if err != nil {
			t.Fatalf("extractText() error = %v", err)
		}
		if strings.Contains(got, "<") || strings.Contains(got, "alert") || strings.Contains(got, "color") {
			t.Errorf("extractText() = %q, markup not stripped", got)
		}
		if !strings.Contains(got, "Hello") || !strings.Contains(got, "world") {
			t.Errorf("extractText() = %q, lost text content", got)
		}
	})

	t.Run("invalid utf-8 rejected", func(t *testing.T) {
		if _, err := extractText("text/plain", "a.txt", []byte{0xff, 0xfe, 0x00}); err == nil {
			t.Error("extractText(binary) = nil error")
		}
	})
}
