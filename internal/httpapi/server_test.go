package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
	"github.com/docmill/extraction-worker/internal/logging"
)

var pdfPayload = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< >>\n%%EOF\n")

type fakeStore struct {
	mu         sync.Mutex
	docs       map[string]*domain.Document
	blocks     map[string][]domain.ContentBlock
	structured map[string]*domain.StructuredData
	created    []*domain.Document
	createErr  error
	pingErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:       make(map[string]*domain.Document),
		blocks:     make(map[string][]domain.ContentBlock),
		structured: make(map[string]*domain.StructuredData),
	}
}

func (f *fakeStore) CreateDocument(ctx context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *doc
	f.docs[doc.ID] = &cp
	f.created = append(f.created, &cp)
	return nil
}

func (f *fakeStore) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, errors.NewNotFoundError("document", id)
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeStore) ListContentBlocks(ctx context.Context, documentID string) ([]domain.ContentBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ContentBlock(nil), f.blocks[documentID]...), nil
}

func (f *fakeStore) GetStructuredData(ctx context.Context, documentID string) (*domain.StructuredData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.structured[documentID]
	if !ok {
		return nil, errors.NewNotFoundError("structured_data", documentID)
	}
	cp := *data
	return &cp, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return f.pingErr
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeEnqueuer) EnqueueExtraction(ctx context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, documentID)
	return nil
}

func (f *fakeEnqueuer) enqueued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type fakeQueueStats struct {
	stats map[string]int64
	err   error
}

func (f *fakeQueueStats) Stats() (map[string]int64, error) {
	return f.stats, f.err
}

func quietLogger() *logging.Logger {
	return logging.NewLoggerWithOptions("test", io.Discard, logging.LevelError)
}

func newTestServer(t *testing.T, store *fakeStore, enq *fakeEnqueuer, maxFileSize int64) *Server {
	t.Helper()
	s, err := NewServer(Options{
		Addr:        ":0",
		UploadDir:   t.TempDir(),
		MaxFileSize: maxFileSize,
		Store:       store,
		Enqueuer:    enq,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	return s
}

func multipartBody(t *testing.T, field, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func doRequest(s *Server, method, target, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	envelope, ok := body["error"].(map[string]any)
	require.True(t, ok, "response has no error envelope: %s", rec.Body.String())
	code, _ := envelope["error_code"].(string)
	return code
}

func TestUploadDocument(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(t, store, &fakeEnqueuer{}, 1<<20)

	body, contentType := multipartBody(t, "file", "rapport.pdf", pdfPayload)
	rec := doRequest(s, http.MethodPost, "/api/v1/documents", contentType, body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	assert.NotEmpty(t, resp["id"])
	assert.Equal(t, "rapport.pdf", resp["filename"])
	assert.Equal(t, "application/pdf", resp["mimeType"])
	assert.Equal(t, "PENDING", resp["status"])
	assert.Equal(t, float64(len(pdfPayload)), resp["sizeBytes"])

	require.Len(t, store.created, 1)
	doc := store.created[0]
	assert.Equal(t, s.uploadDir, filepath.Dir(doc.StoragePath))
	assert.True(t, strings.HasSuffix(doc.StoragePath, ".pdf"))

	saved, err := os.ReadFile(doc.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, pdfPayload, saved)
}

func TestUploadMissingFileField(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeEnqueuer{}, 1<<20)

	body, contentType := multipartBody(t, "document", "rapport.pdf", pdfPayload)
	rec := doRequest(s, http.MethodPost, "/api/v1/documents", contentType, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, rec))
}

func TestUploadUnsupportedFormat(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(t, store, &fakeEnqueuer{}, 1<<20)

	body, contentType := multipartBody(t, "file", "notes.txt", []byte("du texte sans format"))
	rec := doRequest(s, http.MethodPost, "/api/v1/documents", contentType, body)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, string(errors.ErrorUnsupportedFormat), errorCode(t, rec))
	assert.Empty(t, store.created)

	entries, err := os.ReadDir(s.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadTooLarge(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(t, store, &fakeEnqueuer{}, 64)

	payload := append([]byte{}, pdfPayload...)
	payload = append(payload, bytes.Repeat([]byte("a"), 200)...)
	body, contentType := multipartBody(t, "file", "gros.pdf", payload)
	rec := doRequest(s, http.MethodPost, "/api/v1/documents", contentType, body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, string(errors.ErrorUnsupportedFormat), errorCode(t, rec))
	assert.Empty(t, store.created)
}

func TestUploadStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.createErr = stderrors.New("database unavailable")
	s := newTestServer(t, store, &fakeEnqueuer{}, 1<<20)

	body, contentType := multipartBody(t, "file", "rapport.pdf", pdfPayload)
	rec := doRequest(s, http.MethodPost, "/api/v1/documents", contentType, body)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The stored file is removed when the document row cannot be created.
	entries, err := os.ReadDir(s.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetDocument(t *testing.T) {
	store := newFakeStore()
	store.docs["doc-1"] = &domain.Document{
		ID:       "doc-1",
		Filename: "rapport.pdf",
		MimeType: "application/pdf",
		Status:   domain.StatusCompleted,
		Progress: 100,
	}
	s := newTestServer(t, store, &fakeEnqueuer{}, 1<<20)

	rec := doRequest(s, http.MethodGet, "/api/v1/documents/doc-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "doc-1", resp["id"])
	assert.Equal(t, "COMPLETED", resp["status"])
	assert.Equal(t, float64(100), resp["progress"])

	rec = doRequest(s, http.MethodGet, "/api/v1/documents/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(errors.ErrorNotFound), errorCode(t, rec))
}

func TestStartExtraction(t *testing.T) {
	store := newFakeStore()
	store.docs["doc-1"] = &domain.Document{ID: "doc-1", Status: domain.StatusPending}
	enq := &fakeEnqueuer{}
	s := newTestServer(t, store, enq, 1<<20)

	rec := doRequest(s, http.MethodPost, "/api/v1/documents/doc-1/extract", "", nil)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	assert.Equal(t, "doc-1", resp["documentId"])
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, []string{"doc-1"}, enq.enqueued())
}

func TestStartExtractionNotFound(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := newTestServer(t, newFakeStore(), enq, 1<<20)

	rec := doRequest(s, http.MethodPost, "/api/v1/documents/missing/extract", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, enq.enqueued())
}

func TestStartExtractionConflict(t *testing.T) {
	store := newFakeStore()
	store.docs["doc-1"] = &domain.Document{ID: "doc-1", Status: domain.StatusExtracting}
	enq := &fakeEnqueuer{}
	s := newTestServer(t, store, enq, 1<<20)

	rec := doRequest(s, http.MethodPost, "/api/v1/documents/doc-1/extract", "", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(errors.ErrorConflict), errorCode(t, rec))
	assert.Empty(t, enq.enqueued())
}

func TestStartExtractionEnqueueFailure(t *testing.T) {
	store := newFakeStore()
	store.docs["doc-1"] = &domain.Document{ID: "doc-1", Status: domain.StatusPending}
	enq := &fakeEnqueuer{err: stderrors.New("redis down")}
	s := newTestServer(t, store, enq, 1<<20)

	rec := doRequest(s, http.MethodPost, "/api/v1/documents/doc-1/extract", "", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListBlocks(t *testing.T) {
	store := newFakeStore()
	store.docs["doc-1"] = &domain.Document{ID: "doc-1", Status: domain.StatusCompleted}
	store.blocks["doc-1"] = []domain.ContentBlock{
		{ID: "b1", DocumentID: "doc-1", Type: domain.BlockHeading, Content: "Rapport annuel", Order: 0},
		{ID: "b2", DocumentID: "doc-1", Type: domain.BlockText, Content: "Le budget est stable.", Order: 1},
	}
	s := newTestServer(t, store, &fakeEnqueuer{}, 1<<20)

	rec := doRequest(s, http.MethodGet, "/api/v1/documents/doc-1/blocks", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "doc-1", resp["documentId"])
	assert.Equal(t, float64(2), resp["count"])
	blocks, ok := resp["blocks"].([]any)
	require.True(t, ok)
	assert.Len(t, blocks, 2)
}

func TestListBlocksEmpty(t *testing.T) {
	store := newFakeStore()
	store.docs["doc-1"] = &domain.Document{ID: "doc-1", Status: domain.StatusPending}
	s := newTestServer(t, store, &fakeEnqueuer{}, 1<<20)

	rec := doRequest(s, http.MethodGet, "/api/v1/documents/doc-1/blocks", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, float64(0), resp["count"])
	// An empty block set serializes as [], not null.
	blocks, ok := resp["blocks"].([]any)
	require.True(t, ok, "blocks should be an array: %s", rec.Body.String())
	assert.Empty(t, blocks)
}

func TestListBlocksDocumentNotFound(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeEnqueuer{}, 1<<20)

	rec := doRequest(s, http.MethodGet, "/api/v1/documents/missing/blocks", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStructured(t *testing.T) {
	store := newFakeStore()
	store.docs["doc-1"] = &domain.Document{ID: "doc-1", Status: domain.StatusCompleted}
	store.structured["doc-1"] = &domain.StructuredData{
		ID:         "sd-1",
		DocumentID: "doc-1",
		Title:      "Rapport annuel",
		PageCount:  3,
	}
	s := newTestServer(t, store, &fakeEnqueuer{}, 1<<20)

	rec := doRequest(s, http.MethodGet, "/api/v1/documents/doc-1/structured", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "doc-1", resp["documentId"])
	assert.Equal(t, "Rapport annuel", resp["title"])

	rec = doRequest(s, http.MethodGet, "/api/v1/documents/doc-2/structured", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(t, store, &fakeEnqueuer{}, 1<<20)
	s.queueStats = &fakeQueueStats{stats: map[string]int64{"pending": 3, "active": 1}}

	rec := doRequest(s, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "ok", resp["status"])
	queue, ok := resp["queue"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), queue["pending"])
}

func TestHealthzUnhealthy(t *testing.T) {
	store := newFakeStore()
	store.pingErr = stderrors.New("connection refused")
	s := newTestServer(t, store, &fakeEnqueuer{}, 1<<20)

	rec := doRequest(s, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "unhealthy", resp["status"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		code errors.ErrorCode
		want int
	}{
		{errors.ErrorNotFound, http.StatusNotFound},
		{errors.ErrorConflict, http.StatusConflict},
		{errors.ErrorUnsupportedFormat, http.StatusUnsupportedMediaType},
		{errors.ErrorCorruptFile, http.StatusUnprocessableEntity},
		{errors.ErrorNoContent, http.StatusUnprocessableEntity},
		{errors.ErrorProcessingTimeout, http.StatusGatewayTimeout},
		{errors.ErrorStorageFailed, http.StatusInternalServerError},
		{errors.ErrorPipelineFailed, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.code), string(tc.code))
	}
}
