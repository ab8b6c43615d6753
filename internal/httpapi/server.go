/**
 * HTTP API for document intake and extraction results
 *
 * Serves the upload, extraction trigger and result endpoints in front
 * of the queue and the stores. Uploads are written under the configured
 * upload directory and registered as PENDING documents; extraction
 * itself always happens on the worker side of the queue.
 */

package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
	"github.com/docmill/extraction-worker/internal/extract"
	"github.com/docmill/extraction-worker/internal/logging"
)

const (
	// sniffLen covers every magic byte sequence format detection reads.
	sniffLen = 512

	// uploadOverhead is headroom for multipart boundaries and part
	// headers on top of the file size limit.
	uploadOverhead = 1 << 20
)

// Store is the persistence surface the API reads and writes.
type Store interface {
	CreateDocument(ctx context.Context, doc *domain.Document) error
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	ListContentBlocks(ctx context.Context, documentID string) ([]domain.ContentBlock, error)
	GetStructuredData(ctx context.Context, documentID string) (*domain.StructuredData, error)
	Ping(ctx context.Context) error
}

// Enqueuer submits extraction runs to the queue.
type Enqueuer interface {
	EnqueueExtraction(ctx context.Context, documentID string) error
}

// QueueStats exposes queue depths for the health endpoint.
type QueueStats interface {
	Stats() (map[string]int64, error)
}

// DBStats exposes connection pool counters for the health endpoint.
type DBStats interface {
	GetStats() sql.DBStats
}

// Options configures the API server. QueueStats and DBStats are
// optional; the health endpoint omits their sections when absent.
type Options struct {
	Addr        string
	UploadDir   string
	MaxFileSize int64
	Store       Store
	Enqueuer    Enqueuer
	QueueStats  QueueStats
	DBStats     DBStats
	Logger      *logging.Logger
}

// Server is the HTTP API server.
type Server struct {
	addr        string
	uploadDir   string
	maxFileSize int64
	store       Store
	enqueuer    Enqueuer
	queueStats  QueueStats
	dbStats     DBStats
	logger      *logging.Logger
	httpServer  *http.Server
}

// NewServer validates the wiring and prepares the upload directory.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Enqueuer == nil {
		return nil, fmt.Errorf("enqueuer is required")
	}
	if opts.UploadDir == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if opts.MaxFileSize <= 0 {
		return nil, fmt.Errorf("max file size must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("httpapi")
	}

	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	s := &Server{
		addr:        opts.Addr,
		uploadDir:   opts.UploadDir,
		maxFileSize: opts.MaxFileSize,
		store:       opts.Store,
		enqueuer:    opts.Enqueuer,
		queueStats:  opts.QueueStats,
		dbStats:     opts.DBStats,
		logger:      opts.Logger,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router builds the route tree. Exposed so tests can drive handlers
// without a listener.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1/documents", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Route("/{documentID}", func(r chi.Router) {
			r.Get("/", s.handleGetDocument)
			r.Post("/extract", s.handleStartExtraction)
			r.Get("/blocks", s.handleListBlocks)
			r.Get("/structured", s.handleGetStructured)
		})
	})
	r.Get("/healthz", s.handleHealth)

	return r
}

// Start blocks serving the API until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return s.httpServer.Shutdown(ctx)
}

// handleUpload receives a multipart file, stores it under the upload
// directory and registers a PENDING document.
// POST /api/v1/documents
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileSize+uploadOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeErrorEnvelope(w, http.StatusRequestEntityTooLarge, string(errors.ErrorUnsupportedFormat),
				fmt.Sprintf("request exceeds the maximum file size of %d bytes", s.maxFileSize))
			return
		}
		writeErrorEnvelope(w, http.StatusBadRequest, "BAD_REQUEST", `multipart field "file" is required`)
		return
	}
	defer file.Close()

	if header.Size > s.maxFileSize {
		writeErrorEnvelope(w, http.StatusRequestEntityTooLarge, string(errors.ErrorUnsupportedFormat),
			fmt.Sprintf("file size %d exceeds the maximum of %d bytes", header.Size, s.maxFileSize))
		return
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		s.logger.Error("failed to read upload", "error", err.Error())
		writeErrorEnvelope(w, http.StatusInternalServerError, "INTERNAL", "failed to read upload")
		return
	}
	head = head[:n]

	mimeType := extract.Detect(header.Filename, head)
	if !extract.Supported(mimeType) {
		writeErrorEnvelope(w, http.StatusUnsupportedMediaType, string(errors.ErrorUnsupportedFormat),
			fmt.Sprintf("unsupported file format: %s", header.Filename))
		return
	}

	id := uuid.New().String()
	path := filepath.Join(s.uploadDir, id+strings.ToLower(filepath.Ext(header.Filename)))

	written, err := saveUpload(path, head, file)
	if err != nil {
		s.logger.Error("failed to store upload", "documentId", id, "error", err.Error())
		writeErrorEnvelope(w, http.StatusInternalServerError, "INTERNAL", "failed to store upload")
		return
	}

	doc := &domain.Document{
		ID:          id,
		Filename:    header.Filename,
		MimeType:    mimeType,
		SizeBytes:   written,
		StoragePath: path,
		Status:      domain.StatusPending,
	}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		os.Remove(path)
		s.writeError(w, err)
		return
	}

	s.logger.Info("document uploaded",
		"documentId", id,
		"filename", header.Filename,
		"mimeType", mimeType,
		"sizeBytes", written)
	writeJSON(w, http.StatusCreated, doc)
}

// saveUpload writes the sniffed head followed by the remaining body.
func saveUpload(path string, head []byte, rest io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	headLen, err := dst.Write(head)
	if err != nil {
		dst.Close()
		os.Remove(path)
		return 0, err
	}

	copied, err := io.Copy(dst, rest)
	if err != nil {
		dst.Close()
		os.Remove(path)
		return 0, err
	}

	if err := dst.Close(); err != nil {
		os.Remove(path)
		return 0, err
	}

	return int64(headLen) + copied, nil
}

// handleGetDocument returns the document with its status, progress and
// error message.
// GET /api/v1/documents/{documentID}
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")

	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// handleStartExtraction queues one extraction run for the document.
// POST /api/v1/documents/{documentID}/extract
func (s *Server) handleStartExtraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")

	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if doc.Status == domain.StatusExtracting {
		writeErrorEnvelope(w, http.StatusConflict, string(errors.ErrorConflict),
			fmt.Sprintf("document %s is already being processed", id))
		return
	}

	if err := s.enqueuer.EnqueueExtraction(r.Context(), id); err != nil {
		s.logger.Error("failed to enqueue extraction", "documentId", id, "error", err.Error())
		writeErrorEnvelope(w, http.StatusInternalServerError, "INTERNAL", "failed to enqueue extraction")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"documentId": id,
		"status":     "queued",
	})
}

// handleListBlocks returns the persisted content blocks in reading
// order.
// GET /api/v1/documents/{documentID}/blocks
func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")

	if _, err := s.store.GetDocument(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	blocks, err := s.store.ListContentBlocks(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if blocks == nil {
		blocks = []domain.ContentBlock{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": id,
		"count":      len(blocks),
		"blocks":     blocks,
	})
}

// handleGetStructured returns the structured representation of a
// completed run.
// GET /api/v1/documents/{documentID}/structured
func (s *Server) handleGetStructured(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")

	data, err := s.store.GetStructuredData(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, data)
}

// handleHealth reports liveness plus pool and queue depths.
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health check failed", "error", err.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	body := map[string]any{"status": "ok"}
	if s.dbStats != nil {
		stats := s.dbStats.GetStats()
		body["database"] = map[string]any{
			"openConnections": stats.OpenConnections,
			"inUse":           stats.InUse,
			"idle":            stats.Idle,
		}
	}
	if s.queueStats != nil {
		if qs, err := s.queueStats.Stats(); err == nil {
			body["queue"] = qs
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// writeError maps a typed processing error onto an HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var procErr *errors.ProcessingError
	if stderrors.As(err, &procErr) {
		writeJSON(w, statusFor(procErr.Code), map[string]any{"error": procErr.ToMap()})
		return
	}

	s.logger.Error("request failed", "error", err.Error())
	writeErrorEnvelope(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrorNotFound:
		return http.StatusNotFound
	case errors.ErrorConflict:
		return http.StatusConflict
	case errors.ErrorUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case errors.ErrorCorruptFile, errors.ErrorNoContent:
		return http.StatusUnprocessableEntity
	case errors.ErrorProcessingTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorEnvelope(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"error_code": code,
			"message":    message,
		},
	})
}
