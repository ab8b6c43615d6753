/**
 * SQL persistence for documents, content blocks and structured data
 *
 * One store over database/sql serving both PostgreSQL (lib/pq) and
 * SQLite (modernc, pure Go) deployments. Queries are written with $n
 * placeholders in strictly increasing textual order so they can be
 * rebound to ? for SQLite. JSON-shaped columns are stored as TEXT and
 * marshalled in Go, which keeps the schema identical on both engines.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
	"github.com/docmill/extraction-worker/internal/logging"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

var placeholderRe = regexp.MustCompile(`\$\d+`)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		storage_path TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		processing_started_at TIMESTAMP,
		processing_completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS content_blocks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		parent_id TEXT,
		previous_id TEXT,
		next_id TEXT,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		block_order INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		entities TEXT NOT NULL DEFAULT '[]',
		relevance DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_content_blocks_document
		ON content_blocks (document_id, block_order)`,
	`CREATE TABLE IF NOT EXISTS structured_data (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		page_count INTEGER NOT NULL DEFAULT 0,
		language TEXT NOT NULL DEFAULT '',
		schema_version TEXT NOT NULL,
		generated_at TIMESTAMP NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}'
	)`,
}

// structuredPayload is the JSON body of the structured_data row; the
// scalar columns are kept relational for querying.
type structuredPayload struct {
	Sections   []domain.Section       `json:"sections"`
	Index      domain.StructuredIndex `json:"index"`
	Statistics domain.Statistics      `json:"statistics"`
}

// SQLStore implements the document, content block and structured data
// stores over one database handle.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *logging.Logger
}

// driverFor resolves the database/sql driver and DSN from the
// configured URL.
func driverFor(databaseURL string) (string, string, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"),
		strings.HasPrefix(databaseURL, "postgresql://"):
		return driverPostgres, databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return driverSQLite, strings.TrimPrefix(databaseURL, "sqlite://"), nil
	default:
		return "", "", fmt.Errorf("unsupported database URL %q", databaseURL)
	}
}

// NewSQLStore connects, configures the pool and verifies the
// connection.
func NewSQLStore(databaseURL string, logger *logging.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = logging.NewLogger("storage")
	}

	driver, dsn, err := driverFor(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == driverSQLite {
		// SQLite allows one writer; more connections just trade
		// errors for lock contention.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connected", "driver", driver)
	return &SQLStore{db: db, driver: driver, logger: logger}, nil
}

// rebind rewrites $n placeholders to ? for SQLite. Queries must list
// their placeholders in argument order for this to stay positional.
func (s *SQLStore) rebind(query string) string {
	if s.driver != driverSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}

// Migrate creates the schema when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	s.logger.Info("schema ready")
	return nil
}

// CreateDocument inserts a new document row.
func (s *SQLStore) CreateDocument(ctx context.Context, doc *domain.Document) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	query := s.rebind(`INSERT INTO documents (
		id, filename, mime_type, size_bytes, storage_path, status, progress,
		error_message, processing_started_at, processing_completed_at,
		created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)

	_, err := s.db.ExecContext(ctx, query,
		doc.ID, doc.Filename, doc.MimeType, doc.SizeBytes, doc.StoragePath,
		string(doc.Status), doc.Progress, doc.ErrorMessage,
		nullTime(doc.ProcessingStartedAt), nullTime(doc.ProcessingCompletedAt),
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return errors.NewStorageFailedError(doc.ID, err)
	}
	return nil
}

// GetDocument loads one document by id.
func (s *SQLStore) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	query := s.rebind(`SELECT
		id, filename, mime_type, size_bytes, storage_path, status, progress,
		error_message, processing_started_at, processing_completed_at,
		created_at, updated_at
	FROM documents WHERE id = $1`)

	var doc domain.Document
	var status string
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.Filename, &doc.MimeType, &doc.SizeBytes, &doc.StoragePath,
		&status, &doc.Progress, &doc.ErrorMessage, &startedAt, &completedAt,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("document", id)
	}
	if err != nil {
		return nil, errors.NewStorageFailedError(id, err)
	}

	doc.Status = domain.DocumentStatus(status)
	doc.ProcessingStartedAt = timePtr(startedAt)
	doc.ProcessingCompletedAt = timePtr(completedAt)
	return &doc, nil
}

// CompareAndSetStatus atomically moves a document from one of the
// expected statuses to the target status. It reports whether this call
// won the transition. Claiming a document for extraction also resets
// the run-scoped columns in the same statement.
func (s *SQLStore) CompareAndSetStatus(ctx context.Context, id string, from []domain.DocumentStatus, to domain.DocumentStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("at least one expected status is required")
	}

	now := time.Now().UTC()
	var (
		set  string
		args []interface{}
	)
	if to == domain.StatusExtracting {
		set = `status = $1, updated_at = $2, progress = 0, error_message = '',
			processing_started_at = $3, processing_completed_at = NULL`
		args = []interface{}{string(to), now, now, id}
	} else {
		set = `status = $1, updated_at = $2`
		args = []interface{}{string(to), now, id}
	}
	idPos := len(args)

	expected := make([]string, 0, len(from))
	for _, status := range from {
		expected = append(expected, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, string(status))
	}

	query := s.rebind(fmt.Sprintf(
		`UPDATE documents SET %s WHERE id = $%d AND status IN (%s)`,
		set, idPos, strings.Join(expected, ", ")))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.NewStorageFailedError(id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewStorageFailedError(id, err)
	}
	return affected > 0, nil
}

// SetProgress stores the coarse progress marker of the current run.
func (s *SQLStore) SetProgress(ctx context.Context, id string, progress int) error {
	query := s.rebind(`UPDATE documents SET progress = $1, updated_at = $2 WHERE id = $3`)
	if _, err := s.db.ExecContext(ctx, query, progress, time.Now().UTC(), id); err != nil {
		return errors.NewStorageFailedError(id, err)
	}
	return nil
}

// SetFailed marks the run failed with a human-readable message.
func (s *SQLStore) SetFailed(ctx context.Context, id, message string) error {
	now := time.Now().UTC()
	query := s.rebind(`UPDATE documents SET status = $1, error_message = $2,
		processing_completed_at = $3, updated_at = $4 WHERE id = $5`)
	if _, err := s.db.ExecContext(ctx, query, string(domain.StatusFailed), message, now, now, id); err != nil {
		return errors.NewStorageFailedError(id, err)
	}
	return nil
}

// SetCompleted marks the run finished.
func (s *SQLStore) SetCompleted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := s.rebind(`UPDATE documents SET status = $1, progress = 100, error_message = '',
		processing_completed_at = $2, updated_at = $3 WHERE id = $4`)
	if _, err := s.db.ExecContext(ctx, query, string(domain.StatusCompleted), now, now, id); err != nil {
		return errors.NewStorageFailedError(id, err)
	}
	return nil
}

// ReplaceContentBlocks swaps the whole block set of a document in one
// transaction, so readers never observe a partial mix of runs.
func (s *SQLStore) ReplaceContentBlocks(ctx context.Context, documentID string, blocks []domain.ContentBlock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageFailedError(documentID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM content_blocks WHERE document_id = $1`), documentID); err != nil {
		return errors.NewStorageFailedError(documentID, err)
	}

	insert := s.rebind(`INSERT INTO content_blocks (
		id, document_id, parent_id, previous_id, next_id, type, content,
		block_order, metadata, entities, relevance, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)

	now := time.Now().UTC()
	for i := range blocks {
		b := &blocks[i]
		metadata, err := json.Marshal(b.Metadata)
		if err != nil {
			return errors.NewStorageFailedError(documentID, fmt.Errorf("failed to marshal block metadata: %w", err))
		}
		entities := []byte("[]")
		if len(b.Entities) > 0 {
			if entities, err = json.Marshal(b.Entities); err != nil {
				return errors.NewStorageFailedError(documentID, fmt.Errorf("failed to marshal block entities: %w", err))
			}
		}

		if _, err := tx.ExecContext(ctx, insert,
			b.ID, b.DocumentID, nullString(b.ParentID), nullString(b.PreviousID),
			nullString(b.NextID), string(b.Type), b.Content, b.Order,
			string(metadata), string(entities), b.Relevance, now); err != nil {
			return errors.NewStorageFailedError(documentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorageFailedError(documentID, err)
	}

	s.logger.Debug("content blocks replaced", "document_id", documentID, "blocks", len(blocks))
	return nil
}

// ListContentBlocks returns the persisted blocks of a document in
// order.
func (s *SQLStore) ListContentBlocks(ctx context.Context, documentID string) ([]domain.ContentBlock, error) {
	query := s.rebind(`SELECT
		id, document_id, parent_id, previous_id, next_id, type, content,
		block_order, metadata, entities, relevance
	FROM content_blocks WHERE document_id = $1 ORDER BY block_order`)

	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, errors.NewStorageFailedError(documentID, err)
	}
	defer rows.Close()

	var blocks []domain.ContentBlock
	for rows.Next() {
		var b domain.ContentBlock
		var blockType string
		var parentID, previousID, nextID sql.NullString
		var metadata, entities []byte
		if err := rows.Scan(&b.ID, &b.DocumentID, &parentID, &previousID, &nextID,
			&blockType, &b.Content, &b.Order, &metadata, &entities, &b.Relevance); err != nil {
			return nil, errors.NewStorageFailedError(documentID, err)
		}

		b.Type = domain.ContentBlockType(blockType)
		b.ParentID = stringPtr(parentID)
		b.PreviousID = stringPtr(previousID)
		b.NextID = stringPtr(nextID)
		if err := json.Unmarshal(metadata, &b.Metadata); err != nil {
			return nil, errors.NewStorageFailedError(documentID, fmt.Errorf("failed to unmarshal block metadata: %w", err))
		}
		if err := json.Unmarshal(entities, &b.Entities); err != nil {
			return nil, errors.NewStorageFailedError(documentID, fmt.Errorf("failed to unmarshal block entities: %w", err))
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageFailedError(documentID, err)
	}
	return blocks, nil
}

// UpsertStructuredData creates or updates the structured view of a
// document, keyed by document id.
func (s *SQLStore) UpsertStructuredData(ctx context.Context, data *domain.StructuredData) error {
	payload, err := json.Marshal(structuredPayload{
		Sections:   data.Sections,
		Index:      data.Index,
		Statistics: data.Statistics,
	})
	if err != nil {
		return errors.NewStorageFailedError(data.DocumentID, fmt.Errorf("failed to marshal structured payload: %w", err))
	}

	var existingID string
	err = s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id FROM structured_data WHERE document_id = $1`),
		data.DocumentID).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		query := s.rebind(`INSERT INTO structured_data (
			id, document_id, title, page_count, language, schema_version,
			generated_at, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
		_, err = s.db.ExecContext(ctx, query,
			data.ID, data.DocumentID, data.Title, data.PageCount, data.Language,
			data.SchemaVersion, data.GeneratedAt.UTC(), string(payload))
	case err == nil:
		data.ID = existingID
		query := s.rebind(`UPDATE structured_data SET title = $1, page_count = $2,
			language = $3, schema_version = $4, generated_at = $5, payload = $6
			WHERE document_id = $7`)
		_, err = s.db.ExecContext(ctx, query,
			data.Title, data.PageCount, data.Language, data.SchemaVersion,
			data.GeneratedAt.UTC(), string(payload), data.DocumentID)
	default:
		return errors.NewStorageFailedError(data.DocumentID, err)
	}
	if err != nil {
		return errors.NewStorageFailedError(data.DocumentID, err)
	}
	return nil
}

// GetStructuredData loads the structured view of a document.
func (s *SQLStore) GetStructuredData(ctx context.Context, documentID string) (*domain.StructuredData, error) {
	query := s.rebind(`SELECT id, document_id, title, page_count, language,
		schema_version, generated_at, payload
	FROM structured_data WHERE document_id = $1`)

	var data domain.StructuredData
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(
		&data.ID, &data.DocumentID, &data.Title, &data.PageCount, &data.Language,
		&data.SchemaVersion, &data.GeneratedAt, &payload)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("structured_data", documentID)
	}
	if err != nil {
		return nil, errors.NewStorageFailedError(documentID, err)
	}

	var body structuredPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, errors.NewStorageFailedError(documentID, fmt.Errorf("failed to unmarshal structured payload: %w", err))
	}
	data.Sections = body.Sections
	data.Index = body.Index
	data.Statistics = body.Statistics
	return &data, nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetStats exposes connection pool statistics.
func (s *SQLStore) GetStats() sql.DBStats {
	return s.db.Stats()
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
