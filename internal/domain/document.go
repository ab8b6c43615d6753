/**
 * Core domain types for the document extraction worker
 *
 * The document row is owned by the store; the pipeline only reads it
 * and requests status transitions through the store interface.
 */

package domain

import "time"

// DocumentStatus tracks where a document is in its extraction lifecycle.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "PENDING"
	StatusExtracting DocumentStatus = "EXTRACTING"
	StatusCompleted  DocumentStatus = "COMPLETED"
	StatusFailed     DocumentStatus = "FAILED"
)

// Document is an uploaded file tracked through extraction.
type Document struct {
	ID                    string         `json:"id"`
	Filename              string         `json:"filename"`
	MimeType              string         `json:"mimeType"`
	SizeBytes             int64          `json:"sizeBytes"`
	StoragePath           string         `json:"-"`
	Status                DocumentStatus `json:"status"`
	Progress              int            `json:"progress"`
	ErrorMessage          string         `json:"errorMessage,omitempty"`
	ProcessingStartedAt   *time.Time     `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time     `json:"processingCompletedAt,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

// RunResult is what a completed pipeline run reports to its caller.
type RunResult struct {
	DocumentID        string `json:"documentId"`
	ContentBlockCount int    `json:"contentBlockCount"`
}
