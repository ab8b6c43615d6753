package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Structured error types for the extraction worker
 *
 * Every failure that crosses a package boundary is wrapped in a
 * ProcessingError carrying a stable code, the document it belongs to
 * and the underlying cause. The HTTP layer and the queue consumer
 * both dispatch on the code, never on error strings.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Request errors
	ErrorNotFound ErrorCode = "NOT_FOUND"
	ErrorConflict ErrorCode = "CONFLICT"

	// Extraction errors
	ErrorNoContent         ErrorCode = "NO_CONTENT"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorCorruptFile       ErrorCode = "CORRUPT_FILE"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"

	// Pipeline errors
	ErrorPipelineFailed    ErrorCode = "PIPELINE_ERROR"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code       ErrorCode
	Message    string
	DocumentID string
	Timestamp  time.Time
	Details    map[string]interface{}
	Cause      error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// CodeOf returns the error code carried by err, or "" when err is not a
// ProcessingError.
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Factory functions for common errors

func NewNotFoundError(kind string, id string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNotFound,
		Message:   fmt.Sprintf("%s not found: %s", kind, id),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"kind": kind,
			"id":   id,
		},
	}
}

func NewConflictError(documentID string, status string) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorConflict,
		Message:    fmt.Sprintf("Document is already being processed (status: %s)", status),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"status": status,
		},
	}
}

func NewNoContentError(documentID string) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorNoContent,
		Message:    "No extractable content found in document",
		DocumentID: documentID,
		Timestamp:  time.Now(),
	}
}

func NewUnsupportedFormatError(documentID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorUnsupportedFormat,
		Message:    fmt.Sprintf("Unsupported file format: %s", mimeType),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewFileTooLargeError(documentID string, size int64, maxSize int64) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorUnsupportedFormat,
		Message:    fmt.Sprintf("File size %d exceeds the maximum of %d bytes", size, maxSize),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"file_size":     size,
			"max_file_size": maxSize,
		},
	}
}

func NewCorruptFileError(documentID string, mimeType string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorCorruptFile,
		Message:    fmt.Sprintf("File is corrupt or unreadable as %s", mimeType),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
		Cause: cause,
	}
}

func NewOCRFailedError(documentID string, method string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorOCRFailed,
		Message:    fmt.Sprintf("OCR failed with preprocessing method: %s", method),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"preprocessing_method": method,
		},
		Cause: cause,
	}
}

func NewPipelineError(documentID string, stage string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorPipelineFailed,
		Message:    fmt.Sprintf("Pipeline failed at stage: %s", stage),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"stage": stage,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(documentID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorProcessingTimeout,
		Message:    fmt.Sprintf("Processing timed out after %v", duration),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(documentID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorStorageFailed,
		Message:    "Failed to store processing results",
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
