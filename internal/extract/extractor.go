/**
 * Extractor set
 *
 * Dispatches a stored file to the format-specific extractor and
 * normalizes the output into a single ExtractionResult. PDF runs two
 * extractors (layout-aware and stream-level) whose results are merged;
 * the office formats and raster images each have a single extractor.
 *
 * Errors returned here are typed: UNSUPPORTED_FORMAT for formats no
 * extractor handles, CORRUPT_FILE when the file cannot be parsed as its
 * detected format, NO_CONTENT when parsing succeeds but nothing usable
 * comes out. The pipeline maps these onto the document's failure state
 * without inspecting messages.
 */

package extract

import (
	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
	"github.com/docmill/extraction-worker/internal/logging"
)

// ExtractorSet routes documents to format-specific extractors.
type ExtractorSet struct {
	logger *logging.Logger
}

// NewExtractorSet creates an extractor set.
func NewExtractorSet(logger *logging.Logger) *ExtractorSet {
	if logger == nil {
		logger = logging.NewLogger("extract")
	}
	return &ExtractorSet{logger: logger}
}

// Extract parses the file at path according to mimeType and returns the
// raw extraction result. The result is never partially trusted: on any
// returned error the caller must discard the result value.
func (e *ExtractorSet) Extract(documentID, path, mimeType string) (domain.ExtractionResult, error) {
	var (
		result domain.ExtractionResult
		err    error
	)

	switch {
	case mimeType == MimePDF:
		result, err = e.extractPDF(documentID, path)
	case mimeType == MimeDocx:
		result, err = extractWord(documentID, path)
	case mimeType == MimeXlsx:
		result, err = extractExcel(documentID, path)
	case IsImage(mimeType):
		result, err = extractImage(documentID, path, mimeType)
	default:
		return domain.ExtractionResult{}, errors.NewUnsupportedFormatError(documentID, mimeType)
	}

	if err != nil {
		return domain.ExtractionResult{}, err
	}

	if result.IsEmpty() {
		return domain.ExtractionResult{}, errors.NewNoContentError(documentID)
	}

	e.logger.Info("extraction complete",
		"documentId", documentID,
		"mimeType", mimeType,
		"textBlocks", len(result.TextBlocks),
		"tableBlocks", len(result.TableBlocks),
		"imageBlocks", len(result.ImageBlocks),
		"pages", result.Metadata.PageCount)

	return result, nil
}
