/**
 * Raster image extraction
 *
 * A standalone image yields a single image block for the OCR stage.
 * The blank imports register every decoder the extractor set relies
 * on, including the pdf_stream and word media paths.
 */

package extract

import (
	"bytes"
	"image"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
)

func extractImage(documentID, path, mimeType string) (domain.ExtractionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ExtractionResult{}, errors.NewCorruptFileError(documentID, mimeType, err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.ExtractionResult{}, errors.NewCorruptFileError(documentID, mimeType, err)
	}

	return domain.ExtractionResult{
		ImageBlocks: []domain.ImageBlock{{
			Page:   1,
			Order:  0,
			Format: format,
			Width:  cfg.Width,
			Height: cfg.Height,
			Data:   data,
		}},
		Metadata: domain.Metadata{PageCount: 1},
	}, nil
}
