/**
 * PDF result merging
 *
 * The layout pass owns text and tables because it preserves reading
 * order and font geometry. The stream pass owns images and the page
 * count, and its raw text fills only pages the layout pass left empty.
 * Either pass may fail on its own; only both failing makes the file
 * corrupt.
 */

package extract

import (
	"fmt"
	"sort"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
)

func (e *ExtractorSet) extractPDF(documentID, path string) (domain.ExtractionResult, error) {
	layout, layoutErr := extractPDFLayout(path)
	stream, streamErr := extractPDFStream(path)

	if layoutErr != nil && streamErr != nil {
		cause := fmt.Errorf("layout: %v; stream: %v", layoutErr, streamErr)
		return domain.ExtractionResult{}, errors.NewCorruptFileError(documentID, MimePDF, cause)
	}
	if layoutErr != nil {
		e.logger.Warn("pdf layout pass failed, keeping stream pass",
			"documentId", documentID, "error", layoutErr.Error())
	}
	if streamErr != nil {
		e.logger.Warn("pdf stream pass failed, keeping layout pass",
			"documentId", documentID, "error", streamErr.Error())
	}

	return mergePDFResults(layout, stream), nil
}

// mergePDFResults combines the two passes into one result with a single
// global block ordering.
func mergePDFResults(layout, stream domain.ExtractionResult) domain.ExtractionResult {
	var out domain.ExtractionResult

	out.TextBlocks = append(out.TextBlocks, layout.TextBlocks...)
	out.TableBlocks = append(out.TableBlocks, layout.TableBlocks...)
	out.ImageBlocks = append(out.ImageBlocks, stream.ImageBlocks...)

	// Stream text is a fallback for pages without layout output.
	covered := make(map[int]bool, len(layout.TextBlocks)+len(layout.TableBlocks))
	for _, b := range layout.TextBlocks {
		covered[b.Page] = true
	}
	for _, b := range layout.TableBlocks {
		covered[b.Page] = true
	}
	for _, b := range stream.TextBlocks {
		if !covered[b.Page] {
			out.TextBlocks = append(out.TextBlocks, b)
		}
	}

	out.Metadata = layout.Metadata
	if stream.Metadata.PageCount > out.Metadata.PageCount {
		out.Metadata.PageCount = stream.Metadata.PageCount
	}
	if out.Metadata.Title == "" {
		out.Metadata.Title = stream.Metadata.Title
	}

	renumberBlocks(&out)
	return out
}

// renumberBlocks assigns one global reading order across all block
// kinds. Blocks keep their per-page extraction order; when orders tie
// across kinds, text precedes tables precedes images.
func renumberBlocks(result *domain.ExtractionResult) {
	const (
		kindText = iota
		kindTable
		kindImage
	)
	type blockRef struct {
		kind int
		idx  int
		page int
		ord  int
	}

	refs := make([]blockRef, 0, len(result.TextBlocks)+len(result.TableBlocks)+len(result.ImageBlocks))
	for i, b := range result.TextBlocks {
		refs = append(refs, blockRef{kindText, i, b.Page, b.Order})
	}
	for i, b := range result.TableBlocks {
		refs = append(refs, blockRef{kindTable, i, b.Page, b.Order})
	}
	for i, b := range result.ImageBlocks {
		refs = append(refs, blockRef{kindImage, i, b.Page, b.Order})
	}

	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.page != b.page {
			return a.page < b.page
		}
		if a.ord != b.ord {
			return a.ord < b.ord
		}
		return a.kind < b.kind
	})

	for order, ref := range refs {
		switch ref.kind {
		case kindText:
			result.TextBlocks[ref.idx].Order = order
		case kindTable:
			result.TableBlocks[ref.idx].Order = order
		case kindImage:
			result.ImageBlocks[ref.idx].Order = order
		}
	}

	sort.SliceStable(result.TextBlocks, func(i, j int) bool {
		return result.TextBlocks[i].Order < result.TextBlocks[j].Order
	})
	sort.SliceStable(result.TableBlocks, func(i, j int) bool {
		return result.TableBlocks[i].Order < result.TableBlocks[j].Order
	})
	sort.SliceStable(result.ImageBlocks, func(i, j int) bool {
		return result.ImageBlocks[i].Order < result.ImageBlocks[j].Order
	})
}
