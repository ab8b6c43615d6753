/**
 * PDF stream extraction
 *
 * Object-level pass over the PDF using pdfcpu. Contributes the pieces
 * the layout pass cannot see: embedded image XObjects, the
 * authoritative page count, and a raw content-stream text fallback for
 * pages where positioned-fragment parsing produced nothing.
 */

package extract

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/docmill/extraction-worker/internal/domain"
)

// extractPDFStream reads every page's content stream and image objects.
func extractPDFStream(path string) (domain.ExtractionResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("pdfcpu read: %w", err)
	}

	var result domain.ExtractionResult
	result.Metadata.PageCount = ctx.PageCount

	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		order := 0

		if text := pageStreamText(ctx, pageNr); text != "" {
			result.TextBlocks = append(result.TextBlocks, domain.TextBlock{
				Page:       pageNr,
				Order:      order,
				Text:       text,
				Source:     domain.SourceNative,
				Confidence: 1.0,
			})
			order++
		}

		result.ImageBlocks = append(result.ImageBlocks, pageImages(ctx, pageNr, order)...)
	}

	return result, nil
}

// pageStreamText extracts raw text from one page's content stream.
func pageStreamText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return parseContentText(data)
}

// pageImages pulls the image XObjects referenced by one page. Images
// that cannot be read are skipped; a page with undecodable images still
// yields its remaining ones.
func pageImages(ctx *model.Context, pageNr, startOrder int) []domain.ImageBlock {
	images, err := pdfcpu.ExtractPageImages(ctx, pageNr, false)
	if err != nil || len(images) == 0 {
		return nil
	}

	// Map iteration order is random; object numbers give a stable order.
	objNrs := make([]int, 0, len(images))
	for objNr := range images {
		objNrs = append(objNrs, objNr)
	}
	sort.Ints(objNrs)

	blocks := make([]domain.ImageBlock, 0, len(images))
	order := startOrder
	for _, objNr := range objNrs {
		img := images[objNr]
		data, err := io.ReadAll(img)
		if err != nil || len(data) == 0 {
			continue
		}
		block := domain.ImageBlock{
			Page:   pageNr,
			Order:  order,
			Format: img.FileType,
			Data:   data,
		}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			block.Width = cfg.Width
			block.Height = cfg.Height
		}
		blocks = append(blocks, block)
		order++
	}
	return blocks
}

// literalStringRe matches PDF literal strings: (text here)
var literalStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// parseContentText scans content-stream operators for shown text. Only
// the text-showing operators matter here: Tj, TJ and ' paint strings,
// Td/TD/T* move the text cursor and become whitespace.
func parseContentText(data []byte) string {
	var sb strings.Builder

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range literalStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodeLiteralString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range literalStringRe.FindAllSubmatch(line, -1) {
				if text := decodeLiteralString(m[1]); text != "" {
					sb.WriteByte('\n')
					sb.WriteString(text)
				}
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}

	return normalizeStreamText(sb.String())
}

// decodeLiteralString resolves backslash escapes, including up to
// three-digit octal codes.
func decodeLiteralString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 == len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] < '0' || raw[i] > '7' {
				sb.WriteByte(raw[i])
				continue
			}
			val := int(raw[i] - '0')
			for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(val))
		}
	}
	return sb.String()
}

// normalizeStreamText trims lines, collapses runs of spaces and drops
// unprintable bytes while keeping line structure.
func normalizeStreamText(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		var sb strings.Builder
		prevSpace := false
		for _, r := range line {
			switch {
			case r == ' ' || r == '\t':
				if !prevSpace && sb.Len() > 0 {
					sb.WriteByte(' ')
					prevSpace = true
				}
			case r >= 0x20 && r != 0x7F:
				sb.WriteRune(r)
				prevSpace = false
			}
		}
		if cleaned := strings.TrimRight(sb.String(), " "); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return strings.Join(out, "\n")
}
