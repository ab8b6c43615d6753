/**
 * PDF layout extraction
 *
 * Reads positioned text fragments and reconstructs lines, paragraphs
 * and simple grid tables from their coordinates. Coordinates follow the
 * PDF convention: origin bottom-left, Y grows upward, units are points.
 *
 * This pass sees no images. The stream-level pass (pdf_stream.go)
 * complements it and the two are merged afterwards.
 */

package extract

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/docmill/extraction-worker/internal/domain"
)

const (
	// Fragments within this vertical distance belong to the same line.
	lineYTolerance = 2.0

	// Horizontal gap, in multiples of the font size, that splits a line
	// into separate segments (table cell candidates).
	segmentGapFactor = 3.0

	// Vertical gap, in multiples of the font size, that starts a new
	// paragraph.
	paragraphGapFactor = 1.8

	// Segment start positions within this distance count as the same
	// column across lines.
	columnAlignTolerance = 5.0

	defaultFontSize = 12.0
)

// lineSegment is a horizontally contiguous run of text within a line.
type lineSegment struct {
	x0, x1 float64
	text   string
}

// textLine is one visual line of the page.
type textLine struct {
	y        float64
	x0, x1   float64
	fontSize float64
	segments []lineSegment
}

func (l textLine) joined() string {
	parts := make([]string, 0, len(l.segments))
	for _, s := range l.segments {
		parts = append(parts, s.text)
	}
	return strings.Join(parts, " ")
}

// extractPDFLayout walks the text fragments of every page and groups
// them into text and table blocks. The underlying parser panics on some
// malformed cross-reference tables, so the panic is converted into an
// error and the caller falls back to the stream pass.
func extractPDFLayout(path string) (result domain.ExtractionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = domain.ExtractionResult{}
			err = fmt.Errorf("pdf layout parser: %v", r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	result.Metadata.PageCount = reader.NumPage()

	for pageNr := 1; pageNr <= reader.NumPage(); pageNr++ {
		page := reader.Page(pageNr)
		if page.V.IsNull() {
			continue
		}
		lines := groupLines(page.Content().Text)
		if len(lines) == 0 {
			continue
		}
		texts, tables := blocksFromLines(pageNr, lines)
		result.TextBlocks = append(result.TextBlocks, texts...)
		result.TableBlocks = append(result.TableBlocks, tables...)
	}

	return result, nil
}

// groupLines sorts fragments top-to-bottom, left-to-right and merges
// fragments sharing a baseline into lines.
func groupLines(fragments []pdf.Text) []textLine {
	if len(fragments) == 0 {
		return nil
	}

	sorted := make([]pdf.Text, len(fragments))
	copy(sorted, fragments)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y > sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var lines []textLine
	var current []pdf.Text
	for _, frag := range sorted {
		if len(current) > 0 && math.Abs(frag.Y-current[0].Y) > lineYTolerance {
			if line, ok := buildLine(current); ok {
				lines = append(lines, line)
			}
			current = current[:0]
		}
		current = append(current, frag)
	}
	if len(current) > 0 {
		if line, ok := buildLine(current); ok {
			lines = append(lines, line)
		}
	}
	return lines
}

// buildLine assembles fragments of one baseline into segments. A gap
// wider than segmentGapFactor font sizes closes the current segment; a
// smaller gap wider than a quarter font size becomes a space.
func buildLine(frags []pdf.Text) (textLine, bool) {
	sort.SliceStable(frags, func(i, j int) bool { return frags[i].X < frags[j].X })

	line := textLine{y: frags[0].Y, x0: frags[0].X}

	var sb strings.Builder
	segStart := frags[0].X
	prevEnd := frags[0].X

	flush := func(end float64) {
		text := strings.TrimSpace(sb.String())
		sb.Reset()
		if text != "" {
			line.segments = append(line.segments, lineSegment{x0: segStart, x1: end, text: text})
		}
	}

	for i, frag := range frags {
		size := frag.FontSize
		if size <= 0 {
			size = defaultFontSize
		}
		if size > line.fontSize {
			line.fontSize = size
		}

		if i > 0 {
			gap := frag.X - prevEnd
			if gap > segmentGapFactor*size {
				flush(prevEnd)
				segStart = frag.X
			} else if gap > math.Max(1.0, 0.25*size) {
				sb.WriteByte(' ')
			}
		}

		sb.WriteString(frag.S)
		if end := frag.X + frag.W; end > prevEnd {
			prevEnd = end
		}
	}
	flush(prevEnd)
	line.x1 = prevEnd

	if line.fontSize == 0 {
		line.fontSize = defaultFontSize
	}
	return line, len(line.segments) > 0
}

// blocksFromLines classifies runs of lines into table and text blocks.
// Order interleaves both kinds in reading order within the page.
func blocksFromLines(pageNr int, lines []textLine) ([]domain.TextBlock, []domain.TableBlock) {
	var texts []domain.TextBlock
	var tables []domain.TableBlock
	order := 0

	i := 0
	for i < len(lines) {
		if run := tableRun(lines, i); run > i+1 {
			tables = append(tables, tableFromLines(pageNr, order, lines[i:run]))
			order++
			i = run
			continue
		}

		j := i + 1
		for j < len(lines) && continuesParagraph(lines[j-1], lines[j]) && tableRun(lines, j) <= j+1 {
			j++
		}
		texts = append(texts, paragraphFromLines(pageNr, order, lines[i:j]))
		order++
		i = j
	}
	return texts, tables
}

// tableRun returns the index one past the last line of a table starting
// at i, or i when no table starts there. A table is two or more
// consecutive lines with the same multi-segment column layout.
func tableRun(lines []textLine, i int) int {
	if len(lines[i].segments) < 2 {
		return i
	}
	j := i + 1
	for j < len(lines) && columnsAligned(lines[i], lines[j]) {
		j++
	}
	if j-i < 2 {
		return i
	}
	return j
}

func columnsAligned(a, b textLine) bool {
	if len(a.segments) != len(b.segments) || len(a.segments) < 2 {
		return false
	}
	for k := range a.segments {
		if math.Abs(a.segments[k].x0-b.segments[k].x0) > columnAlignTolerance {
			return false
		}
	}
	return true
}

// continuesParagraph reports whether next belongs to the same paragraph
// as prev. A large vertical gap or a font size change breaks the run.
func continuesParagraph(prev, next textLine) bool {
	if prev.y-next.y > paragraphGapFactor*prev.fontSize {
		return false
	}
	return math.Abs(prev.fontSize-next.fontSize) <= 1.0
}

func paragraphFromLines(pageNr, order int, lines []textLine) domain.TextBlock {
	parts := make([]string, 0, len(lines))
	fontSize := 0.0
	for _, l := range lines {
		parts = append(parts, l.joined())
		if l.fontSize > fontSize {
			fontSize = l.fontSize
		}
	}
	return domain.TextBlock{
		Page:       pageNr,
		Order:      order,
		Text:       strings.Join(parts, "\n"),
		Region:     regionFromLines(lines),
		Source:     domain.SourceNative,
		Confidence: 1.0,
		FontSize:   fontSize,
	}
}

func tableFromLines(pageNr, order int, lines []textLine) domain.TableBlock {
	cells := make([][]string, 0, len(lines))
	for _, l := range lines {
		row := make([]string, 0, len(l.segments))
		for _, s := range l.segments {
			row = append(row, s.text)
		}
		cells = append(cells, row)
	}
	return domain.TableBlock{
		Page:   pageNr,
		Order:  order,
		Region: regionFromLines(lines),
		Cells:  cells,
	}
}

// regionFromLines computes the bounding box in page coordinates. Y is
// the bottom edge, per the PDF coordinate convention.
func regionFromLines(lines []textLine) domain.Region {
	minX, maxX := lines[0].x0, lines[0].x1
	top, bottom := lines[0].y, lines[0].y
	topSize := lines[0].fontSize
	for _, l := range lines[1:] {
		minX = math.Min(minX, l.x0)
		maxX = math.Max(maxX, l.x1)
		if l.y > top {
			top = l.y
			topSize = l.fontSize
		}
		bottom = math.Min(bottom, l.y)
	}
	return domain.Region{
		X:      minX,
		Y:      bottom,
		Width:  maxX - minX,
		Height: top - bottom + topSize,
	}
}
