/**
 * Content structuring
 *
 * Folds enriched text, normalized tables and images into the flat
 * ContentBlock list persisted for a document. Hierarchy comes from
 * headings: every block attaches to the nearest preceding heading of a
 * lower level, and sibling links never cross parent groups. Output is
 * deterministic apart from generated block identifiers.
 */

package structure

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/logging"
)

// maxSectionLevel caps heading depth in block metadata and the outline.
const maxSectionLevel = 3

// Font-based heading detection for sources that carry sizes but no
// explicit styles. A short single line clearly larger than the body
// font is treated as a heading.
const (
	fontHeadingRatio = 1.2
	maxHeadingLength = 100 // runes
)

// Kinds order co-located units of the same page position: text before
// tables before images.
const (
	unitKindText = iota
	unitKindTable
	unitKindImage
)

// listMarkerRe matches one bullet or enumerator at the start of a line.
// The digit run is capped so prose starting with a year does not count.
var listMarkerRe = regexp.MustCompile(`^\s*(?:[-•*–]|\d{1,3}[.)]|[a-z][.)])\s+`)

type unit struct {
	page  int
	order int
	kind  int
	level int
	block domain.ContentBlock
}

// ContentStructurer turns the enriched extraction output into content
// blocks.
type ContentStructurer struct {
	logger *logging.Logger
}

func NewContentStructurer(logger *logging.Logger) *ContentStructurer {
	if logger == nil {
		logger = logging.NewLogger("structure")
	}
	return &ContentStructurer{logger: logger}
}

// Build assembles, orders and links the content blocks of one
// document. Empty units are dropped; everything else maps 1:1 to a
// block.
func (s *ContentStructurer) Build(documentID string, texts []domain.EnrichedTextBlock, tables []domain.NormalizedTable, images []domain.ImageBlock) []domain.ContentBlock {
	units := make([]unit, 0, len(texts)+len(tables)+len(images))

	median := medianFontSize(texts)
	for i := range texts {
		if u, ok := textUnit(documentID, &texts[i], median); ok {
			units = append(units, u)
		}
	}
	for i := range tables {
		if u, ok := tableUnit(documentID, &tables[i]); ok {
			units = append(units, u)
		}
	}
	for i := range images {
		units = append(units, imageUnit(documentID, &images[i]))
	}

	sort.SliceStable(units, func(i, j int) bool {
		if units[i].page != units[j].page {
			return units[i].page < units[j].page
		}
		if units[i].order != units[j].order {
			return units[i].order < units[j].order
		}
		return units[i].kind < units[j].kind
	})
	for i := range units {
		units[i].block.Order = i
	}

	linkParents(units)
	linkSiblings(units)

	blocks := make([]domain.ContentBlock, len(units))
	for i := range units {
		blocks[i] = units[i].block
	}

	s.logger.Debug("structured content", "document_id", documentID, "blocks", len(blocks))
	return blocks
}

func textUnit(documentID string, text *domain.EnrichedTextBlock, medianFont float64) (unit, bool) {
	content := strings.TrimSpace(text.Text)
	if content == "" {
		return unit{}, false
	}

	level := headingLevel(text, medianFont)
	blockType := domain.BlockText
	switch {
	case level > 0:
		blockType = domain.BlockHeading
	case isList(content):
		blockType = domain.BlockList
	}

	block := domain.ContentBlock{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Type:       blockType,
		Content:    content,
		Metadata: domain.BlockMetadata{
			Page:       text.Page,
			Region:     text.Region,
			Confidence: text.Confidence,
			Method:     string(text.Source),
		},
		Entities:  text.Entities,
		Relevance: text.Relevance,
	}
	if level > 0 {
		block.Metadata.SectionLevel = level
		block.Metadata.SectionTitle = content
	}
	return unit{page: text.Page, order: text.Order, kind: unitKindText, level: level, block: block}, true
}

func tableUnit(documentID string, table *domain.NormalizedTable) (unit, bool) {
	if len(table.Headers) == 0 && len(table.Rows) == 0 {
		return unit{}, false
	}

	lines := make([]string, 0, len(table.Rows)+1)
	lines = append(lines, strings.Join(table.Headers, "\t"))
	for _, row := range table.Rows {
		lines = append(lines, strings.Join(row, "\t"))
	}

	block := domain.ContentBlock{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Type:       domain.BlockTable,
		Content:    strings.Join(lines, "\n"),
		Metadata: domain.BlockMetadata{
			Page:       table.Page,
			Region:     table.Region,
			Confidence: 1.0,
			Method:     string(domain.SourceNative),
			Additional: map[string]interface{}{
				"headers":     table.Headers,
				"columnTypes": table.ColumnTypes,
				"rows":        table.Rows,
			},
		},
	}
	return unit{page: table.Page, order: table.Order, kind: unitKindTable, block: block}, true
}

func imageUnit(documentID string, image *domain.ImageBlock) unit {
	kind := image.Kind
	if kind == "" {
		kind = "image"
	}

	block := domain.ContentBlock{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Type:       domain.BlockImage,
		Metadata: domain.BlockMetadata{
			Page:       image.Page,
			Region:     image.Region,
			Confidence: 1.0,
			Method:     string(domain.SourceNative),
			Additional: map[string]interface{}{
				"kind":   kind,
				"format": image.Format,
				"width":  image.Width,
				"height": image.Height,
			},
		},
	}
	return unit{page: image.Page, order: image.Order, kind: unitKindImage, block: block}
}

// headingLevel returns 0 for body text. Explicit styles win; otherwise
// a short single line in a clearly larger font is promoted.
func headingLevel(text *domain.EnrichedTextBlock, medianFont float64) int {
	if text.HeadingLevel > 0 {
		if text.HeadingLevel > maxSectionLevel {
			return maxSectionLevel
		}
		return text.HeadingLevel
	}
	if medianFont <= 0 || text.FontSize <= 0 {
		return 0
	}
	if strings.Contains(text.Text, "\n") || utf8.RuneCountInString(text.Text) > maxHeadingLength {
		return 0
	}

	switch ratio := text.FontSize / medianFont; {
	case ratio >= 1.8:
		return 1
	case ratio >= 1.45:
		return 2
	case ratio >= fontHeadingRatio:
		return 3
	default:
		return 0
	}
}

// isList reports whether every non-empty line starts with a list
// marker.
func isList(content string) bool {
	matched := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !listMarkerRe.MatchString(line) {
			return false
		}
		matched++
	}
	return matched > 0
}

func medianFontSize(texts []domain.EnrichedTextBlock) float64 {
	sizes := make([]float64, 0, len(texts))
	for i := range texts {
		if texts[i].FontSize > 0 {
			sizes = append(sizes, texts[i].FontSize)
		}
	}
	if len(sizes) == 0 {
		return 0
	}
	sort.Float64s(sizes)
	mid := len(sizes) / 2
	if len(sizes)%2 == 1 {
		return sizes[mid]
	}
	return (sizes[mid-1] + sizes[mid]) / 2
}

// linkParents attaches every unit to the nearest preceding heading of a
// lower level. Non-heading units attach to the innermost open heading
// and inherit its section metadata.
func linkParents(units []unit) {
	type openHeading struct {
		id    string
		level int
		title string
	}
	var stack []openHeading

	for i := range units {
		u := &units[i]
		if u.level > 0 {
			for len(stack) > 0 && stack[len(stack)-1].level >= u.level {
				stack = stack[:len(stack)-1]
			}
			if len(stack) > 0 {
				id := stack[len(stack)-1].id
				u.block.ParentID = &id
			}
			stack = append(stack, openHeading{id: u.block.ID, level: u.level, title: u.block.Content})
			continue
		}
		if len(stack) > 0 {
			top := stack[len(stack)-1]
			id := top.id
			u.block.ParentID = &id
			u.block.Metadata.SectionLevel = top.level
			u.block.Metadata.SectionTitle = top.title
		}
	}
}

// linkSiblings chains previous/next pointers inside each parent group.
func linkSiblings(units []unit) {
	last := map[string]*domain.ContentBlock{}
	for i := range units {
		block := &units[i].block
		key := ""
		if block.ParentID != nil {
			key = *block.ParentID
		}
		if prev, ok := last[key]; ok {
			prevID := prev.ID
			nextID := block.ID
			block.PreviousID = &prevID
			prev.NextID = &nextID
		}
		last[key] = block
	}
}
