/**
 * Document structuring
 *
 * Wraps the content blocks of one document into the StructuredData
 * envelope: section outline, lookup index, statistics, title and
 * detected language. Apart from generated identifiers and the
 * generation timestamp the output is a pure function of its inputs.
 */

package structure

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/logging"
)

const schemaVersion = "1.0"

// Stopword tables for the language heuristic. The two sets are
// disjoint so a word never votes twice.
var frenchStopwords = map[string]bool{
	"le": true, "la": true, "les": true, "de": true, "des": true, "du": true,
	"et": true, "un": true, "une": true, "dans": true, "pour": true, "sur": true,
	"est": true, "sont": true, "par": true, "au": true, "aux": true, "ce": true,
	"cette": true, "avec": true, "qui": true, "que": true, "ne": true, "pas": true,
}

var englishStopwords = map[string]bool{
	"the": true, "of": true, "and": true, "to": true, "in": true, "is": true,
	"are": true, "for": true, "with": true, "that": true, "this": true,
	"by": true, "from": true, "at": true, "as": true, "it": true, "be": true,
}

// DocumentStructurer derives the document-level structured view.
type DocumentStructurer struct {
	logger *logging.Logger
	now    func() time.Time
}

func NewDocumentStructurer(logger *logging.Logger) *DocumentStructurer {
	if logger == nil {
		logger = logging.NewLogger("structure")
	}
	return &DocumentStructurer{logger: logger, now: time.Now}
}

// Build assembles the structured data for a document from its linked
// content blocks and extraction metadata.
func (s *DocumentStructurer) Build(doc *domain.Document, meta domain.Metadata, blocks []domain.ContentBlock) domain.StructuredData {
	data := domain.StructuredData{
		ID:            uuid.NewString(),
		DocumentID:    doc.ID,
		Title:         documentTitle(blocks, meta, doc.Filename),
		Language:      detectLanguage(blocks),
		SchemaVersion: schemaVersion,
		GeneratedAt:   s.now().UTC(),
		Sections:      buildSections(blocks),
		Index:         buildIndex(blocks),
		Statistics:    buildStatistics(blocks, meta),
	}
	data.PageCount = data.Statistics.TotalPages

	s.logger.Debug("structured document",
		"document_id", doc.ID,
		"sections", len(data.Sections),
		"language", data.Language)
	return data
}

// documentTitle prefers the first heading, then native metadata, then
// the stored filename.
func documentTitle(blocks []domain.ContentBlock, meta domain.Metadata, filename string) string {
	for i := range blocks {
		if blocks[i].Type == domain.BlockHeading {
			return blocks[i].Content
		}
	}
	if meta.Title != "" {
		return meta.Title
	}
	return filename
}

// buildSections raises the heading blocks into a nested outline. Every
// non-heading block lands in the BlockIDs of its parent section.
func buildSections(blocks []domain.ContentBlock) []domain.Section {
	sections := map[string]*domain.Section{}
	children := map[string][]string{}
	var roots []string

	for i := range blocks {
		b := &blocks[i]
		if b.Type != domain.BlockHeading {
			continue
		}
		sections[b.ID] = &domain.Section{
			ID:    b.ID,
			Title: b.Content,
			Level: b.Metadata.SectionLevel,
			Page:  b.Metadata.Page,
		}
		if b.ParentID != nil && sections[*b.ParentID] != nil {
			children[*b.ParentID] = append(children[*b.ParentID], b.ID)
		} else {
			roots = append(roots, b.ID)
		}
	}

	for i := range blocks {
		b := &blocks[i]
		if b.Type == domain.BlockHeading || b.ParentID == nil {
			continue
		}
		if sec, ok := sections[*b.ParentID]; ok {
			sec.BlockIDs = append(sec.BlockIDs, b.ID)
		}
	}

	var assemble func(id string) domain.Section
	assemble = func(id string) domain.Section {
		sec := *sections[id]
		for _, childID := range children[id] {
			sec.Children = append(sec.Children, assemble(childID))
		}
		return sec
	}

	out := make([]domain.Section, 0, len(roots))
	for _, id := range roots {
		out = append(out, assemble(id))
	}
	return out
}

func buildIndex(blocks []domain.ContentBlock) domain.StructuredIndex {
	index := domain.StructuredIndex{
		ByType:   map[string][]string{},
		ByPage:   map[int][]string{},
		ByEntity: map[string][]string{},
	}
	for i := range blocks {
		b := &blocks[i]
		index.ByType[string(b.Type)] = append(index.ByType[string(b.Type)], b.ID)
		index.ByPage[b.Metadata.Page] = append(index.ByPage[b.Metadata.Page], b.ID)
		for _, e := range b.Entities {
			key := e.Type + ":" + e.Value
			ids := index.ByEntity[key]
			if len(ids) == 0 || ids[len(ids)-1] != b.ID {
				index.ByEntity[key] = append(ids, b.ID)
			}
		}
	}
	return index
}

func buildStatistics(blocks []domain.ContentBlock, meta domain.Metadata) domain.Statistics {
	stats := domain.Statistics{
		TotalBlocks: len(blocks),
		ByType:      map[string]int{},
		TotalPages:  meta.PageCount,
	}
	for i := range blocks {
		b := &blocks[i]
		stats.ByType[string(b.Type)]++
		stats.TotalEntities += len(b.Entities)
		if b.Metadata.Page > stats.TotalPages {
			stats.TotalPages = b.Metadata.Page
		}
	}
	return stats
}

// detectLanguage votes French against English over stopword hits in
// textual content. Ties with any French hits stay French, matching the
// corpus this worker mostly sees.
func detectLanguage(blocks []domain.ContentBlock) string {
	french, english := 0, 0
	for i := range blocks {
		b := &blocks[i]
		switch b.Type {
		case domain.BlockText, domain.BlockHeading, domain.BlockList:
		default:
			continue
		}
		for _, word := range strings.Fields(strings.ToLower(b.Content)) {
			word = strings.Trim(word, ".,;:!?()[]\"'«»")
			if frenchStopwords[word] {
				french++
			}
			if englishStopwords[word] {
				english++
			}
		}
	}

	switch {
	case french == 0 && english == 0:
		return ""
	case english > french:
		return "en"
	default:
		return "fr"
	}
}
