package domain

import "time"

// ContentBlockType classifies a node in the structured content tree.
type ContentBlockType string

const (
	BlockText    ContentBlockType = "TEXT"
	BlockHeading ContentBlockType = "HEADING"
	BlockList    ContentBlockType = "LIST"
	BlockTable   ContentBlockType = "TABLE"
	BlockImage   ContentBlockType = "IMAGE"
)

// BlockMetadata carries provenance and placement for a content block.
// Additional holds format-specific payloads, like the normalized table
// grid behind a TABLE block.
type BlockMetadata struct {
	Page         int                    `json:"page"`
	Region       Region                 `json:"region,omitempty"`
	SectionLevel int                    `json:"sectionLevel,omitempty"`
	SectionTitle string                 `json:"sectionTitle,omitempty"`
	Language     string                 `json:"language,omitempty"`
	Confidence   float64                `json:"confidence,omitempty"`
	Method       string                 `json:"method,omitempty"`
	Additional   map[string]interface{} `json:"additional,omitempty"`
}

// ContentBlock is one node of the hierarchical document tree. ParentID,
// PreviousID and NextID are references for traversal, never ownership.
// Sibling links only ever point at blocks under the same parent.
type ContentBlock struct {
	ID         string           `json:"id"`
	DocumentID string           `json:"documentId"`
	ParentID   *string          `json:"parentId,omitempty"`
	PreviousID *string          `json:"previousId,omitempty"`
	NextID     *string          `json:"nextId,omitempty"`
	Type       ContentBlockType `json:"type"`
	Content    string           `json:"content,omitempty"`
	Order      int              `json:"order"`
	Metadata   BlockMetadata    `json:"metadata"`
	Entities   []Entity         `json:"entities,omitempty"`
	Relevance  float64          `json:"relevance,omitempty"`
}

// Section is one node of the document outline derived from headings.
type Section struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Level    int       `json:"level"`
	Page     int       `json:"page"`
	BlockIDs []string  `json:"blockIds,omitempty"`
	Children []Section `json:"children,omitempty"`
}

// StructuredIndex provides lookup tables over the content blocks.
type StructuredIndex struct {
	ByType   map[string][]string `json:"byType"`
	ByPage   map[int][]string    `json:"byPage"`
	ByEntity map[string][]string `json:"byEntity"`
}

// Statistics summarizes the structured output.
type Statistics struct {
	TotalBlocks   int            `json:"totalBlocks"`
	ByType        map[string]int `json:"byType"`
	TotalEntities int            `json:"totalEntities"`
	TotalPages    int            `json:"totalPages"`
}

// StructuredData is the terminal output of a successful pipeline run:
// the document outline, lookup index and statistics over the persisted
// content blocks.
type StructuredData struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"documentId"`
	Title         string          `json:"title,omitempty"`
	PageCount     int             `json:"pageCount"`
	Language      string          `json:"language,omitempty"`
	SchemaVersion string          `json:"schemaVersion"`
	GeneratedAt   time.Time       `json:"generatedAt"`
	Sections      []Section       `json:"sections"`
	Index         StructuredIndex `json:"index"`
	Statistics    Statistics      `json:"statistics"`
}
