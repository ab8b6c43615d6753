package domain

// BlockSource tells whether text came from the file itself or from OCR.
type BlockSource string

const (
	SourceNative BlockSource = "native"
	SourceOCR    BlockSource = "ocr"
)

// Region is a bounding box on a page, in the source format's units.
// A zero Region means the extractor had no positional information.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// IsZero reports whether the region carries no positional information.
func (r Region) IsZero() bool {
	return r.X == 0 && r.Y == 0 && r.Width == 0 && r.Height == 0
}

// TextBlock is a unit of extracted text. Confidence is meaningful only
// when Source is SourceOCR; native text carries no confidence. FontSize
// and HeadingLevel are layout cues filled in when the source format
// exposes them, zero otherwise.
type TextBlock struct {
	Page         int         `json:"page"`
	Order        int         `json:"order"`
	Text         string      `json:"text"`
	Region       Region      `json:"region"`
	Source       BlockSource `json:"source"`
	Confidence   float64     `json:"confidence,omitempty"`
	FontSize     float64     `json:"fontSize,omitempty"`
	HeadingLevel int         `json:"headingLevel,omitempty"`
}

// TableBlock is a raw cell grid with provenance. Header and column
// typing are added later by the normalizer.
type TableBlock struct {
	Page   int        `json:"page"`
	Order  int        `json:"order"`
	Region Region     `json:"region"`
	Cells  [][]string `json:"cells"`
}

// ImageBlock carries the raw bytes of an embedded or standalone image.
// OCR consumes the bytes; the block itself is carried forward into
// structuring. Kind is a coarse visual class (image, chart, diagram)
// filled in during the OCR stage.
type ImageBlock struct {
	Page   int    `json:"page"`
	Order  int    `json:"order"`
	Region Region `json:"region"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Kind   string `json:"kind,omitempty"`
	Data   []byte `json:"-"`
}

// Metadata is document-level information gathered during extraction.
type Metadata struct {
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
	PageCount int    `json:"pageCount"`
	Language  string `json:"language,omitempty"`
}

// ExtractionResult is the immutable output of the extraction stage.
// Blocks are ordered by (page, order) and never mutated after hand-off;
// downstream stages derive new values instead.
type ExtractionResult struct {
	TextBlocks  []TextBlock  `json:"textBlocks"`
	TableBlocks []TableBlock `json:"tableBlocks"`
	ImageBlocks []ImageBlock `json:"imageBlocks"`
	Metadata    Metadata     `json:"metadata"`
}

// IsEmpty reports whether extraction produced no blocks at all.
func (r ExtractionResult) IsEmpty() bool {
	return len(r.TextBlocks) == 0 && len(r.TableBlocks) == 0 && len(r.ImageBlocks) == 0
}

// Entity is a named entity found by the enricher. Start and End are
// byte offsets into the block text. Confidence reflects the rule that
// matched, not OCR quality.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Relation links two entities that appear close together in a block.
type Relation struct {
	FromValue string `json:"fromValue"`
	ToValue   string `json:"toValue"`
	Type      string `json:"type"`
}

// EnrichedTextBlock is a TextBlock plus the enricher's annotations.
// Cardinality with the input blocks is 1:1.
type EnrichedTextBlock struct {
	TextBlock
	Entities   []Entity   `json:"entities,omitempty"`
	Relations  []Relation `json:"relations,omitempty"`
	KeyPhrases []string   `json:"keyPhrases,omitempty"`
	Relevance  float64    `json:"relevance"`
}

// ColumnType is the normalizer's inferred type for a table column.
type ColumnType string

const (
	ColumnText    ColumnType = "text"
	ColumnNumber  ColumnType = "number"
	ColumnDate    ColumnType = "date"
	ColumnBoolean ColumnType = "boolean"
)

// NormalizedTable is a TableBlock with headers split off, column types
// inferred and cell values canonicalized. Cardinality with the input
// tables is 1:1.
type NormalizedTable struct {
	Page        int          `json:"page"`
	Order       int          `json:"order"`
	Region      Region       `json:"region"`
	Headers     []string     `json:"headers"`
	ColumnTypes []ColumnType `json:"columnTypes"`
	Rows        [][]string   `json:"rows"`
}
