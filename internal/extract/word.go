/**
 * DOCX extraction
 *
 * A .docx file is a ZIP container of WordprocessingML parts. The body
 * of word/document.xml is walked token by token: paragraphs become
 * text blocks (heading styles carry over as heading levels), tables
 * become table blocks, and raster files under word/media/ become image
 * blocks. WordprocessingML has no page boundaries, so all body blocks
 * land on page 1 and the page count comes from docProps/app.xml when
 * present.
 */

package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"image"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
)

func extractWord(documentID, path string) (domain.ExtractionResult, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return domain.ExtractionResult{}, errors.NewCorruptFileError(documentID, MimeDocx, err)
	}
	defer zr.Close()

	data, err := readZipEntry(&zr.Reader, "word/document.xml")
	if err != nil {
		return domain.ExtractionResult{}, errors.NewCorruptFileError(documentID, MimeDocx, err)
	}

	texts, tables, err := parseDocumentBody(data)
	if err != nil {
		return domain.ExtractionResult{}, errors.NewCorruptFileError(documentID, MimeDocx, err)
	}

	result := domain.ExtractionResult{
		TextBlocks:  texts,
		TableBlocks: tables,
	}

	order := len(texts) + len(tables)
	result.ImageBlocks = loadWordMedia(&zr.Reader, order)

	result.Metadata = wordMetadata(&zr.Reader)
	if result.Metadata.PageCount == 0 {
		result.Metadata.PageCount = 1
	}

	return result, nil
}

// parseDocumentBody walks the WordprocessingML token stream. Tables
// consume their whole subtree so their paragraphs never surface as
// body text.
func parseDocumentBody(data []byte) ([]domain.TextBlock, []domain.TableBlock, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var texts []domain.TextBlock
	var tables []domain.TableBlock
	order := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "p":
			text, heading, err := parseParagraph(dec)
			if err != nil {
				return nil, nil, err
			}
			if text == "" {
				continue
			}
			texts = append(texts, domain.TextBlock{
				Page:         1,
				Order:        order,
				Text:         text,
				Source:       domain.SourceNative,
				Confidence:   1.0,
				HeadingLevel: heading,
			})
			order++
		case "tbl":
			cells, err := parseWordTable(dec)
			if err != nil {
				return nil, nil, err
			}
			if len(cells) == 0 {
				continue
			}
			tables = append(tables, domain.TableBlock{
				Page:  1,
				Order: order,
				Cells: cells,
			})
			order++
		}
	}

	return texts, tables, nil
}

// parseParagraph consumes tokens up to the paragraph end and returns
// its text and heading level (0 for body text). Text boxes can nest
// paragraphs inside a paragraph, so the depth is tracked.
func parseParagraph(dec *xml.Decoder) (string, int, error) {
	var sb strings.Builder
	heading := 0
	inText := false
	depth := 1

	for {
		tok, err := dec.Token()
		if err != nil {
			return "", 0, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				depth++
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" && depth == 1 {
						heading = headingLevelFromStyle(attr.Value)
					}
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				depth--
				if depth == 0 {
					return strings.TrimSpace(sb.String()), heading, nil
				}
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
}

// parseWordTable consumes a w:tbl subtree. Nested tables flatten into
// the enclosing cell.
func parseWordTable(dec *xml.Decoder) ([][]string, error) {
	var cells [][]string
	var row []string
	var cell strings.Builder

	depth := 1
	inText := false

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				depth++
			case "tr":
				if depth == 1 {
					row = nil
				}
			case "tc":
				if depth == 1 {
					cell.Reset()
				}
			case "t":
				inText = true
			case "tab":
				cell.WriteByte('\t')
			case "br":
				cell.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tbl":
				depth--
				if depth == 0 {
					return cells, nil
				}
			case "tr":
				if depth == 1 && row != nil {
					cells = append(cells, row)
				}
			case "tc":
				if depth == 1 {
					row = append(row, strings.TrimSpace(cell.String()))
				}
			case "t":
				inText = false
			case "p":
				if cell.Len() > 0 {
					cell.WriteByte('\n')
				}
			}
		case xml.CharData:
			if inText {
				cell.Write(t)
			}
		}
	}
}

func headingLevelFromStyle(style string) int {
	if style == "Title" || style == "Titre" {
		return 1
	}
	for _, prefix := range []string{"Heading", "Titre"} {
		rest, ok := strings.CutPrefix(style, prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n >= 1 && n <= 9 {
			return n
		}
	}
	return 0
}

// loadWordMedia collects raster files under word/media/ in name order.
// Vector formats Go cannot decode are skipped since the OCR stage could
// not consume them either.
func loadWordMedia(zr *zip.Reader, startOrder int) []domain.ImageBlock {
	var names []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "word/media/") && !f.FileInfo().IsDir() {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)

	var blocks []domain.ImageBlock
	order := startOrder
	for _, name := range names {
		data, err := readZipEntry(zr, name)
		if err != nil || len(data) == 0 {
			continue
		}
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			continue
		}
		blocks = append(blocks, domain.ImageBlock{
			Page:   1,
			Order:  order,
			Format: format,
			Width:  cfg.Width,
			Height: cfg.Height,
			Data:   data,
		})
		order++
	}
	return blocks
}

type docxCoreProps struct {
	Title   string `xml:"title"`
	Creator string `xml:"creator"`
}

type docxAppProps struct {
	Pages int `xml:"Pages"`
}

func wordMetadata(zr *zip.Reader) domain.Metadata {
	var meta domain.Metadata
	if data, err := readZipEntry(zr, "docProps/core.xml"); err == nil {
		var core docxCoreProps
		if xml.Unmarshal(data, &core) == nil {
			meta.Title = core.Title
			meta.Author = core.Creator
		}
	}
	if data, err := readZipEntry(zr, "docProps/app.xml"); err == nil {
		var app docxAppProps
		if xml.Unmarshal(data, &app) == nil {
			meta.PageCount = app.Pages
		}
	}
	return meta
}
