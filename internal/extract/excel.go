/**
 * XLSX extraction
 *
 * An .xlsx file is a ZIP container of SpreadsheetML parts. Each sheet
 * becomes one table block: xl/workbook.xml names the sheets,
 * xl/sharedStrings.xml holds deduplicated cell text, and each
 * xl/worksheets/sheetN.xml carries the cell grid. Pages number the
 * sheets in workbook order.
 */

package extract

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/errors"
)

type xlsxSharedStrings struct {
	Items []struct {
		T    string `xml:"t"`
		Runs []struct {
			T string `xml:"t"`
		} `xml:"r"`
	} `xml:"si"`
}

type xlsxWorkbook struct {
	Sheets struct {
		Sheet []struct {
			Name string `xml:"name,attr"`
		} `xml:"sheet"`
	} `xml:"sheets"`
}

type xlsxWorksheet struct {
	SheetData struct {
		Rows []struct {
			Cells []struct {
				Ref    string `xml:"r,attr"`
				Type   string `xml:"t,attr"`
				Value  string `xml:"v"`
				Inline struct {
					T string `xml:"t"`
				} `xml:"is"`
			} `xml:"c"`
		} `xml:"row"`
	} `xml:"sheetData"`
}

var worksheetPathRe = regexp.MustCompile(`^xl/worksheets/sheet(\d+)\.xml$`)

func extractExcel(documentID, path string) (domain.ExtractionResult, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return domain.ExtractionResult{}, errors.NewCorruptFileError(documentID, MimeXlsx, err)
	}
	defer zr.Close()

	shared := loadSharedStrings(&zr.Reader)
	names := loadSheetNames(&zr.Reader)

	type sheetFile struct {
		nr   int
		file *zip.File
	}
	var sheets []sheetFile
	for _, f := range zr.File {
		if m := worksheetPathRe.FindStringSubmatch(f.Name); m != nil {
			nr, _ := strconv.Atoi(m[1])
			sheets = append(sheets, sheetFile{nr: nr, file: f})
		}
	}
	if len(sheets) == 0 {
		return domain.ExtractionResult{}, errors.NewCorruptFileError(documentID, MimeXlsx,
			fmt.Errorf("no worksheets in archive"))
	}
	sort.Slice(sheets, func(i, j int) bool { return sheets[i].nr < sheets[j].nr })

	var result domain.ExtractionResult
	parsed := 0
	for i, sheet := range sheets {
		cells, err := parseWorksheet(sheet.file, shared)
		if err != nil {
			continue
		}
		parsed++
		if len(cells) == 0 {
			continue
		}

		page := i + 1
		order := 0
		if i < len(names) && names[i] != "" {
			result.TextBlocks = append(result.TextBlocks, domain.TextBlock{
				Page:         page,
				Order:        order,
				Text:         names[i],
				Source:       domain.SourceNative,
				Confidence:   1.0,
				HeadingLevel: 1,
			})
			order++
		}
		result.TableBlocks = append(result.TableBlocks, domain.TableBlock{
			Page:  page,
			Order: order,
			Cells: cells,
		})
	}

	if parsed == 0 {
		return domain.ExtractionResult{}, errors.NewCorruptFileError(documentID, MimeXlsx,
			fmt.Errorf("no worksheet could be parsed"))
	}

	result.Metadata.PageCount = len(sheets)
	return result, nil
}

func loadSharedStrings(zr *zip.Reader) []string {
	data, err := readZipEntry(zr, "xl/sharedStrings.xml")
	if err != nil {
		return nil
	}
	var sst xlsxSharedStrings
	if err := xml.Unmarshal(data, &sst); err != nil {
		return nil
	}
	out := make([]string, len(sst.Items))
	for i, item := range sst.Items {
		if item.T != "" {
			out[i] = item.T
			continue
		}
		var sb strings.Builder
		for _, run := range item.Runs {
			sb.WriteString(run.T)
		}
		out[i] = sb.String()
	}
	return out
}

func loadSheetNames(zr *zip.Reader) []string {
	data, err := readZipEntry(zr, "xl/workbook.xml")
	if err != nil {
		return nil
	}
	var wb xlsxWorkbook
	if err := xml.Unmarshal(data, &wb); err != nil {
		return nil
	}
	names := make([]string, len(wb.Sheets.Sheet))
	for i, s := range wb.Sheets.Sheet {
		names[i] = s.Name
	}
	return names
}

func parseWorksheet(f *zip.File, shared []string) ([][]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	var ws xlsxWorksheet
	if err := xml.Unmarshal(data, &ws); err != nil {
		return nil, err
	}

	var rows [][]string
	width := 0
	for _, row := range ws.SheetData.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, c := range row.Cells {
			col := columnIndex(c.Ref)
			if col < 0 {
				col = len(cells)
			}
			for len(cells) <= col {
				cells = append(cells, "")
			}
			cells[col] = cellValue(c.Type, c.Value, c.Inline.T, shared)
		}
		if len(cells) > width {
			width = len(cells)
		}
		rows = append(rows, cells)
	}

	// Pad ragged rows and drop rows that are entirely empty.
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		for len(row) < width {
			row = append(row, "")
		}
		empty := true
		for _, v := range row {
			if v != "" {
				empty = false
				break
			}
		}
		if !empty {
			out = append(out, row)
		}
	}
	return out, nil
}

// columnIndex converts the letter part of a cell reference ("BC12") to
// a zero-based column number, or -1 when the reference is missing.
func columnIndex(ref string) int {
	idx := 0
	seen := false
	for _, r := range ref {
		if r < 'A' || r > 'Z' {
			break
		}
		idx = idx*26 + int(r-'A') + 1
		seen = true
	}
	if !seen {
		return -1
	}
	return idx - 1
}

func cellValue(cellType, value, inline string, shared []string) string {
	switch cellType {
	case "s":
		idx, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || idx < 0 || idx >= len(shared) {
			return ""
		}
		return shared[idx]
	case "inlineStr":
		return inline
	default:
		return strings.TrimSpace(value)
	}
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("entry not found: %s", name)
}
