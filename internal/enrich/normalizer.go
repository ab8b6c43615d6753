/**
 * Table normalization
 *
 * Turns raw extracted table grids into rectangular tables with named
 * columns, inferred column types and canonical cell values. Header
 * detection and type inference are heuristic; when in doubt a column
 * stays text and cells pass through trimmed but otherwise untouched.
 */

package enrich

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/logging"
)

// typeThreshold is the share of non-empty cells in a column that must
// parse as a candidate type before the column is given that type.
const typeThreshold = 0.7

// dateLayouts are tried in order when probing and canonicalizing date
// cells. All canonical output uses the first layout.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006/01/02",
}

var booleanTokens = map[string]bool{
	"true": true, "yes": true, "oui": true, "1": true,
	"false": false, "no": false, "non": false, "0": false,
}

// TableNormalizer converts raw table blocks into normalized tables.
type TableNormalizer struct {
	logger *logging.Logger
}

func NewTableNormalizer(logger *logging.Logger) *TableNormalizer {
	if logger == nil {
		logger = logging.NewLogger("normalize")
	}
	return &TableNormalizer{logger: logger}
}

// Normalize processes every table independently and returns exactly one
// normalized table per input table, in input order.
func (n *TableNormalizer) Normalize(ctx context.Context, tables []domain.TableBlock) ([]domain.NormalizedTable, error) {
	normalized := make([]domain.NormalizedTable, 0, len(tables))
	for i := range tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		normalized = append(normalized, n.normalizeTable(&tables[i]))
	}
	return normalized, nil
}

func (n *TableNormalizer) normalizeTable(table *domain.TableBlock) domain.NormalizedTable {
	grid := rectangularize(table.Cells)
	if len(grid) == 0 {
		return domain.NormalizedTable{
			Page:        table.Page,
			Order:       table.Order,
			Region:      table.Region,
			Headers:     []string{},
			ColumnTypes: []domain.ColumnType{},
			Rows:        [][]string{},
		}
	}

	width := len(grid[0])
	headers, rows := splitHeaders(grid, width)

	types := make([]domain.ColumnType, width)
	for col := 0; col < width; col++ {
		types[col] = inferColumnType(rows, col)
	}
	for _, row := range rows {
		for col := 0; col < width; col++ {
			row[col] = canonicalCell(row[col], types[col])
		}
	}

	n.logger.Debug("normalized table",
		"page", table.Page,
		"columns", width,
		"rows", len(rows))

	return domain.NormalizedTable{
		Page:        table.Page,
		Order:       table.Order,
		Region:      table.Region,
		Headers:     headers,
		ColumnTypes: types,
		Rows:        rows,
	}
}

// rectangularize trims every cell and pads ragged rows to the width of
// the widest row.
func rectangularize(cells [][]string) [][]string {
	width := 0
	for _, row := range cells {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return nil
	}
	grid := make([][]string, 0, len(cells))
	for _, row := range cells {
		out := make([]string, width)
		for i, cell := range row {
			out[i] = strings.TrimSpace(cell)
		}
		grid = append(grid, out)
	}
	return grid
}

// splitHeaders promotes the first row to headers when more than half of
// its non-empty cells are non-numeric. Otherwise all rows are data and
// columns get synthetic names.
func splitHeaders(grid [][]string, width int) ([]string, [][]string) {
	if headerRow(grid[0]) && len(grid) > 1 {
		headers := make([]string, width)
		for i, cell := range grid[0] {
			if cell == "" {
				headers[i] = fmt.Sprintf("Colonne_%d", i+1)
			} else {
				headers[i] = cell
			}
		}
		return headers, grid[1:]
	}
	headers := make([]string, width)
	for i := range headers {
		headers[i] = fmt.Sprintf("Colonne_%d", i+1)
	}
	return headers, grid
}

func headerRow(row []string) bool {
	nonEmpty, nonNumeric := 0, 0
	for _, cell := range row {
		if cell == "" {
			continue
		}
		nonEmpty++
		if !isNumericCell(cell) {
			nonNumeric++
		}
	}
	if nonEmpty == 0 {
		return false
	}
	return float64(nonNumeric)/float64(nonEmpty) > 0.5
}

// inferColumnType probes the non-empty cells of one column. A type wins
// when at least typeThreshold of the values parse as it; candidates are
// tried from most to least specific so "1" and "0" columns come out
// boolean rather than number.
func inferColumnType(rows [][]string, col int) domain.ColumnType {
	values := make([]string, 0, len(rows))
	for _, row := range rows {
		if row[col] != "" {
			values = append(values, row[col])
		}
	}
	if len(values) == 0 {
		return domain.ColumnText
	}

	booleans, dates, numbers := 0, 0, 0
	for _, v := range values {
		if _, ok := booleanTokens[strings.ToLower(v)]; ok {
			booleans++
		}
		if _, ok := parseDateCell(v); ok {
			dates++
		}
		if isNumericCell(v) {
			numbers++
		}
	}

	threshold := typeThreshold * float64(len(values))
	switch {
	case float64(booleans) >= threshold:
		return domain.ColumnBoolean
	case float64(dates) >= threshold:
		return domain.ColumnDate
	case float64(numbers) >= threshold:
		return domain.ColumnNumber
	default:
		return domain.ColumnText
	}
}

// canonicalCell rewrites a cell into the canonical form of its column
// type. Cells that fail to parse as the column type are left trimmed.
func canonicalCell(cell string, colType domain.ColumnType) string {
	if cell == "" {
		return cell
	}
	switch colType {
	case domain.ColumnBoolean:
		if v, ok := booleanTokens[strings.ToLower(cell)]; ok {
			return strconv.FormatBool(v)
		}
	case domain.ColumnDate:
		if t, ok := parseDateCell(cell); ok {
			return t.Format(dateLayouts[0])
		}
	case domain.ColumnNumber:
		if canonical, ok := canonicalNumber(cell); ok {
			return canonical
		}
	}
	return cell
}

// isNumericCell accepts French decimal commas and thin-space thousand
// separators in addition to plain floats.
func isNumericCell(cell string) bool {
	_, ok := canonicalNumber(cell)
	return ok
}

func canonicalNumber(cell string) (string, bool) {
	cleaned := strings.ReplaceAll(cell, " ", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	if cleaned == "" {
		return "", false
	}
	if _, err := strconv.ParseFloat(cleaned, 64); err != nil {
		return "", false
	}
	return cleaned, true
}

func parseDateCell(cell string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, cell); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
