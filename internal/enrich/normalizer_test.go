package enrich

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/extraction-worker/internal/domain"
)

func TestNormalizeHeaderPromotion(t *testing.T) {
	normalizer := NewTableNormalizer(nil)
	tables := []domain.TableBlock{{
		Page:  2,
		Order: 3,
		Cells: [][]string{
			{"Nom", "Montant", "Date"},
			{" Dupont ", "120,50", "02/01/2025"},
			{"Martin", "75", "2025-03-04"},
		},
	}}

	normalized, err := normalizer.Normalize(context.Background(), tables)

	require.NoError(t, err)
	require.Len(t, normalized, 1)
	table := normalized[0]

	assert.Equal(t, 2, table.Page)
	assert.Equal(t, 3, table.Order)
	assert.Equal(t, []string{"Nom", "Montant", "Date"}, table.Headers)
	assert.Equal(t, []domain.ColumnType{domain.ColumnText, domain.ColumnNumber, domain.ColumnDate}, table.ColumnTypes)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, []string{"Dupont", "120.50", "2025-01-02"}, table.Rows[0])
	assert.Equal(t, []string{"Martin", "75", "2025-03-04"}, table.Rows[1])
}

func TestNormalizeSyntheticHeaders(t *testing.T) {
	normalizer := NewTableNormalizer(nil)
	tables := []domain.TableBlock{{
		Cells: [][]string{
			{"1", "5"},
			{"0", "6"},
		},
	}}

	normalized, err := normalizer.Normalize(context.Background(), tables)

	require.NoError(t, err)
	table := normalized[0]

	// A numeric first row is data, not headers.
	assert.Equal(t, []string{"Colonne_1", "Colonne_2"}, table.Headers)
	require.Len(t, table.Rows, 2)

	// 1/0 columns are boolean before they are numeric.
	assert.Equal(t, []domain.ColumnType{domain.ColumnBoolean, domain.ColumnNumber}, table.ColumnTypes)
	assert.Equal(t, []string{"true", "5"}, table.Rows[0])
	assert.Equal(t, []string{"false", "6"}, table.Rows[1])
}

func TestNormalizeBooleanColumn(t *testing.T) {
	normalizer := NewTableNormalizer(nil)
	tables := []domain.TableBlock{{
		Cells: [][]string{
			{"Actif"},
			{"oui"},
			{"non"},
			{"OUI"},
		},
	}}

	normalized, err := normalizer.Normalize(context.Background(), tables)

	require.NoError(t, err)
	table := normalized[0]

	assert.Equal(t, []string{"Actif"}, table.Headers)
	assert.Equal(t, []domain.ColumnType{domain.ColumnBoolean}, table.ColumnTypes)
	assert.Equal(t, [][]string{{"true"}, {"false"}, {"true"}}, table.Rows)
}

func TestNormalizeTypeThreshold(t *testing.T) {
	normalizer := NewTableNormalizer(nil)
	tables := []domain.TableBlock{{
		Cells: [][]string{
			{"Valeur"},
			{"1"},
			{"2"},
			{"abc"},
		},
	}}

	normalized, err := normalizer.Normalize(context.Background(), tables)

	require.NoError(t, err)
	table := normalized[0]

	// Two numbers out of three values is under the 0.7 threshold.
	assert.Equal(t, []domain.ColumnType{domain.ColumnText}, table.ColumnTypes)
	assert.Equal(t, [][]string{{"1"}, {"2"}, {"abc"}}, table.Rows)
}

func TestNormalizeRaggedRows(t *testing.T) {
	normalizer := NewTableNormalizer(nil)
	tables := []domain.TableBlock{{
		Cells: [][]string{
			{"Nom", "Ville"},
			{"Durand"},
			{"Petit", "Lyon", "extra"},
		},
	}}

	normalized, err := normalizer.Normalize(context.Background(), tables)

	require.NoError(t, err)
	table := normalized[0]

	assert.Equal(t, []string{"Nom", "Ville", "Colonne_3"}, table.Headers)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, []string{"Durand", "", ""}, table.Rows[0])
	assert.Equal(t, []string{"Petit", "Lyon", "extra"}, table.Rows[1])
}

func TestNormalizeEmptyTable(t *testing.T) {
	normalizer := NewTableNormalizer(nil)
	tables := []domain.TableBlock{
		{Page: 1, Cells: nil},
		{Page: 2, Cells: [][]string{{"Nom"}, {"Durand"}}},
	}

	normalized, err := normalizer.Normalize(context.Background(), tables)

	require.NoError(t, err)
	require.Len(t, normalized, 2)
	assert.Empty(t, normalized[0].Headers)
	assert.Empty(t, normalized[0].Rows)
	assert.Equal(t, 1, normalized[0].Page)
	assert.Equal(t, []string{"Nom"}, normalized[1].Headers)
}

func TestNormalizeCancelled(t *testing.T) {
	normalizer := NewTableNormalizer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := normalizer.Normalize(ctx, []domain.TableBlock{{Cells: [][]string{{"x"}}}})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCanonicalNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"120,50", "120.50", true},
		{"1 234,56", "1234.56", true},
		{"1 250", "1250", true},
		{"75", "75", true},
		{"-3.5", "-3.5", true},
		{"abc", "", false},
		{"12/01", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := canonicalNumber(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseDateCell(t *testing.T) {
	for _, in := range []string{"2025-01-02", "02/01/2025", "2/1/2025", "02-01-2025", "2025/01/02"} {
		parsed, ok := parseDateCell(in)
		require.True(t, ok, "input %q", in)
		assert.Equal(t, "2025-01-02", parsed.Format("2006-01-02"), "input %q", in)
	}

	_, ok := parseDateCell("pas une date")
	assert.False(t, ok)
}
