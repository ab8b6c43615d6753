package ocr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageByName(t *testing.T, name string) CorrectionStage {
	t.Helper()
	for _, s := range NewCorrector().Stages() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no stage named %q", name)
	return CorrectionStage{}
}

func TestCorrectorGoldenChain(t *testing.T) {
	pattern := stageByName(t, "pattern")
	date := stageByName(t, "date")

	afterPattern := pattern.Apply("cudi 2 mbre 2025")
	assert.Equal(t, "Jeudi 2 mbre 2025", afterPattern)

	afterDate := date.Apply(afterPattern)
	assert.Equal(t, "Jeudi 25 décembre 2025", afterDate)

	text, conf := NewCorrector().Correct("cudi 2 mbre 2025", 0.5)
	assert.Equal(t, "Jeudi 25 décembre 2025", text)
	assert.InDelta(t, 0.5*1.05*1.05, conf, 1e-9)
}

func TestStageIdempotence(t *testing.T) {
	inputs := []string{
		"",
		"cudi 2 mbre 2025",
		"Jeudi 25 décembre 2025",
		"tol N° 2025-123 ou 16 OCTOBRE",
		"JOURNAL OFFICIEL REPUBLIQUE",
		"B Pérode hivernale",
		"totaux 2O25 et l0 et 2 0 2 5",
		"Monsleur  Dupont,\n\n\n\nvoici   plus d'fos",
		"REPUBLIQUE FRANCAISE",
	}

	for _, stage := range NewCorrector().Stages() {
		for _, in := range inputs {
			once := stage.Apply(in)
			twice := stage.Apply(once)
			assert.Equal(t, once, twice,
				"stage %s not idempotent on %q", stage.Name, in)
		}
	}
}

func TestCorrectorConfidenceNeverDrops(t *testing.T) {
	c := NewCorrector()

	_, conf := c.Correct("cudi 2 mbre 2025", 0.6)
	assert.GreaterOrEqual(t, conf, 0.6)
	assert.LessOrEqual(t, conf, 1.0)

	text, conf := c.Correct("Bonjour tout le monde", 0.8)
	assert.Equal(t, "Bonjour tout le monde", text)
	assert.Equal(t, 0.8, conf)

	_, conf = c.Correct("cudi 2 mbre 2025", 0.99)
	assert.Equal(t, 1.0, conf)

	_, conf = c.Correct("cudi 2 mbre 2025", 0)
	assert.Equal(t, 0.0, conf)
}

func TestPatternStage(t *testing.T) {
	pattern := stageByName(t, "pattern")

	tests := []struct {
		in   string
		want string
	}{
		{"cudl matin", "Jeudi matin"},
		{"eudi 4", "Jeudi 4"},
		{"tol N° 2024-537", "LOI N° 2024-537"},
		{"ou 16 OCTOBRE", "DU 16 OCTOBRE"},
		{"B Pérode", "BB Période"},
		{"M Pérode", "BB Période"},
		{"la Pérode estivale", "la Période estivale"},
		{"lus d'fos ici", "plus d'infos ici"},
		{"plus d'fos ici", "plus d'infos ici"},
		{"voir d'fos", "voir d'infos"},
		{"JOURNAL OFFICIEL REPUBLIQUE", "JOURNAL OFFICIEL\nDE LA\nREPUBLIQUE"},
		{"ou alors rien", "ou alors rien"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pattern.Apply(tt.in), "input %q", tt.in)
	}
}

func TestDictionaryStage(t *testing.T) {
	dict := stageByName(t, "dictionary")

	tests := []struct {
		in   string
		want string
	}{
		{"Jeudl matin", "Jeudi matin"},
		{"Monsleur Dupont", "Monsieur Dupont"},
		{"le 3 decembre", "le 3 décembre"},
		{"signalure requise", "signature requise"},
		{"Mercredi intact", "Mercredi intact"},
		{"zzzzz inconnu", "zzzzz inconnu"},
		{"mais pour avec", "mais pour avec"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dict.Apply(tt.in), "input %q", tt.in)
	}
}

func TestDateStage(t *testing.T) {
	date := stageByName(t, "date")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"truncated month without weekday", "2 mbre 2025", "2 décembre 2025"},
		{"truncated november", "5 vembre 2025", "5 novembre 2025"},
		{"consistent date untouched", "Jeudi 4 décembre 2025", "Jeudi 4 décembre 2025"},
		{"weekday repairs unique day", "Jeudi 1 novembre 2025", "Jeudi 13 novembre 2025"},
		{"ambiguous day untouched", "Jeudi 2 novembre 2025", "Jeudi 2 novembre 2025"},
		{"no candidate untouched", "Jeudi 3 novembre 2025", "Jeudi 3 novembre 2025"},
		{"unknown month untouched", "12 frimaire 2025", "12 frimaire 2025"},
		{"plain prose untouched", "rendez-vous la semaine prochaine", "rendez-vous la semaine prochaine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, date.Apply(tt.in))
		})
	}
}

func TestNumericStage(t *testing.T) {
	numeric := stageByName(t, "numeric")

	tests := []struct {
		in   string
		want string
	}{
		{"année 2O25", "année 2025"},
		{"page l0", "page 10"},
		{"réf. I8O", "réf. 180"},
		{"Il pleut", "Il pleut"},
		{"Olivier reste", "Olivier reste"},
		{"2 0 2 5", "2025"},
		{"montant 1 234", "montant 1 234"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, numeric.Apply(tt.in), "input %q", tt.in)
	}
}

func TestLocaleStage(t *testing.T) {
	locale := stageByName(t, "locale")

	tests := []struct {
		in   string
		want string
	}{
		{"REPUBLIQUE FRANCAISE", "RÉPUBLIQUE FRANÇAISE"},
		{"JOURNAI OFFICIEL", "JOURNAL OFFICIEL"},
		{"la Periode concernée", "la Période concernée"},
		{"MINISTERE de la Justice", "MINISTÈRE de la Justice"},
		{"texte quelconque", "texte quelconque"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, locale.Apply(tt.in), "input %q", tt.in)
	}
}

func TestCleanupStage(t *testing.T) {
	cleanup := stageByName(t, "cleanup")

	assert.Equal(t, "a b", cleanup.Apply("  a \t b  "))
	assert.Equal(t, "un\n\ndeux", cleanup.Apply("un\n\n\n\n\ndeux"))
	assert.Equal(t, "ligne", cleanup.Apply("li\x00gne\x07"))
	assert.Equal(t, "x\ny", cleanup.Apply("x\r\ny\r"))
	assert.Equal(t, "", cleanup.Apply("   \n\n  \t "))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein([]rune("même"), []rune("même")))
	assert.Equal(t, 1, levenshtein([]rune("jeudl"), []rune("jeudi")))
	assert.Equal(t, 2, levenshtein([]rune("mbre"), []rune("membre")))
	assert.Equal(t, 4, levenshtein([]rune(""), []rune("abcd")))
}

func TestNearestEntryAmbiguityGuards(t *testing.T) {
	dict := []string{"garde", "gares"}

	// "gardes" is one edit from both entries.
	_, ok := nearestEntry("gardes", dict)
	assert.False(t, ok)

	// Exact entries are never rewritten.
	_, ok = nearestEntry("garde", dict)
	assert.False(t, ok)

	entry, ok := nearestEntry("garde1", []string{"garde"})
	require.True(t, ok)
	assert.Equal(t, "garde", entry)
}
