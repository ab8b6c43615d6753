/**
 * Deterministic OCR text correction
 *
 * An ordered chain of pure rewrite stages applied to the winning OCR
 * text. Every stage is total (malformed input passes through unchanged)
 * and idempotent on already-correct text. Confidence only ever moves
 * upward: a stage that changed the text counts as a confirmed fix.
 */

package ocr

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// confidenceBoost is applied once per stage that changed the text,
// capped at 1.0.
const confidenceBoost = 1.05

// CorrectionStage is one named rewrite step of the chain.
type CorrectionStage struct {
	Name  string
	Apply func(string) string
}

// Corrector applies the ordered correction chain.
type Corrector struct {
	stages []CorrectionStage
}

// NewCorrector builds the French-locale correction chain.
func NewCorrector() *Corrector {
	return &Corrector{
		stages: []CorrectionStage{
			{Name: "pattern", Apply: correctPatterns},
			{Name: "dictionary", Apply: correctGeneralWords},
			{Name: "date", Apply: correctDates},
			{Name: "numeric", Apply: correctNumeric},
			{Name: "locale", Apply: correctLocaleWords},
			{Name: "cleanup", Apply: cleanupText},
		},
	}
}

// Stages exposes the chain in application order.
func (c *Corrector) Stages() []CorrectionStage {
	return c.stages
}

// Correct runs the full chain over text. The returned confidence is
// never below the input confidence and never above 1.
func (c *Corrector) Correct(text string, confidence float64) (string, float64) {
	if confidence < 0 {
		confidence = 0
	}
	conf := confidence
	for _, stage := range c.stages {
		out := stage.Apply(text)
		if out != text {
			conf = math.Min(1.0, conf*confidenceBoost)
		}
		text = out
	}
	return text, conf
}

// --- stage 1: pattern correction -----------------------------------------

type patternRule struct {
	re          *regexp.Regexp
	replacement string
}

// Known glyph-confusion artifacts observed in scanned French
// publications. Specific rules come before the general ones they would
// otherwise shadow.
var patternRules = []patternRule{
	{regexp.MustCompile(`\bcudi\b`), "Jeudi"},
	{regexp.MustCompile(`\bcudl\b`), "Jeudi"},
	{regexp.MustCompile(`\beudi\b`), "Jeudi"},
	{regexp.MustCompile(`\btol\s+N°`), "LOI N°"},
	{regexp.MustCompile(`\bou\s+(\d{1,2})\s+(JANVIER|FÉVRIER|MARS|AVRIL|MAI|JUIN|JUILLET|AOÛT|SEPTEMBRE|OCTOBRE|NOVEMBRE|DÉCEMBRE)\b`), "DU $1 $2"},
	{regexp.MustCompile(`\b[BM]\s+Pérode\b`), "BB Période"},
	{regexp.MustCompile(`\bPérode\b`), "Période"},
	{regexp.MustCompile(`\blus\s+d'infos\b`), "plus d'infos"},
	{regexp.MustCompile(`\blus\s+d'fos\b`), "plus d'infos"},
	{regexp.MustCompile(`\bplus\s+d'fos\b`), "plus d'infos"},
	{regexp.MustCompile(`\bd'fos\b`), "d'infos"},
	{regexp.MustCompile(`\bJOURNAL\s+OFFICIEL\s+REPUBLIQUE\b`), "JOURNAL OFFICIEL\nDE LA\nREPUBLIQUE"},
}

func correctPatterns(text string) string {
	for _, rule := range patternRules {
		text = rule.re.ReplaceAllString(text, rule.replacement)
	}
	return text
}

// --- stage 2: whole-word dictionary correction ----------------------------

func correctGeneralWords(text string) string {
	return correctWithDictionary(text, generalDictionary)
}

// --- stage 3: contextual date correction ----------------------------------

var frenchMonths = map[string]time.Month{
	"janvier": time.January, "février": time.February, "mars": time.March,
	"avril": time.April, "mai": time.May, "juin": time.June,
	"juillet": time.July, "août": time.August, "septembre": time.September,
	"octobre": time.October, "novembre": time.November, "décembre": time.December,
}

var frenchWeekdays = map[string]time.Weekday{
	"lundi": time.Monday, "mardi": time.Tuesday, "mercredi": time.Wednesday,
	"jeudi": time.Thursday, "vendredi": time.Friday, "samedi": time.Saturday,
	"dimanche": time.Sunday,
}

// monthTruncations maps unambiguous OCR month fragments to the full
// month name. Fragments shared by several months are deliberately
// absent.
var monthTruncations = map[string]string{
	"mbre":   "décembre",
	"cembre": "décembre",
	"vembre": "novembre",
	"tembre": "septembre",
	"tobre":  "octobre",
	"nvier":  "janvier",
	"vrier":  "février",
	"illet":  "juillet",
}

var (
	dayMonthYearRe        = regexp.MustCompile(`\b(\d{1,2})\s+(\p{L}+)\s+(\d{4})\b`)
	weekdayDayMonthYearRe = regexp.MustCompile(`\b(\p{L}+)\s+(\d{1,2})\s+(\p{L}+)\s+(\d{4})\b`)
)

// correctDates reconstructs garbled calendar expressions in two passes:
// truncated month names are completed from the truncation table, then a
// day that contradicts a leading weekday name is repaired when exactly
// one day of that month starts with the recognized digits and falls on
// that weekday.
func correctDates(text string) string {
	text = dayMonthYearRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := dayMonthYearRe.FindStringSubmatch(match)
		monthToken := strings.ToLower(parts[2])
		if _, ok := frenchMonths[monthToken]; ok {
			return match
		}
		full, ok := monthTruncations[monthToken]
		if !ok {
			return match
		}
		return fmt.Sprintf("%s %s %s", parts[1], full, parts[3])
	})

	text = weekdayDayMonthYearRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := weekdayDayMonthYearRe.FindStringSubmatch(match)
		weekday, ok := frenchWeekdays[strings.ToLower(parts[1])]
		if !ok {
			return match
		}
		month, ok := frenchMonths[strings.ToLower(parts[3])]
		if !ok {
			return match
		}
		day, err := strconv.Atoi(parts[2])
		if err != nil {
			return match
		}
		year, err := strconv.Atoi(parts[4])
		if err != nil {
			return match
		}

		last := daysIn(year, month)
		if day >= 1 && day <= last {
			actual := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Weekday()
			if actual == weekday {
				return match
			}
		}

		candidate := 0
		for d := 1; d <= last; d++ {
			if time.Date(year, month, d, 0, 0, 0, 0, time.UTC).Weekday() != weekday {
				continue
			}
			if !strings.HasPrefix(strconv.Itoa(d), parts[2]) {
				continue
			}
			if candidate != 0 {
				return match
			}
			candidate = d
		}
		if candidate == 0 {
			return match
		}
		return fmt.Sprintf("%s %d %s %s", parts[1], candidate, parts[3], parts[4])
	})

	return text
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// --- stage 4: numeric correction ------------------------------------------

var (
	numericTokenRe = regexp.MustCompile(`\b[0-9OoIl]+\b`)
	digitRe        = regexp.MustCompile(`[0-9]`)
	spacedYearRe   = regexp.MustCompile(`\b(\d) (\d) (\d) (\d)\b`)
)

var digitConfusions = strings.NewReplacer("O", "0", "o", "0", "l", "1", "I", "1")

// correctNumeric fixes letter/digit confusions inside tokens that are
// otherwise numeric and rejoins year digits split by stray spaces.
func correctNumeric(text string) string {
	text = numericTokenRe.ReplaceAllStringFunc(text, func(token string) string {
		if !digitRe.MatchString(token) {
			return token
		}
		return digitConfusions.Replace(token)
	})
	return spacedYearRe.ReplaceAllString(text, "$1$2$3$4")
}

// --- stage 5: locale word correction ---------------------------------------

func correctLocaleWords(text string) string {
	return correctWithDictionary(text, localeDictionary)
}

// --- stage 6: final cleanup -------------------------------------------------

var (
	controlCharRe = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	lineSpaceRe   = regexp.MustCompile(`[ \t]+`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

func cleanupText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = controlCharRe.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(lineSpaceRe.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
