/**
 * Text enrichment
 *
 * Annotates text blocks with entities, relations, key phrases and a
 * relevance score. Entity extraction is rule-based: a fixed table of
 * patterns tuned for French administrative documents, applied in
 * priority order with overlap suppression. Input blocks are never
 * mutated; every block in yields exactly one enriched block out.
 */

package enrich

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/logging"
)

// Entity labels produced by the rule table.
const (
	EntityDate    = "DATE"
	EntityMoney   = "MONEY"
	EntityPercent = "PERCENT"
	EntityEmail   = "EMAIL"
	EntityPhone   = "PHONE"
	EntityOrg     = "ORG"
	EntityPerson  = "PERSON"
	EntityLoc     = "LOC"
)

// relationMaxGap is the character distance under which two entities in
// the same block are considered related.
const relationMaxGap = 50

const maxKeyPhrases = 5

type entityRule struct {
	label      string
	re         *regexp.Regexp
	group      int
	confidence float64
}

// Rules run in order; later rules cannot claim text ranges already
// taken by earlier ones.
var entityRules = []entityRule{
	{EntityEmail, regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`), 0, 0.95},
	{EntityDate, regexp.MustCompile(`(?i)\b\d{1,2}(?:er)?\s+(?:janvier|février|mars|avril|mai|juin|juillet|août|septembre|octobre|novembre|décembre)\s+\d{4}\b`), 0, 0.9},
	{EntityDate, regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`), 0, 0.9},
	{EntityDate, regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`), 0, 0.85},
	{EntityMoney, regexp.MustCompile(`\b\d+(?:[ .]\d{3})*(?:,\d+)?\s*(?:€|EUR\b|euros?\b)`), 0, 0.9},
	{EntityPercent, regexp.MustCompile(`\b\d+(?:[.,]\d+)?\s?%`), 0, 0.9},
	{EntityPhone, regexp.MustCompile(`(?:\+33\s?[1-9]|\b0\d)(?:[ .-]?\d{2}){4}\b`), 0, 0.85},
	{EntityOrg, regexp.MustCompile(`\b\p{Lu}[\p{L}\d&'-]*(?:\s+\p{Lu}[\p{L}\d&'-]*)*\s+(?:SA|SAS|SASU|SARL|EURL|SCI)\b`), 0, 0.7},
	{EntityOrg, regexp.MustCompile(`\bMinistère\s+(?:de\s+la\s+|de\s+l'|du\s+|des\s+|de\s+)\p{Lu}[\p{L}-]*`), 0, 0.7},
	{EntityPerson, regexp.MustCompile(`\b(?:M\.|Mme|Mlle|Monsieur|Madame|Docteur|Maître)\s+(\p{Lu}[\p{L}'-]+(?:\s+\p{Lu}[\p{L}'-]+)?)`), 1, 0.7},
	// \b is ASCII-only in RE2 and never fires before "à", so the left
	// boundary is an explicit non-letter.
	{EntityLoc, regexp.MustCompile(`(?:^|[^\p{L}])(?:à|en)\s+(\p{Lu}[\p{L}-]{2,})`), 1, 0.5},
}

// labelWeights feed the relevance score: amounts and dates make a block
// more interesting than a place name.
var labelWeights = map[string]float64{
	EntityMoney:   1.0,
	EntityDate:    0.9,
	EntityPerson:  0.8,
	EntityOrg:     0.8,
	EntityPhone:   0.7,
	EntityEmail:   0.7,
	EntityPercent: 0.6,
	EntityLoc:     0.4,
}

// Enricher annotates extracted text blocks.
type Enricher struct {
	logger *logging.Logger
}

func NewEnricher(logger *logging.Logger) *Enricher {
	if logger == nil {
		logger = logging.NewLogger("enrich")
	}
	return &Enricher{logger: logger}
}

// Enrich annotates every block. The output is 1:1 with the input: a
// block without any signal still comes back, with zero annotations.
func (e *Enricher) Enrich(ctx context.Context, blocks []domain.TextBlock) ([]domain.EnrichedTextBlock, error) {
	out := make([]domain.EnrichedTextBlock, 0, len(blocks))
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entities := ExtractEntities(block.Text)
		enriched := domain.EnrichedTextBlock{
			TextBlock:  block,
			Entities:   entities,
			Relations:  relateByProximity(entities),
			KeyPhrases: keyPhrases(block.Text),
			Relevance:  relevanceScore(block.Text, entities),
		}
		out = append(out, enriched)
	}

	e.logger.Debug("enrichment complete", "blocks", len(out))
	return out, nil
}

// ExtractEntities runs the rule table over one text. Matches that
// overlap an earlier rule's claim are dropped.
func ExtractEntities(text string) []domain.Entity {
	if text == "" {
		return nil
	}

	var entities []domain.Entity
	type span struct{ start, end int }
	var claimed []span

	overlaps := func(start, end int) bool {
		for _, s := range claimed {
			if start < s.end && end > s.start {
				return true
			}
		}
		return false
	}

	for _, rule := range entityRules {
		for _, m := range rule.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			valueStart, valueEnd := start, end
			if rule.group > 0 && 2*rule.group+1 < len(m) && m[2*rule.group] >= 0 {
				valueStart, valueEnd = m[2*rule.group], m[2*rule.group+1]
			}
			if overlaps(start, end) {
				continue
			}
			claimed = append(claimed, span{start, end})
			entities = append(entities, domain.Entity{
				Type:       rule.label,
				Value:      text[valueStart:valueEnd],
				Start:      valueStart,
				End:        valueEnd,
				Confidence: rule.confidence,
			})
		}
	}

	sort.SliceStable(entities, func(i, j int) bool { return entities[i].Start < entities[j].Start })
	return entities
}

// relateByProximity links entities whose text positions are close.
// Entities are position-sorted, so the scan can stop as soon as the gap
// exceeds the limit.
func relateByProximity(entities []domain.Entity) []domain.Relation {
	var relations []domain.Relation
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			gap := entities[j].Start - entities[i].End
			if gap >= relationMaxGap {
				break
			}
			relations = append(relations, domain.Relation{
				FromValue: entities[i].Value,
				ToValue:   entities[j].Value,
				Type:      "NEAR",
			})
		}
	}
	return relations
}

// phraseWordRe matches a single word for key-phrase candidates.
var phraseWordRe = regexp.MustCompile(`\p{L}[\p{L}'-]*`)

// keyPhrases returns up to five recurring capitalized 2-3 word phrases.
// Lowercase linking words may appear inside a phrase but never at its
// edges.
func keyPhrases(text string) []string {
	words := phraseWordRe.FindAllString(text, -1)
	if len(words) < 2 {
		return nil
	}

	linking := map[string]bool{
		"de": true, "du": true, "des": true, "la": true, "le": true,
		"les": true, "d'": true, "l'": true, "et": true, "of": true, "the": true,
	}
	isCap := func(w string) bool {
		r, _ := utf8.DecodeRuneInString(w)
		return unicode.IsUpper(r) && utf8.RuneCountInString(w) >= 3
	}

	counts := map[string]int{}
	for n := 2; n <= 3; n++ {
		for i := 0; i+n <= len(words); i++ {
			gram := words[i : i+n]
			if !isCap(gram[0]) || !isCap(gram[n-1]) {
				continue
			}
			valid := true
			for _, w := range gram[1 : n-1] {
				if !isCap(w) && !linking[strings.ToLower(w)] {
					valid = false
					break
				}
			}
			if !valid {
				continue
			}
			counts[strings.Join(gram, " ")]++
		}
	}

	var phrases []string
	for phrase, count := range counts {
		if count >= 2 {
			phrases = append(phrases, phrase)
		}
	}
	sort.Slice(phrases, func(i, j int) bool {
		if counts[phrases[i]] != counts[phrases[j]] {
			return counts[phrases[i]] > counts[phrases[j]]
		}
		if len(phrases[i]) != len(phrases[j]) {
			return len(phrases[i]) > len(phrases[j])
		}
		return phrases[i] < phrases[j]
	})
	if len(phrases) > maxKeyPhrases {
		phrases = phrases[:maxKeyPhrases]
	}
	return phrases
}

// relevanceScore combines how much of the text entities cover with how
// interesting their labels are. Result is clamped to [0, 1].
func relevanceScore(text string, entities []domain.Entity) float64 {
	if len(entities) == 0 || len(text) == 0 {
		return 0
	}

	covered := 0
	weightSum := 0.0
	for _, e := range entities {
		covered += e.End - e.Start
		weightSum += labelWeights[e.Type]
	}

	coverage := float64(covered) / float64(len(text))
	if coverage > 1 {
		coverage = 1
	}
	meanWeight := weightSum / float64(len(entities))

	score := 0.5*coverage + 0.5*meanWeight
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
