package ocr

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// General-purpose dictionary used by the whole-word correction stage:
// French weekdays, months and frequent document vocabulary.
var generalDictionary = []string{
	"Lundi", "Mardi", "Mercredi", "Jeudi", "Vendredi", "Samedi", "Dimanche",
	"janvier", "février", "mars", "avril", "juin",
	"juillet", "août", "septembre", "octobre", "novembre", "décembre",
	"Madame", "Monsieur", "Bonjour", "Merci",
	"document", "page", "date", "numéro", "adresse", "téléphone",
	"montant", "total", "facture", "référence", "objet", "signature",
}

// Locale dictionary for the lower-priority pass: terms specific to
// official French publications that the general pass does not cover.
var localeDictionary = []string{
	"RÉPUBLIQUE", "FRANÇAISE", "JOURNAL", "OFFICIEL",
	"DÉCRET", "ARRÊTÉ", "MINISTÈRE", "ARTICLE",
	"Période", "infos", "Liberté", "Égalité", "Fraternité",
}

var wordTokenRe = regexp.MustCompile(`\p{L}+`)

// Tokens below this length are never corrected. Short French words sit
// one edit apart from each other far too often for distance matching to
// be safe on them.
const minCorrectableLength = 5

// correctWithDictionary replaces tokens with their unique nearest
// dictionary entry. A token that already is a dictionary entry is never
// touched, which makes the pass idempotent.
func correctWithDictionary(text string, dict []string) string {
	return wordTokenRe.ReplaceAllStringFunc(text, func(token string) string {
		if utf8.RuneCountInString(token) < minCorrectableLength {
			return token
		}
		entry, ok := nearestEntry(token, dict)
		if !ok {
			return token
		}
		return transferCase(token, entry)
	})
}

// nearestEntry finds the unique dictionary entry within the edit
// distance threshold for the token length. It reports false when the
// token already matches an entry, when nothing is close enough, or when
// the nearest match is ambiguous.
func nearestEntry(token string, dict []string) (string, bool) {
	lower := strings.ToLower(token)
	threshold := 2
	if utf8.RuneCountInString(token) <= 6 {
		threshold = 1
	}

	best := threshold + 1
	count := 0
	var match string
	for _, entry := range dict {
		entryLower := strings.ToLower(entry)
		if entryLower == lower {
			return "", false
		}
		d := levenshtein([]rune(lower), []rune(entryLower))
		if d < best {
			best = d
			count = 1
			match = entry
		} else if d == best {
			count++
		}
	}
	if best <= threshold && count == 1 {
		return match, true
	}
	return "", false
}

// transferCase reshapes the replacement to follow the source token's
// casing: all-caps stays all-caps, a lowercase start lowercases the
// replacement's first rune.
func transferCase(source, replacement string) string {
	if source == strings.ToUpper(source) && source != strings.ToLower(source) {
		return strings.ToUpper(replacement)
	}
	first, size := utf8.DecodeRuneInString(source)
	if size > 0 && unicode.IsLower(first) {
		r, n := utf8.DecodeRuneInString(replacement)
		if n > 0 {
			return string(unicode.ToLower(r)) + replacement[n:]
		}
	}
	return replacement
}

// levenshtein computes the edit distance between two rune slices with
// the classic two-row dynamic program.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
