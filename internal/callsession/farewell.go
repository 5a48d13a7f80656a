package callsession

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// DefaultFarewellPhrases are matched against agent replies to detect that the
// conversation is being closed.
var DefaultFarewellPhrases = []string{
	"bye", "goodbye", "good bye", "bye bye",
	"take care", "have a good day", "have a nice day", "have a great day",
	"talk to you later", "see you",
	"thank you for contacting", "thanks for calling", "feel free to call back",
	"end the call", "end call", "hang up",
}

// DefaultFarewellThreshold is the minimum Jaro-Winkler similarity for a fuzzy
// word match.
const DefaultFarewellThreshold = 0.92

// minFuzzyLen is the shortest word that may match fuzzily. Shorter words
// such as "bye" or "you" only match exactly, otherwise "by" or "your" would.
const minFuzzyLen = 5

// closers may follow a farewell phrase at the end of a clause, as in
// "see you soon" or "thank you for contacting us".
var closers = map[string]bool{
	"us": true, "now": true, "then": true, "again": true, "today": true,
	"tonight": true, "soon": true, "later": true, "all": true, "everyone": true,
	"too": true, "so": true, "much": true, "very": true, "bye": true,
}

// maxClosers bounds the words allowed after a phrase within its clause.
const maxClosers = 2

// FarewellDetector recognises farewell phrases in generated text. Text is
// split into clauses at sentence punctuation and commas. A phrase matches
// when its words appear in order inside one clause and only closers follow
// it there. Words of [minFuzzyLen] letters or more may differ slightly.
//
// FarewellDetector is immutable and safe for concurrent use.
type FarewellDetector struct {
	phrases   [][]string
	threshold float64
}

// NewFarewellDetector compiles phrases. A threshold outside (0, 1] selects
// [DefaultFarewellThreshold]; an empty phrase list selects
// [DefaultFarewellPhrases].
func NewFarewellDetector(phrases []string, threshold float64) *FarewellDetector {
	if len(phrases) == 0 {
		phrases = DefaultFarewellPhrases
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFarewellThreshold
	}
	d := &FarewellDetector{threshold: threshold}
	for _, p := range phrases {
		if words := tokenize(p); len(words) > 0 {
			d.phrases = append(d.phrases, words)
		}
	}
	return d
}

// Match reports the first configured phrase found in text.
func (d *FarewellDetector) Match(text string) (string, bool) {
	for _, clause := range clauses(text) {
		for _, phrase := range d.phrases {
			n := len(phrase)
			for i := 0; i+n <= len(clause); i++ {
				if d.wordsMatch(clause[i:i+n], phrase) && trailsOff(clause[i+n:]) {
					return strings.Join(phrase, " "), true
				}
			}
		}
	}
	return "", false
}

func (d *FarewellDetector) wordsMatch(got, want []string) bool {
	for i, w := range want {
		g := got[i]
		if g == w {
			continue
		}
		if len(w) < minFuzzyLen || len(g) < minFuzzyLen || matchr.JaroWinkler(g, w, false) < d.threshold {
			return false
		}
	}
	return true
}

func trailsOff(rest []string) bool {
	if len(rest) > maxClosers {
		return false
	}
	for _, w := range rest {
		if !closers[w] {
			return false
		}
	}
	return true
}

// clauses splits s at sentence punctuation and commas and tokenizes each
// part. Empty clauses are dropped.
func clauses(s string) [][]string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(".!?;:,\n", r)
	})
	var out [][]string
	for _, p := range parts {
		if words := tokenize(p); len(words) > 0 {
			out = append(out, words)
		}
	}
	return out
}

// tokenize lower-cases s and splits it into words, dropping punctuation.
// Apostrophes are removed so "that's" and "thats" compare equal.
func tokenize(s string) []string {
	s = strings.ReplaceAll(strings.ToLower(s), "'", "")
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
