package retrieval

import (
	"sort"
	"strings"
	"unicode"

	"github.com/sqlrecall/sqlrecall/internal/patterns"
)

const (
	tokenWeight   = 0.7
	trigramWeight = 0.3
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "for": {}, "in": {}, "on": {}, "to": {}, "at": {},
	"by": {}, "per": {}, "each": {}, "every": {}, "with": {}, "from": {}, "and": {}, "or": {},
	"what": {}, "which": {}, "who": {}, "how": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"do": {}, "does": {}, "did": {}, "me": {}, "show": {}, "give": {}, "list": {}, "find": {},
	"get": {}, "all": {}, "our": {}, "my": {}, "please": {}, "there": {}, "be": {},
}

var abbreviations = map[string]string{
	"avg":  "average",
	"qty":  "quantity",
	"amt":  "amount",
	"num":  "number",
	"cnt":  "count",
	"pct":  "percent",
	"yr":   "year",
	"mo":   "month",
	"dept": "department",
	"rev":  "revenue",
}

// Tokens returns the sorted set of content words of a question: stop words
// dropped, abbreviations expanded and plural suffixes stripped.
func Tokens(question string) []string {
	fields := strings.FieldsFunc(patterns.QuestionKey(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if full, ok := abbreviations[field]; ok {
			field = full
		}
		if _, ok := stopWords[field]; ok {
			continue
		}
		field = singular(field)
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

// Similarity scores two questions in [0, 1]: a weighted blend of Jaccard
// overlap of content tokens and Dice overlap of character trigrams over the
// same tokens. Questions with equal keys score 1.
func Similarity(a, b string) float64 {
	keyA, keyB := patterns.QuestionKey(a), patterns.QuestionKey(b)
	if keyA == keyB {
		if keyA == "" {
			return 0
		}
		return 1
	}
	tokA, tokB := Tokens(a), Tokens(b)
	if len(tokA) == 0 || len(tokB) == 0 {
		return 0
	}
	return tokenWeight*jaccard(tokA, tokB) + trigramWeight*dice(trigrams(strings.Join(tokA, " ")), trigrams(strings.Join(tokB, " ")))
}

func singular(word string) string {
	runes := []rune(word)
	if len(runes) <= 3 {
		return word
	}
	switch {
	case strings.HasSuffix(word, "ies"):
		return strings.TrimSuffix(word, "ies") + "y"
	case strings.HasSuffix(word, "ss"), strings.HasSuffix(word, "us"):
		return word
	case strings.HasSuffix(word, "s"):
		return strings.TrimSuffix(word, "s")
	default:
		return word
	}
}

func jaccard(a, b []string) float64 {
	set := make(map[string]struct{}, len(a))
	for _, token := range a {
		set[token] = struct{}{}
	}
	shared := 0
	for _, token := range b {
		if _, ok := set[token]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func trigrams(text string) map[string]struct{} {
	runes := []rune(text)
	out := map[string]struct{}{}
	if len(runes) < 3 {
		if len(runes) > 0 {
			out[text] = struct{}{}
		}
		return out
	}
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = struct{}{}
	}
	return out
}

func dice(a, b map[string]struct{}) float64 {
	if len(a)+len(b) == 0 {
		return 0
	}
	shared := 0
	for gram := range a {
		if _, ok := b[gram]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}
