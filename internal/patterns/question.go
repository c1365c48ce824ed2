package patterns

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// QuestionKey normalizes a question for upsert keys: NFKC, case folding,
// collapsed whitespace and no trailing sentence punctuation.
func QuestionKey(question string) string {
	folded := cases.Fold().String(norm.NFKC.String(question))
	key := strings.Join(strings.Fields(folded), " ")
	return strings.TrimRight(key, "?!. ")
}
