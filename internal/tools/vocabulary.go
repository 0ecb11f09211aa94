package tools

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultSimilarity is the minimum similarity for a "did you mean" reply.
const DefaultSimilarity = 0.6

// Verdict is the outcome of checking one value against a vocabulary.
type Verdict struct {
	OK         bool   // proceed with Value
	Value      string // canonical spelling when OK
	Suggestion string // closest entry when a near miss
	Message    string // clarification text when !OK
}

// Vocabulary is one named list of allowed values (e.g. suppliers).
type Vocabulary struct {
	Label     string // shown in clarification messages
	Values    []string
	Threshold float64
}

func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// similarity is 1 - distance/longest over runes, in [0,1].
func similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// Check validates value. An empty value or an empty vocabulary passes
// through unchanged. An exact case-insensitive match returns the canonical
// entry. Anything else is rejected with a clarification: a suggestion when
// the closest entry reaches Threshold, otherwise the full option list.
func (v Vocabulary) Check(value string) Verdict {
	value = strings.TrimSpace(value)
	if value == "" || len(v.Values) == 0 {
		return Verdict{OK: true, Value: value}
	}

	threshold := v.Threshold
	if threshold <= 0 {
		threshold = DefaultSimilarity
	}

	want := fold(value)
	best, bestScore := "", -1.0
	for _, opt := range v.Values {
		f := fold(opt)
		if f == want {
			return Verdict{OK: true, Value: opt}
		}
		if s := similarity(want, f); s > bestScore {
			best, bestScore = opt, s
		}
	}

	if bestScore >= threshold {
		return Verdict{Suggestion: best, Message: fmt.Sprintf("התכוונת ל-%s?", best)}
	}
	return Verdict{Message: fmt.Sprintf("%s \"%s\" לא נמצא ברשימה. האפשרויות הזמינות: %s",
		v.Label, value, strings.Join(v.Values, ", "))}
}
