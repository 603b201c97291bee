package session

import "slices"

const (
	DefaultActionMaxDistance = 3
	DefaultFallbackAction    = "idle"
)

// ActionMatcher maps a generated action label onto the chat's vocabulary.
type ActionMatcher struct {
	MaxDistance int
	// Fallback is returned when nothing is close enough. It is not checked
	// against the vocabulary.
	Fallback string
}

// Match returns the vocabulary entry for label. approximated is true when the
// label was not an exact member.
func (m ActionMatcher) Match(label string, vocabulary []string) (action string, approximated bool) {
	if slices.Contains(vocabulary, label) {
		return label, false
	}
	best, bestDistance := "", -1
	for _, candidate := range vocabulary {
		d := levenshtein(label, candidate)
		if d <= m.MaxDistance && (bestDistance < 0 || d < bestDistance) {
			best, bestDistance = candidate, d
		}
	}
	if bestDistance < 0 {
		return m.Fallback, true
	}
	return best, true
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
