package search

import (
	"strings"
	"unicode"
)

// tokenize lower-cases s and splits it on anything that is not a letter or
// digit, like the standard analyzer.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !isTokenRune(r) })
}

// autoFuzziness mirrors Elasticsearch's AUTO: exact for one or two runes,
// one edit up to five, two beyond.
func autoFuzziness(term string) int {
	switch n := len([]rune(term)); {
	case n <= 2:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}

// levenshtein returns the edit distance between a and b, giving up with
// max+1 once the distance is known to exceed max.
func levenshtein(a, b string, max int) int {
	ra, rb := []rune(a), []rune(b)
	if d := len(ra) - len(rb); d > max || -d > max {
		return max + 1
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			rowMin = min(rowMin, cur[j])
		}
		if rowMin > max {
			return max + 1
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// termScore is 1 for an exact token match, a reduced score for a match
// within the allowed edit distance, 0 otherwise.
func termScore(term, token string) float64 {
	if term == token {
		return 1
	}
	fz := autoFuzziness(term)
	if fz == 0 {
		return 0
	}
	if d := levenshtein(term, token, fz); d <= fz {
		return 1 - float64(d)/float64(len([]rune(term))+1)
	}
	return 0
}

func isTokenRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
