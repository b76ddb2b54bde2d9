package transform

import "strings"

// Chunk splits text into segments of at most limit characters (runes).
//
// Cuts are placed at the latest boundary that keeps the segment within the
// limit, preferring a paragraph break, then a sentence end (the period stays
// with the segment), then a space, and only then a hard cut at the limit.
// Segments are trimmed and never empty.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	rest := []rune(strings.TrimSpace(text))
	if len(rest) == 0 {
		return nil
	}

	var out []string
	for len(rest) > limit {
		cut := cutPoint(rest, limit)
		if seg := strings.TrimSpace(string(rest[:cut])); seg != "" {
			out = append(out, seg)
		}
		rest = []rune(strings.TrimSpace(string(rest[cut:])))
	}
	if len(rest) > 0 {
		out = append(out, string(rest))
	}
	return out
}

var (
	paragraphBreak = []rune("\n\n")
	sentenceBreak  = []rune(". ")
	wordBreak      = []rune(" ")
)

// cutPoint returns the rune index at which to end the next segment; the
// result is always in (0, limit].
func cutPoint(r []rune, limit int) int {
	// A boundary may start at index limit: the segment before it still fits.
	window := r
	if len(window) > limit+1 {
		window = window[:limit+1]
	}

	if i := lastIndex(window, paragraphBreak); i > 0 {
		return i
	}
	if i := lastIndex(window, sentenceBreak); i >= 0 && i+1 <= limit {
		return i + 1
	}
	if i := lastIndex(window, wordBreak); i > 0 {
		return i
	}
	return limit
}

func lastIndex(r, sep []rune) int {
	for i := len(r) - len(sep); i >= 0; i-- {
		match := true
		for j := range sep {
			if r[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
