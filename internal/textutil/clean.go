// Package textutil normalizes chapter text before it reaches the speech
// dependency.
package textutil

import (
	"strings"
	"unicode"
)

// Clean collapses runs of whitespace into single spaces and strips control
// and other characters the synthesis engine cannot voice. The result is
// trimmed; an empty result means the chapter has nothing to narrate.
func Clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsControl(r), !unicode.IsPrint(r):
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// WordCount counts whitespace-separated words in already-cleaned text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// EstimateDuration approximates narration length in seconds from word count
// at a typical 150 words-per-minute reading pace. Used when the speech
// dependency does not report a duration.
func EstimateDuration(text string) float64 {
	words := WordCount(text)
	if words == 0 {
		return 0
	}
	return float64(words) / 150.0 * 60.0
}
