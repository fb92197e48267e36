// Package text prepares extracted document text for synthesis.
package text

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the chunk bound used when callers do not pick one.
const DefaultMaxChars = 500

// ErrInvalidMaxChars is returned by Split when maxChars < 1.
var ErrInvalidMaxChars = errors.New("max chars must be >= 1")

// JoinPages concatenates page texts in order. No separator is inserted;
// whitespace at page boundaries is whatever the extractor produced.
func JoinPages(pages []string) string {
	return strings.Join(pages, "")
}

// Normalize collapses every run of whitespace to a single ASCII space and
// trims the ends.
func Normalize(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// Split cuts text into consecutive chunks of exactly maxChars characters,
// the last one possibly shorter. Characters are counted as runes, so a chunk
// may end mid-word but never mid-codepoint. Concatenating the result yields
// text unchanged.
func Split(text string, maxChars int) ([]string, error) {
	if maxChars < 1 {
		return nil, ErrInvalidMaxChars
	}
	if text == "" {
		return nil, nil
	}
	chunks := make([]string, 0, utf8.RuneCountInString(text)/maxChars+1)
	start, count := 0, 0
	for i := range text {
		if count == maxChars {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(chunks, text[start:]), nil
}

// Blank reports whether a chunk has nothing to speak.
func Blank(chunk string) bool {
	return strings.TrimSpace(chunk) == ""
}
