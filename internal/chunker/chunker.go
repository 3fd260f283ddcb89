// Package chunker splits document text into overlapping windows for
// embedding. Splitting is greedy and boundary-aware: it prefers to break
// at paragraph boundaries, then sentence boundaries, and only hard-cuts
// when no boundary falls inside the window.
package chunker

import (
	"strings"
	"unicode"
)

// Split divides text into windows of at most size characters, with
// overlap characters shared between consecutive windows, in original
// document order. Empty or whitespace-only input yields no windows,
// which downstream stages treat as "nothing to index".
//
// Overlap must be smaller than size; values outside that range are
// clamped so Split always makes forward progress.
func Split(text string, size, overlap int) []string {
	if size <= 0 {
		size = 1
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{strings.TrimSpace(text)}
	}

	var windows []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			if w := strings.TrimSpace(string(runes[start:])); w != "" {
				windows = append(windows, w)
			}
			break
		}

		cut := breakPoint(runes, start, end)
		if w := strings.TrimSpace(string(runes[start:cut])); w != "" {
			windows = append(windows, w)
		}

		next := cut - overlap
		if next <= start {
			// Overlap swallowed the whole window; step past it instead
			// of looping forever.
			next = cut
		}
		start = next
	}

	return windows
}

// breakPoint picks where to cut the window runes[start:end]. It scans
// backwards for a paragraph break, then a sentence end, then any
// whitespace, and falls back to the hard limit.
func breakPoint(runes []rune, start, end int) int {
	// Paragraph boundary: blank line.
	for i := end; i > start+1; i-- {
		if runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
	}

	// Sentence boundary: terminator followed by space or newline.
	for i := end; i > start+1; i-- {
		if isSentenceEnd(runes[i-2]) && unicode.IsSpace(runes[i-1]) {
			return i
		}
	}

	// Any whitespace, so words stay intact.
	for i := end; i > start; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}

	return end
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?':
		return true
	}
	return false
}
