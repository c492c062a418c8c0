// Package chunk splits raw document text into overlapping segments sized for
// embedding.
//
// Splitting prefers the largest semantic boundary that still fits the chunk
// size: paragraph break, then line break, then word break, then a hard
// character cut as last resort. Consecutive chunks share an overlap-sized
// window so retrieval does not lose context at chunk edges.
package chunk

import (
	"errors"
	"fmt"
)

// ErrInvalidSplit indicates unusable chunk size/overlap values.
// Rejected at construction, never mid-ingestion.
var ErrInvalidSplit = errors.New("invalid split configuration")

// separators in priority order. The empty fallback (hard cut at the size
// limit) is implicit.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(" "),
}

// Splitter produces fixed-size overlapping chunks from document text.
// Split is a pure function of its input; a Splitter is safe for concurrent
// use.
type Splitter struct {
	size    int // maximum chunk length in characters (runes)
	overlap int // characters shared between consecutive chunks
}

// New creates a Splitter. overlap must be smaller than size or consecutive
// chunks could never advance through the text.
func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrInvalidSplit, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, size)", ErrInvalidSplit, overlap)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

// Split breaks text into chunks of at most the configured size, where each
// chunk after the first begins with the last overlap characters of its
// predecessor. Empty text yields nil; text within the size limit yields a
// single chunk.
func (s *Splitter) Split(text string) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= s.size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for {
		if len(runes)-start <= s.size {
			chunks = append(chunks, string(runes[start:]))
			return chunks
		}
		end := s.cut(runes, start)
		chunks = append(chunks, string(runes[start:end]))
		start = end - s.overlap
	}
}

// cut picks the end of the chunk starting at start. It prefers the last
// separator boundary inside the window, walking down the separator priority
// list; any boundary must leave the next start strictly past the current one
// or the walk would never terminate. Falls back to a hard cut at the size
// limit.
func (s *Splitter) cut(runes []rune, start int) int {
	limit := start + s.size
	floor := start + s.overlap + 1 // smallest end that still advances

	for _, sep := range separators {
		if i := lastIndexRunes(runes[start:limit], sep); i >= 0 {
			end := start + i + len(sep)
			if end >= floor {
				return end
			}
		}
	}
	return limit
}

// lastIndexRunes returns the index of the last occurrence of sep in window,
// or -1 if absent.
func lastIndexRunes(window, sep []rune) int {
	for i := len(window) - len(sep); i >= 0; i-- {
		match := true
		for j := range sep {
			if window[i+j] != sep[j] {
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
