// Package chunker splits the knowledge base text into overlapping segments
// small enough to embed and retrieve individually.
//
// The text is first cut on a preferred separator (a newline by default). The
// pieces are then merged greedily into chunks no longer than ChunkSize, and
// each new chunk starts with the trailing pieces of the previous one, up to
// ChunkOverlap characters. A single piece longer than ChunkSize is cut into
// fixed windows instead. All lengths count Unicode code points.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/54b3r/stevie-go/internal/rag"
)

const (
	// DefaultChunkSize is the maximum chunk length in characters.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is the maximum overlap between consecutive chunks.
	DefaultChunkOverlap = 200
	// DefaultSeparator is the preferred break point.
	DefaultSeparator = "\n"
)

// Splitter splits text into chunks. The zero value is not usable; build one
// with New.
type Splitter struct {
	chunkSize    int
	chunkOverlap int
	separator    string
}

// New returns a Splitter after checking that size is positive and that the
// overlap is non-negative and smaller than size.
func New(chunkSize, chunkOverlap int, separator string) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunker: %w: chunk size must be positive, got %d", rag.ErrConfiguration, chunkSize)
	}
	if chunkOverlap < 0 {
		return nil, fmt.Errorf("chunker: %w: chunk overlap must not be negative, got %d", rag.ErrConfiguration, chunkOverlap)
	}
	if chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunker: %w: chunk overlap %d must be smaller than chunk size %d", rag.ErrConfiguration, chunkOverlap, chunkSize)
	}
	return &Splitter{chunkSize: chunkSize, chunkOverlap: chunkOverlap, separator: separator}, nil
}

// ChunkSize returns the configured maximum chunk length.
func (s *Splitter) ChunkSize() int { return s.chunkSize }

// ChunkOverlap returns the configured maximum overlap.
func (s *Splitter) ChunkOverlap() int { return s.chunkOverlap }

// Split returns the ordered chunks of text. Empty text yields no chunks and
// text that already fits yields exactly one chunk equal to the input.
func (s *Splitter) Split(text string) []string {
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= s.chunkSize {
		return []string{text}
	}

	var pieces []string
	for _, p := range s.splitOnSeparator(text) {
		if p == "" {
			continue
		}
		if utf8.RuneCountInString(p) > s.chunkSize {
			pieces = append(pieces, s.window(p)...)
			continue
		}
		pieces = append(pieces, p)
	}
	return s.merge(pieces)
}

func (s *Splitter) splitOnSeparator(text string) []string {
	if s.separator == "" {
		out := make([]string, 0, len(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	return strings.Split(text, s.separator)
}

// window hard-cuts an oversize piece into chunkSize windows that advance by
// chunkSize-chunkOverlap, so consecutive windows share exactly chunkOverlap
// characters.
func (s *Splitter) window(piece string) []string {
	runes := []rune(piece)
	step := s.chunkSize - s.chunkOverlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := min(start+s.chunkSize, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// merge packs pieces into chunks joined by the separator.
func (s *Splitter) merge(pieces []string) []string {
	sepLen := utf8.RuneCountInString(s.separator)

	var (
		chunks  []string
		current []string
		lengths []int
		total   int
	)
	// joinCost is the separator length paid when appending to a non-empty chunk.
	joinCost := func() int {
		if len(current) > 0 {
			return sepLen
		}
		return 0
	}

	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if total+n+joinCost() > s.chunkSize && len(current) > 0 {
			if c := s.join(current); c != "" {
				chunks = append(chunks, c)
			}
			// Keep a tail no longer than the overlap that still leaves room for p.
			for len(current) > 0 && (total > s.chunkOverlap || total+n+joinCost() > s.chunkSize) {
				drop := lengths[0]
				if len(current) > 1 {
					drop += sepLen
				}
				total -= drop
				current = current[1:]
				lengths = lengths[1:]
			}
		}
		total += n + joinCost()
		current = append(current, p)
		lengths = append(lengths, n)
	}
	if c := s.join(current); c != "" {
		chunks = append(chunks, c)
	}
	return chunks
}

func (s *Splitter) join(pieces []string) string {
	return strings.TrimSpace(strings.Join(pieces, s.separator))
}
