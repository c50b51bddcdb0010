// Package knowledge runs the knowledge base pipeline that prepares Stevie
// for questions: documents are extracted into raw text, the text is chunked,
// and the chunks are embedded into a read-only similarity index.
// It is invoked by `stevie ask`, `stevie chat`, `stevie serve` and, without
// the embedding step, by `stevie chunks`.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/stevie-go/internal/chunker"
	"github.com/54b3r/stevie-go/internal/extract"
	"github.com/54b3r/stevie-go/internal/logging"
	"github.com/54b3r/stevie-go/internal/rag"
)

// DefaultDocuments are the resume and leadership brand PDFs read when
// STEVIE_DOCUMENTS is not set.
var DefaultDocuments = []string{
	"./assets/Resume.pdf",
	"./assets/Personal_Leadership_Brand.pdf",
}

// Settings configures the pipeline.
type Settings struct {
	// Documents are the source files, read in order.
	Documents []string

	// ChunkSize is the maximum chunk length in characters.
	ChunkSize int

	// ChunkOverlap is the maximum overlap between consecutive chunks.
	ChunkOverlap int

	// Separator is the preferred break point between chunks.
	Separator string

	// Normalize enables Unicode NFKC and whitespace folding on extracted text.
	Normalize bool

	// TopK is the default number of chunks retrieved per question.
	TopK int

	// BatchSize is the number of chunks sent per embedding request.
	BatchSize int

	// Source labels the indexed chunks.
	Source string
}

// DefaultSettings returns the pipeline defaults.
func DefaultSettings() Settings {
	return Settings{
		Documents:    append([]string(nil), DefaultDocuments...),
		ChunkSize:    chunker.DefaultChunkSize,
		ChunkOverlap: chunker.DefaultChunkOverlap,
		Separator:    chunker.DefaultSeparator,
		TopK:         rag.DefaultTopK,
		BatchSize:    rag.DefaultBatchSize,
		Source:       "resume",
	}
}

// SettingsFromEnv overlays environment variables on DefaultSettings:
//
//	STEVIE_DOCUMENTS   comma-separated file list
//	CHUNK_SIZE         default 1000
//	CHUNK_OVERLAP      default 200
//	CHUNK_SEPARATOR    default "\n" (Go escape sequences are interpreted)
//	NORMALIZE_TEXT     default false
//	RETRIEVAL_TOP_K    default 4
//	EMBEDDING_BATCH    default 64
//
// Malformed numbers are reported rather than silently replaced.
func SettingsFromEnv() (Settings, error) {
	s := DefaultSettings()

	if v := os.Getenv("STEVIE_DOCUMENTS"); v != "" {
		s.Documents = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				s.Documents = append(s.Documents, p)
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CHUNK_SIZE", &s.ChunkSize},
		{"CHUNK_OVERLAP", &s.ChunkOverlap},
		{"RETRIEVAL_TOP_K", &s.TopK},
		{"EMBEDDING_BATCH", &s.BatchSize},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, fmt.Errorf("knowledge: %w: %s=%q is not an integer", rag.ErrConfiguration, i.key, v)
		}
		*i.dst = n
	}

	if v := os.Getenv("CHUNK_SEPARATOR"); v != "" {
		s.Separator = UnescapeSeparator(v)
	}
	if v := os.Getenv("NORMALIZE_TEXT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Settings{}, fmt.Errorf("knowledge: %w: NORMALIZE_TEXT=%q is not a boolean", rag.ErrConfiguration, v)
		}
		s.Normalize = b
	}
	return s, nil
}

// UnescapeSeparator interprets Go escape sequences such as `\n` or `\t`,
// so separators can be written in YAML and env vars. Values that do not
// parse are used verbatim.
func UnescapeSeparator(v string) string {
	if u, err := strconv.Unquote(`"` + v + `"`); err == nil {
		return u
	}
	return v
}

// Validate checks the settings before any document is read.
func (s Settings) Validate() error {
	if len(s.Documents) == 0 {
		return fmt.Errorf("knowledge: %w: no documents configured (set STEVIE_DOCUMENTS)", rag.ErrConfiguration)
	}
	if _, err := chunker.New(s.ChunkSize, s.ChunkOverlap, s.Separator); err != nil {
		return err
	}
	if s.TopK <= 0 {
		return fmt.Errorf("knowledge: %w: RETRIEVAL_TOP_K must be positive, got %d", rag.ErrConfiguration, s.TopK)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("knowledge: %w: EMBEDDING_BATCH must be positive, got %d", rag.ErrConfiguration, s.BatchSize)
	}
	return nil
}

// Stats summarises a pipeline run.
type Stats struct {
	Documents  int
	Characters int
	Chunks     int
	// LongestChunk is the longest chunk in characters.
	LongestChunk int
	Duration     time.Duration
}

// Prepare extracts and chunks the documents without contacting any provider.
// A document set that yields no text is a configuration error.
func Prepare(ctx context.Context, s Settings) ([]string, Stats, error) {
	start := time.Now()
	if err := s.Validate(); err != nil {
		return nil, Stats{}, err
	}

	ex := extract.New(extract.WithNormalize(s.Normalize))
	raw, err := ex.Extract(ctx, extract.Sources(s.Documents...))
	if err != nil {
		return nil, Stats{}, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, Stats{}, fmt.Errorf("knowledge: %w: documents produced no text", rag.ErrConfiguration)
	}

	sp, err := chunker.New(s.ChunkSize, s.ChunkOverlap, s.Separator)
	if err != nil {
		return nil, Stats{}, err
	}
	chunks := sp.Split(raw)

	stats := Stats{
		Documents:  len(s.Documents),
		Characters: len([]rune(raw)),
		Chunks:     len(chunks),
		Duration:   time.Since(start),
	}
	for _, c := range chunks {
		stats.LongestChunk = max(stats.LongestChunk, len([]rune(c)))
	}

	logging.FromContext(ctx).Info("knowledge: documents chunked",
		slog.Int("documents", stats.Documents),
		slog.Int("characters", stats.Characters),
		slog.Int("chunks", stats.Chunks),
	)
	return chunks, stats, nil
}

// Build runs the full pipeline and returns the index. progress, when not nil,
// receives the number of embedded chunks after every batch.
func Build(ctx context.Context, s Settings, emb rag.Embedder, store rag.VectorStore, progress func(done, total int)) (*rag.Index, Stats, error) {
	start := time.Now()
	chunks, stats, err := Prepare(ctx, s)
	if err != nil {
		return nil, Stats{}, err
	}

	idx, err := rag.BuildIndex(ctx, chunks, rag.IndexConfig{
		Embedder:  emb,
		Store:     store,
		TopK:      s.TopK,
		BatchSize: s.BatchSize,
		Source:    s.Source,
		Progress:  progress,
	})
	if err != nil {
		return nil, Stats{}, err
	}
	stats.Duration = time.Since(start)
	return idx, stats, nil
}
