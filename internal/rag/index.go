package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/54b3r/stevie-go/internal/logging"
)

const (
	// DefaultTopK is the number of chunks retrieved per question.
	DefaultTopK = 4

	// DefaultBatchSize bounds the number of chunks sent per embedding call.
	DefaultBatchSize = 64
)

// IndexConfig configures BuildIndex.
type IndexConfig struct {
	// Embedder turns chunks and queries into vectors. Required.
	Embedder Embedder

	// Store receives the chunk vectors. Required.
	Store VectorStore

	// TopK is the default retrieval depth. Zero selects DefaultTopK.
	TopK int

	// BatchSize is the number of chunks per Embed call. Zero selects DefaultBatchSize.
	BatchSize int

	// Source labels every indexed chunk, e.g. "resume".
	Source string

	// Progress, when set, is called after every embedded batch.
	Progress func(done, total int)
}

// Index is the read-only similarity index over the knowledge base chunks.
// It is built once by BuildIndex and is safe for concurrent queries.
type Index struct {
	embedder Embedder
	store    VectorStore
	topK     int
	size     int
	dims     int
}

// BuildIndex embeds every chunk with the configured provider and writes the
// vectors to the store. Chunks are embedded fully before the store is touched,
// so an embedding failure leaves the previous store contents in place and no
// partially populated index is returned.
func BuildIndex(ctx context.Context, chunks []string, cfg IndexConfig) (*Index, error) {
	if cfg.Embedder == nil || cfg.Store == nil {
		return nil, fmt.Errorf("index: %w: embedder and store are required", ErrConfiguration)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("index: %w: no chunks to index", ErrConfiguration)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	log := logging.FromContext(ctx)
	log.Info("index: embedding chunks", slog.Int("chunks", len(chunks)), slog.Int("batch_size", cfg.BatchSize))

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+cfg.BatchSize, len(chunks))
		batch, err := cfg.Embedder.Embed(ctx, chunks[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrEmbeddingProvider) {
				return nil, fmt.Errorf("index: embed chunks %d-%d: %w", start, end-1, err)
			}
			return nil, fmt.Errorf("index: embed chunks %d-%d: %w: %w", start, end-1, ErrEmbeddingProvider, err)
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("index: %w: provider returned %d embeddings for %d chunks", ErrEmbeddingProvider, len(batch), end-start)
		}
		vectors = append(vectors, batch...)
		if cfg.Progress != nil {
			cfg.Progress(len(vectors), len(chunks))
		}
	}

	dims := len(vectors[0])
	if dims == 0 {
		return nil, fmt.Errorf("index: %w: provider returned empty embeddings", ErrEmbeddingProvider)
	}
	for i, v := range vectors {
		if len(v) != dims {
			return nil, fmt.Errorf("index: %w: embedding %d has dimension %d, want %d", ErrEmbeddingProvider, i, len(v), dims)
		}
	}

	docs := make([]Document, len(chunks))
	for i, c := range chunks {
		docs[i] = Document{
			ID:       ChunkID(cfg.Source, i),
			Content:  c,
			Source:   cfg.Source,
			Metadata: map[string]string{"chunk_index": strconv.Itoa(i)},
		}
	}

	if err := cfg.Store.Reset(ctx, dims); err != nil {
		return nil, fmt.Errorf("index: reset store: %w", err)
	}
	if err := cfg.Store.Upsert(ctx, docs, vectors); err != nil {
		return nil, fmt.Errorf("index: upsert: %w", err)
	}

	log.Info("index: ready", slog.Int("chunks", len(docs)), slog.Int("dimensions", dims))
	return &Index{
		embedder: cfg.Embedder,
		store:    cfg.Store,
		topK:     cfg.TopK,
		size:     len(docs),
		dims:     dims,
	}, nil
}

// ChunkID returns the deterministic point ID for chunk i of source.
// Qdrant only accepts UUIDs or integers, hence the name-based UUID.
func ChunkID(source string, i int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"#"+strconv.Itoa(i))).String()
}

// Query embeds the question and returns the k most similar chunks, most
// similar first. A k of zero or less selects the index default.
func (x *Index) Query(ctx context.Context, question string, k int) ([]Document, error) {
	if k <= 0 {
		k = x.topK
	}
	vecs, err := x.embedder.Embed(ctx, []string{question})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("index: embed query: %w", ctx.Err())
		}
		if errors.Is(err, ErrEmbeddingProvider) {
			return nil, fmt.Errorf("index: embed query: %w", err)
		}
		return nil, fmt.Errorf("index: embed query: %w: %w", ErrEmbeddingProvider, err)
	}
	if len(vecs) != 1 || len(vecs[0]) != x.dims {
		return nil, fmt.Errorf("index: %w: query embedding does not match index dimension %d", ErrEmbeddingProvider, x.dims)
	}
	docs, err := x.store.Search(ctx, vecs[0], min(k, x.size))
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	return docs, nil
}

// Retrieve satisfies Retriever.
func (x *Index) Retrieve(ctx context.Context, query string, topK int) ([]Document, error) {
	return x.Query(ctx, query, topK)
}

// Len returns the number of indexed chunks.
func (x *Index) Len() int { return x.size }

// Dimensions returns the embedding dimension of the index.
func (x *Index) Dimensions() int { return x.dims }

// TopK returns the default retrieval depth.
func (x *Index) TopK() int { return x.topK }
