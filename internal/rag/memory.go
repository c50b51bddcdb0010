package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore that scores every stored vector
// by cosine similarity. It is the default backend: the knowledge base is a
// handful of resume pages, so a brute-force scan is fast enough.
type MemoryStore struct {
	// mu guards every field below.
	mu sync.RWMutex
	// dims is the vector dimension accepted since the last Reset.
	dims int
	// docs is parallel to vectors and norms.
	docs []Document
	// vectors holds the stored embeddings.
	vectors [][]float32
	// norms caches the L2 norm of each stored vector.
	norms []float64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Reset drops all stored vectors and fixes the accepted dimension.
func (s *MemoryStore) Reset(_ context.Context, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("memory store: invalid dimension %d", dimensions)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dims = dimensions
	s.docs = nil
	s.vectors = nil
	s.norms = nil
	return nil
}

// Upsert appends docs and their embeddings. Every vector must match the
// dimension set by Reset.
func (s *MemoryStore) Upsert(_ context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("memory store: %d documents but %d embeddings", len(docs), len(embeddings))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dims == 0 {
		return fmt.Errorf("memory store: Reset must be called before Upsert")
	}
	for i, v := range embeddings {
		if len(v) != s.dims {
			return fmt.Errorf("memory store: embedding %d has dimension %d, want %d", i, len(v), s.dims)
		}
	}
	for i, v := range embeddings {
		s.docs = append(s.docs, docs[i])
		s.vectors = append(s.vectors, v)
		s.norms = append(s.norms, norm(v))
	}
	return nil
}

// Search returns the topK most similar documents, highest score first.
// Equal scores keep insertion order so results are deterministic.
func (s *MemoryStore) Search(_ context.Context, queryEmbedding []float32, topK int) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(queryEmbedding) != s.dims {
		return nil, fmt.Errorf("memory store: query has dimension %d, want %d", len(queryEmbedding), s.dims)
	}
	if topK <= 0 || len(s.docs) == 0 {
		return nil, nil
	}

	qNorm := norm(queryEmbedding)
	type scored struct {
		idx   int
		score float64
	}
	results := make([]scored, len(s.vectors))
	for i, v := range s.vectors {
		results[i] = scored{idx: i, score: cosine(queryEmbedding, v, qNorm, s.norms[i])}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})

	if topK > len(results) {
		topK = len(results)
	}
	out := make([]Document, 0, topK)
	for _, r := range results[:topK] {
		doc := s.docs[r.idx]
		doc.Score = float32(r.score)
		out = append(out, doc)
	}
	return out, nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Close is a no-op; it exists to satisfy VectorStore.
func (s *MemoryStore) Close() error { return nil }

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosine returns 0 when either vector has zero length.
func cosine(a, b []float32, aNorm, bNorm float64) float64 {
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (aNorm * bNorm)
}
