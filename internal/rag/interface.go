// Package rag defines the retrieval side of the resume chatbot: the
// Document type shared by every stage, the Embedder / VectorStore /
// Retriever interfaces, the error kinds surfaced to callers, and the
// read-only Index built once from the full chunk set.
// Concrete stores (in-memory, Qdrant) satisfy VectorStore so the
// conversation layer never depends on a specific backend.
package rag

import (
	"context"
)

// Document represents one indexed chunk of the knowledge base.
type Document struct {
	// ID is the deterministic identifier of the chunk.
	ID string `json:"id"`

	// Content is the raw chunk text.
	Content string `json:"content"`

	// Source labels the knowledge base the chunk came from.
	Source string `json:"source,omitempty"`

	// Metadata holds arbitrary key-value pairs (chunk_index, etc.).
	Metadata map[string]string `json:"metadata,omitempty"`

	// Score is the cosine similarity assigned during retrieval.
	// Zero value means the score was not computed.
	Score float32 `json:"score,omitempty"`
}

// VectorStore persists chunk embeddings and answers similarity queries.
// Implementations must be safe for concurrent Search calls.
type VectorStore interface {
	// Reset discards any previous contents and prepares the store for
	// vectors of the given dimension.
	Reset(ctx context.Context, dimensions int) error

	// Upsert stores a batch of documents with their pre-computed embeddings.
	// embeddings[i] is the vector for docs[i].
	Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error

	// Search returns the topK documents most similar to queryEmbedding,
	// highest score first.
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error)

	// Close releases any resources held by the store.
	Close() error
}

// Embedder converts text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever fetches the chunks relevant to a query.
type Retriever interface {
	// Retrieve returns the topK most relevant documents for query.
	// A topK of zero selects the retriever's configured default.
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}
