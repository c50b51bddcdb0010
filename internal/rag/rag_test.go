package rag_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/54b3r/stevie-go/internal/embedder"
	"github.com/54b3r/stevie-go/internal/rag"
)

// failingEmbedder returns err after succeeding calls calls.
type failingEmbedder struct {
	inner   rag.Embedder
	succeed int
	err     error
	mu      sync.Mutex
	calls   int
}

func (f *failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n > f.succeed {
		return nil, f.err
	}
	return f.inner.Embed(ctx, texts)
}

// raggedEmbedder returns vectors whose size depends on the input length.
type raggedEmbedder struct{}

func (raggedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = make([]float32, len(t)%3+1)
		out[i][0] = 1
	}
	return out, nil
}

var resumeChunks = []string{
	"My name is Stevie and I answer questions about this resume.",
	"Experience: senior backend engineer building distributed payment systems in Go.",
	"Education: Bachelor of Engineering in computer science with honours.",
	"Skills: Kubernetes, PostgreSQL, gRPC, observability and incident response.",
	"Leadership brand: calm under pressure, mentors junior engineers, ships reliably.",
}

func TestBuildIndex_ReflexiveRetrieval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx, err := rag.BuildIndex(ctx, resumeChunks, rag.IndexConfig{
		Embedder: embedder.NewHashEmbedder(0),
		Store:    rag.NewMemoryStore(),
		Source:   "resume",
	})
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if idx.Len() != len(resumeChunks) {
		t.Errorf("Len() = %d, want %d", idx.Len(), len(resumeChunks))
	}
	if idx.TopK() != rag.DefaultTopK {
		t.Errorf("TopK() = %d, want %d", idx.TopK(), rag.DefaultTopK)
	}
	if idx.Dimensions() != embedder.DefaultHashDimensions {
		t.Errorf("Dimensions() = %d", idx.Dimensions())
	}

	for i, chunk := range resumeChunks {
		docs, err := idx.Query(ctx, chunk, 0)
		if err != nil {
			t.Fatalf("Query(%d): %v", i, err)
		}
		if len(docs) != rag.DefaultTopK {
			t.Fatalf("Query(%d) returned %d docs, want %d", i, len(docs), rag.DefaultTopK)
		}
		found := false
		for _, d := range docs {
			if d.Content == chunk {
				found = true
			}
		}
		if !found {
			t.Errorf("chunk %d not among its own top-k results", i)
		}
		if docs[0].Content != chunk {
			t.Errorf("chunk %d: best match = %q, want itself", i, docs[0].Content)
		}
		if docs[0].Metadata["chunk_index"] != fmt.Sprint(i) {
			t.Errorf("chunk %d: chunk_index = %q", i, docs[0].Metadata["chunk_index"])
		}
	}
}

func TestIndex_QueryOrdersBySimilarity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx, err := rag.BuildIndex(ctx, resumeChunks, rag.IndexConfig{
		Embedder: embedder.NewHashEmbedder(0),
		Store:    rag.NewMemoryStore(),
		TopK:     2,
	})
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	docs, err := idx.Retrieve(ctx, "What is your name?", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len = %d, want 2", len(docs))
	}
	if docs[0].Content != resumeChunks[0] {
		t.Errorf("top result = %q, want the name chunk", docs[0].Content)
	}
	if docs[0].Score < docs[1].Score {
		t.Errorf("scores not descending: %v < %v", docs[0].Score, docs[1].Score)
	}

	// k larger than the index is clamped.
	all, err := idx.Query(ctx, "anything", 50)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != len(resumeChunks) {
		t.Errorf("len = %d, want %d", len(all), len(resumeChunks))
	}
}

func TestBuildIndex_Batches(t *testing.T) {
	t.Parallel()

	var progress [][2]int
	_, err := rag.BuildIndex(context.Background(), resumeChunks, rag.IndexConfig{
		Embedder:  embedder.NewHashEmbedder(16),
		Store:     rag.NewMemoryStore(),
		BatchSize: 2,
		Progress:  func(done, total int) { progress = append(progress, [2]int{done, total}) },
	})
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	want := [][2]int{{2, 5}, {4, 5}, {5, 5}}
	if fmt.Sprint(progress) != fmt.Sprint(want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
}

func TestBuildIndex_ProviderFailureLeavesNoIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := rag.NewMemoryStore()
	if _, err := rag.BuildIndex(ctx, []string{"previous"}, rag.IndexConfig{
		Embedder: embedder.NewHashEmbedder(8),
		Store:    store,
	}); err != nil {
		t.Fatalf("seed BuildIndex: %v", err)
	}

	cause := errors.New("429 rate limited")
	idx, err := rag.BuildIndex(ctx, resumeChunks, rag.IndexConfig{
		Embedder:  &failingEmbedder{inner: embedder.NewHashEmbedder(8), succeed: 1, err: cause},
		Store:     store,
		BatchSize: 2,
	})
	if idx != nil {
		t.Error("expected nil index on failure")
	}
	if !errors.Is(err, rag.ErrEmbeddingProvider) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want ErrEmbeddingProvider wrapping cause", err)
	}
	if store.Len() != 1 {
		t.Errorf("store was modified on failure: Len() = %d, want 1", store.Len())
	}
}

func TestBuildIndex_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name   string
		chunks []string
		cfg    rag.IndexConfig
		want   error
	}{
		{
			name:   "no chunks",
			chunks: nil,
			cfg:    rag.IndexConfig{Embedder: embedder.NewHashEmbedder(8), Store: rag.NewMemoryStore()},
			want:   rag.ErrConfiguration,
		},
		{
			name:   "missing store",
			chunks: resumeChunks,
			cfg:    rag.IndexConfig{Embedder: embedder.NewHashEmbedder(8)},
			want:   rag.ErrConfiguration,
		},
		{
			name:   "inconsistent dimensions",
			chunks: []string{"a", "bb", "ccc"},
			cfg:    rag.IndexConfig{Embedder: raggedEmbedder{}, Store: rag.NewMemoryStore()},
			want:   rag.ErrEmbeddingProvider,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := rag.BuildIndex(ctx, tc.chunks, tc.cfg)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestIndex_QueryProviderError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	emb := &failingEmbedder{inner: embedder.NewHashEmbedder(8), succeed: 1, err: errors.New("connection refused")}
	idx, err := rag.BuildIndex(ctx, resumeChunks, rag.IndexConfig{Embedder: emb, Store: rag.NewMemoryStore()})
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	_, err = idx.Query(ctx, "hello", 0)
	if !errors.Is(err, rag.ErrEmbeddingProvider) {
		t.Errorf("err = %v, want ErrEmbeddingProvider", err)
	}
}

func TestIndex_QueryCanceled(t *testing.T) {
	t.Parallel()

	emb := &failingEmbedder{
		inner:   embedder.NewHashEmbedder(8),
		succeed: 1,
		err:     fmt.Errorf("embedder: %w: %w", rag.ErrEmbeddingProvider, context.Canceled),
	}
	idx, err := rag.BuildIndex(context.Background(), resumeChunks, rag.IndexConfig{Embedder: emb, Store: rag.NewMemoryStore()})
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = idx.Query(ctx, "hello", 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, rag.ErrEmbeddingProvider) {
		t.Errorf("cancellation reported as provider failure: %v", err)
	}
}

func TestChunkID_Deterministic(t *testing.T) {
	t.Parallel()

	if rag.ChunkID("resume", 3) != rag.ChunkID("resume", 3) {
		t.Error("ChunkID not deterministic")
	}
	if rag.ChunkID("resume", 3) == rag.ChunkID("resume", 4) {
		t.Error("ChunkID collides across indexes")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := rag.NewMemoryStore()

	if err := s.Upsert(ctx, []rag.Document{{ID: "a"}}, [][]float32{{1, 0}}); err == nil {
		t.Error("Upsert before Reset should fail")
	}
	if err := s.Reset(ctx, 0); err == nil {
		t.Error("Reset(0) should fail")
	}
	if err := s.Reset(ctx, 2); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	docs := []rag.Document{{ID: "x"}, {ID: "y"}, {ID: "zero"}, {ID: "x2"}}
	vecs := [][]float32{{1, 0}, {0, 1}, {0, 0}, {2, 0}}
	if err := s.Upsert(ctx, docs, vecs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert(ctx, docs[:1], [][]float32{{1, 2, 3}}); err == nil {
		t.Error("dimension mismatch should fail")
	}
	if err := s.Upsert(ctx, docs, vecs[:1]); err == nil {
		t.Error("length mismatch should fail")
	}

	got, err := s.Search(ctx, []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// x and x2 tie at 1.0 and keep insertion order; the zero vector scores 0
	// and ties with y, which was inserted first.
	wantIDs := []string{"x", "x2", "y"}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("result[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
	if got[0].Score != 1 {
		t.Errorf("score = %v, want 1", got[0].Score)
	}

	if _, err := s.Search(ctx, []float32{1}, 1); err == nil {
		t.Error("query dimension mismatch should fail")
	}
	if got, _ := s.Search(ctx, []float32{1, 0}, 0); len(got) != 0 {
		t.Errorf("topK 0 returned %d docs", len(got))
	}

	if err := s.Reset(ctx, 2); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len after Reset = %d", s.Len())
	}
}

func TestMemoryStore_ConcurrentSearch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx, err := rag.BuildIndex(ctx, resumeChunks, rag.IndexConfig{
		Embedder: embedder.NewHashEmbedder(0),
		Store:    rag.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := resumeChunks[i%len(resumeChunks)]
			docs, err := idx.Query(ctx, q, 1)
			if err != nil {
				t.Errorf("Query: %v", err)
				return
			}
			if docs[0].Content != q {
				t.Errorf("concurrent query returned %q", docs[0].Content)
			}
		}()
	}
	wg.Wait()
}

func TestKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", rag.ErrConfiguration), "configuration"},
		{fmt.Errorf("x: %w: %w", rag.ErrDocumentRead, errors.New("eof")), "document_read"},
		{fmt.Errorf("x: %w", rag.ErrEmbeddingProvider), "embedding_provider"},
		{fmt.Errorf("x: %w", rag.ErrChatProvider), "chat_provider"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		if got := rag.Kind(tc.err); got != tc.want {
			t.Errorf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
