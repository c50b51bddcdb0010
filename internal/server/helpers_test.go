package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/stevie-go/internal/conversation"
	"github.com/54b3r/stevie-go/internal/embedder"
	"github.com/54b3r/stevie-go/internal/rag"
)

// resumeChunks is the indexed resume used by the end-to-end handler tests.
var resumeChunks = []string{
	"My name is Stevie",
	"I build backend systems in Go and Kubernetes",
	"I lead with empathy and clarity",
}

// fakeChatModel answers with the first line of the retrieved context found
// in the system message and records every prompt it receives.
type fakeChatModel struct {
	mu      sync.Mutex
	prompts [][]*schema.Message
	err     error
}

func (f *fakeChatModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, in)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	system := in[0].Content
	ctxStart := strings.Index(system, "Context:\n")
	answer := "I don't know."
	if ctxStart >= 0 {
		answer = strings.SplitN(system[ctxStart+len("Context:\n"):], "\n", 2)[0]
	}
	return schema.AssistantMessage(answer, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeChatModel) lastPrompt() []*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return nil
	}
	return f.prompts[len(f.prompts)-1]
}

// fakeAsker returns a fixed error from every Ask.
type fakeAsker struct {
	state *conversation.State
	err   error
}

func (f *fakeAsker) Ask(context.Context, string) (*conversation.Result, error) {
	return nil, f.err
}

func (f *fakeAsker) State() *conversation.State { return f.state }

// engineFactory binds real conversation engines to chat over the resume
// chunks with the hash embedder.
func engineFactory(t *testing.T, chat model.BaseChatModel) EngineFactory {
	t.Helper()
	idx, err := rag.BuildIndex(context.Background(), resumeChunks, rag.IndexConfig{
		Embedder: embedder.NewHashEmbedder(0),
		Store:    rag.NewMemoryStore(),
		TopK:     1,
		Source:   "resume",
	})
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	return func(ctx context.Context, state *conversation.State) (Asker, error) {
		return conversation.New(ctx, &conversation.Config{
			ChatModel: chat,
			Retriever: idx,
			State:     state,
		})
	}
}

// failingFactory binds fakeAskers that fail with err.
func failingFactory(err error) EngineFactory {
	return func(_ context.Context, state *conversation.State) (Asker, error) {
		return &fakeAsker{state: state, err: err}, nil
	}
}

// newTestServer builds a Server with an isolated metrics registry and a
// discarding logger. Background goroutines stop when the test ends.
func newTestServer(t *testing.T, factory EngineFactory, mutate ...func(*Config)) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := &Config{
		Logger:          slog.New(slog.DiscardHandler),
		MetricsRegistry: reg,
		MetricsGatherer: reg,
		IndexChunks:     len(resumeChunks),
	}
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(factory, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s, reg
}
