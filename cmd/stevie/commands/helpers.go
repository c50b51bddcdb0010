package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/stevie-go/internal/budget"
	"github.com/54b3r/stevie-go/internal/conversation"
	"github.com/54b3r/stevie-go/internal/embedder"
	"github.com/54b3r/stevie-go/internal/knowledge"
	"github.com/54b3r/stevie-go/internal/provider"
	"github.com/54b3r/stevie-go/internal/rag"
	"github.com/54b3r/stevie-go/internal/store"
	"github.com/54b3r/stevie-go/internal/tracing"
)

// defaultCollection is the Qdrant collection used when QDRANT_COLLECTION is unset.
const defaultCollection = "stevie-resume"

// runtime bundles everything a question needs: the chat model, the index
// built from the documents and the optional transcript. It is built once
// per process and shared by every conversation.
type runtime struct {
	chatModel  model.BaseChatModel
	provider   *provider.Config
	index      *rag.Index
	vstore     rag.VectorStore
	transcript *store.SQLiteStore
	stats      knowledge.Stats
	flush      func()
}

// newRuntime builds the index and the chat model. The chat model is built
// first so a bad provider configuration fails before any document is
// embedded.
func newRuntime(ctx context.Context, log *slog.Logger) (*runtime, error) {
	settings, err := knowledge.SettingsFromEnv()
	if err != nil {
		return nil, err
	}

	rt := &runtime{flush: func() {}}
	if flush, ok := tracing.Install(); ok {
		rt.flush = flush
		log.Info("langfuse tracing enabled")
	}

	rt.provider = provider.ConfigFromEnv()
	rt.chatModel, err = provider.New(ctx, rt.provider)
	if err != nil {
		rt.close(log)
		return nil, err
	}
	log.Info("provider initialised",
		slog.String("provider", string(rt.provider.Backend)),
		slog.String("model", rt.provider.ModelName()),
	)

	if err := embedder.Preflight(log); err != nil {
		rt.close(log)
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		rt.close(log)
		return nil, err
	}

	rt.vstore, err = openVectorStore(log)
	if err != nil {
		rt.close(log)
		return nil, err
	}

	rt.index, rt.stats, err = knowledge.Build(ctx, settings, emb, rt.vstore, func(done, total int) {
		log.Debug("index: embedded batch", slog.Int("done", done), slog.Int("total", total))
	})
	if err != nil {
		rt.close(log)
		return nil, err
	}
	log.Info("index ready",
		slog.Int("documents", rt.stats.Documents),
		slog.Int("chunks", rt.stats.Chunks),
		slog.Duration("took", rt.stats.Duration),
	)

	rt.transcript = openTranscript(log)
	return rt, nil
}

// engine binds a conversation engine to state.
func (rt *runtime) engine(ctx context.Context, state *conversation.State) (*conversation.Engine, error) {
	cfg := &conversation.Config{
		ChatModel:        rt.chatModel,
		Retriever:        rt.index,
		State:            state,
		SystemPrompt:     os.Getenv("STEVIE_SYSTEM_PROMPT"),
		CondenseQuestion: getEnvBool("CONDENSE_QUESTION", false),
		MaxContextTokens: getEnvInt("MAX_CONTEXT_TOKENS", budget.DefaultMaxContextTokens),
	}
	if rt.transcript != nil {
		cfg.Transcript = rt.transcript
	}
	return conversation.New(ctx, cfg)
}

// state returns a new conversation, or the recorded one when sessionID is
// set and a transcript is available.
func (rt *runtime) state(ctx context.Context, sessionID string) (*conversation.State, error) {
	if sessionID == "" {
		return conversation.NewState(), nil
	}
	if rt.transcript == nil {
		return conversation.NewStateWithID(sessionID), nil
	}
	return restoreState(ctx, rt.transcript, sessionID)
}

// close releases the store, the transcript and flushes traces. Errors are
// logged since they happen on the way out.
func (rt *runtime) close(log *slog.Logger) {
	if rt.transcript != nil {
		if err := rt.transcript.Close(); err != nil {
			log.Warn("history: close failed", slog.Any("error", err))
		}
	}
	if rt.vstore != nil {
		if err := rt.vstore.Close(); err != nil {
			log.Warn("index: close vector store failed", slog.Any("error", err))
		}
	}
	rt.flush()
}

// openVectorStore selects the index backend from VECTOR_STORE.
func openVectorStore(log *slog.Logger) (rag.VectorStore, error) {
	switch backend := getEnvOrDefault("VECTOR_STORE", "memory"); backend {
	case "memory":
		return rag.NewMemoryStore(), nil
	case "qdrant":
		cfg := rag.QdrantConfig{
			Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
			Port:       getEnvInt("QDRANT_PORT", 6334),
			Collection: getEnvOrDefault("QDRANT_COLLECTION", defaultCollection),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     getEnvBool("QDRANT_TLS", false),
		}
		s, err := rag.NewQdrantStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("index: connect to Qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
		}
		log.Info("qdrant store ready",
			slog.String("host", cfg.Host),
			slog.Int("port", cfg.Port),
			slog.String("collection", cfg.Collection),
		)
		return s, nil
	default:
		return nil, fmt.Errorf("index: %w: unknown VECTOR_STORE %q (valid values: memory, qdrant)", rag.ErrConfiguration, backend)
	}
}

// openTranscript opens the SQLite transcript. STEVIE_HISTORY_DB overrides
// the default path (~/.stevie/history.db); "disabled" turns it off. Failures
// disable the transcript rather than the command.
func openTranscript(log *slog.Logger) *store.SQLiteStore {
	dbPath := os.Getenv("STEVIE_HISTORY_DB")
	if dbPath == "disabled" {
		log.Info("history: disabled via STEVIE_HISTORY_DB=disabled")
		return nil
	}
	if dbPath == "" {
		var err error
		if dbPath, err = store.DefaultDBPath(); err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil
		}
	}
	s, err := store.Open(dbPath)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil
	}
	log.Debug("history: store opened", slog.String("path", dbPath))
	return s
}

// restoreState rebuilds a conversation from its recorded turns. An unknown
// session starts empty under the given ID.
func restoreState(ctx context.Context, transcript *store.SQLiteStore, sessionID string) (*conversation.State, error) {
	msgs, err := transcript.Recent(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	turns := make([]conversation.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, conversation.Turn{Role: conversation.Role(m.Role), Content: m.Content})
	}
	return conversation.RestoreState(sessionID, turns)
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
