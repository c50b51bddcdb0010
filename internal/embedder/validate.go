package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/54b3r/stevie-go/internal/rag"
)

// chatModelMarkers are name fragments of chat/completion models that are not
// embedding models.
var chatModelMarkers = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"mistral",
	"mixtral",
	"gemma",
	"phi3",
	"claude",
	"gemini-1",
	"gemini-2",
	"deepseek",
	"qwen",
}

// LooksLikeChatModel reports whether model resembles a known chat model
// rather than a dedicated embedding model.
func LooksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, m := range chatModelMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Preflight checks the embedding configuration before any document is read,
// so a missing key fails at startup rather than after extraction. It logs a
// warning when EMBEDDING_MODEL looks like a chat model, or when the hash
// backend is paired with a persistent vector store.
func Preflight(log *slog.Logger) error {
	backend := Backend()

	switch backend {
	case "openai":
		if os.Getenv("EMBEDDING_API_KEY") == "" && os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("embedder: %w: no OpenAI API key found, set OPENAI_API_KEY or EMBEDDING_API_KEY", rag.ErrConfiguration)
		}
	case "azure":
		if os.Getenv("EMBEDDING_API_KEY") == "" && os.Getenv("AZURE_OPENAI_API_KEY") == "" {
			return fmt.Errorf("embedder: %w: no Azure API key found, set AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY", rag.ErrConfiguration)
		}
		if os.Getenv("EMBEDDING_ENDPOINT") == "" && os.Getenv("AZURE_OPENAI_ENDPOINT") == "" {
			return fmt.Errorf("embedder: %w: no Azure endpoint found, set AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT", rag.ErrConfiguration)
		}
	case "ollama":
	case "hash":
		if os.Getenv("VECTOR_STORE") == "qdrant" {
			log.Warn("embedder: hash embeddings stored in qdrant are only useful for local testing",
				slog.String("hint", "set EMBEDDING_PROVIDER=openai or ollama"),
			)
		}
	default:
		_, err := NewFromEnv()
		return err
	}

	if model := os.Getenv("EMBEDDING_MODEL"); model != "" && LooksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, retrieval quality will suffer",
			slog.String("model", model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}
	return nil
}
