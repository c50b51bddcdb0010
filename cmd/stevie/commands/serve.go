package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/54b3r/stevie-go/internal/conversation"
	"github.com/54b3r/stevie-go/internal/embedder"
	"github.com/54b3r/stevie-go/internal/logging"
	"github.com/54b3r/stevie-go/internal/provider"
	"github.com/54b3r/stevie-go/internal/rag"
	"github.com/54b3r/stevie-go/internal/server"
)

// NewServeCmd constructs the `stevie serve` command, which builds the index
// once and answers questions over HTTP, one conversation per session.
func NewServeCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Stevie over HTTP",
		Long: `Start the Stevie HTTP API.

The index and the chat model are built once and shared by every session.
Each session keeps its own history until it is deleted or idles out
(STEVIE_SESSION_TTL, default 30m).

Examples:
  stevie serve
  stevie serve --port 9090
  STEVIE_API_KEY=secret MODEL_PROVIDER=ollama stevie serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			rt, err := newRuntime(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer rt.close(log)

			factory := func(ctx context.Context, state *conversation.State) (server.Asker, error) {
				engine, err := rt.engine(ctx, state)
				if err != nil {
					return nil, err
				}
				return engine, nil
			}

			srv, err := server.New(factory, &server.Config{
				Host:        host,
				Port:        port,
				Logger:      log,
				Pingers:     buildPingers(rt.vstore, rt.provider, log),
				APIKey:      os.Getenv("STEVIE_API_KEY"),
				SessionTTL:  getEnvDuration("STEVIE_SESSION_TTL", 0),
				IndexChunks: rt.index.Len(),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", getEnvOrDefault("STEVIE_HOST", "127.0.0.1"), "Host address to bind to (env STEVIE_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", getEnvInt("STEVIE_PORT", 8080), "TCP port to listen on (env STEVIE_PORT)")

	return cmd
}

// buildPingers returns one readiness probe per remote dependency in use.
// A nil cfg skips the chat provider.
func buildPingers(vs rag.VectorStore, cfg *provider.Config, log *slog.Logger) []server.Pinger {
	var pingers []server.Pinger

	if qs, ok := vs.(*rag.QdrantStore); ok {
		pingers = append(pingers, server.NewQdrantPinger(qs.Client()))
	}

	if cfg == nil {
		cfg = &provider.Config{}
	}
	switch cfg.Backend {
	case provider.BackendOpenAI:
		oc := openai.DefaultConfig(cfg.OpenAI.APIKey)
		if cfg.OpenAI.BaseURL != "" {
			oc.BaseURL = cfg.OpenAI.BaseURL
		}
		pingers = append(pingers, server.NewOpenAIPinger("openai", oc))
	case provider.BackendAzure:
		oc := openai.DefaultAzureConfig(cfg.AzureOpenAI.APIKey, cfg.AzureOpenAI.Endpoint)
		oc.APIVersion = cfg.AzureOpenAI.APIVersion
		pingers = append(pingers, server.NewOpenAIPinger("azure_openai", oc))
	case provider.BackendOllama:
		pingers = append(pingers, server.NewOllamaPinger(cfg.Ollama.Host))
	}

	// The embedder may talk to a local Ollama even when the chat model does not.
	if embedder.Backend() == "ollama" && cfg.Backend != provider.BackendOllama {
		host := getEnvOrDefault("EMBEDDING_ENDPOINT", getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434"))
		pingers = append(pingers, server.NewOllamaPinger(host))
	}

	names := make([]string, 0, len(pingers))
	for _, p := range pingers {
		names = append(names, p.Name())
	}
	log.Info("readiness probes configured", slog.Any("dependencies", names))
	return pingers
}
