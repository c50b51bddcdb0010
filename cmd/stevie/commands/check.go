package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/stevie-go/internal/embedder"
	"github.com/54b3r/stevie-go/internal/knowledge"
	"github.com/54b3r/stevie-go/internal/logging"
	"github.com/54b3r/stevie-go/internal/provider"
	"github.com/54b3r/stevie-go/internal/server"
)

// checkTimeout bounds each dependency probe.
const checkTimeout = 5 * time.Second

// NewCheckCmd constructs the `stevie check` command, which validates the
// configuration and probes every remote dependency without building the
// index or spending tokens.
func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and probe providers",
		Long: `Validate the chat provider, embedding and chunking settings, then probe
each remote dependency (chat provider, Ollama, Qdrant) the way
GET /api/ready does. Documents are not embedded and no tokens are spent.

Examples:
  stevie check
  MODEL_PROVIDER=ollama stevie check`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)
			out := cmd.OutOrStdout()

			failed := 0
			report := func(name string, err error) {
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL  %-12s %v\n", name, err)
					return
				}
				fmt.Fprintf(out, "ok    %s\n", name)
			}

			settings, err := knowledge.SettingsFromEnv()
			if err == nil {
				err = settings.Validate()
			}
			report("knowledge", err)

			cfg := provider.ConfigFromEnv()
			if err := cfg.Validate(); err != nil {
				report("provider", err)
				cfg = nil
			} else {
				report("provider", nil)
			}
			report("embedder", embedder.Preflight(log))

			vs, err := openVectorStore(log)
			report("index", err)
			if err == nil {
				defer func() { _ = vs.Close() }()
			}

			failed += probe(ctx, out, buildPingers(vs, cfg, log))
			if failed > 0 {
				return fmt.Errorf("check: %d check(s) failed", failed)
			}
			return nil
		},
	}
	return cmd
}

// probe runs each pinger and returns the number of failures.
func probe(ctx context.Context, out io.Writer, pingers []server.Pinger) int {
	failed := 0
	for _, p := range pingers {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %-12s %v\n", p.Name(), err)
			continue
		}
		fmt.Fprintf(out, "ok    %-12s %s\n", p.Name(), time.Since(start).Round(time.Millisecond))
		logging.FromContext(ctx).Debug("check: dependency reachable", slog.String("dependency", p.Name()))
	}
	return failed
}
