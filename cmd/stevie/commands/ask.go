package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/stevie-go/internal/conversation"
	"github.com/54b3r/stevie-go/internal/logging"
)

// NewAskCmd constructs the `stevie ask` command, which answers a single
// question and prints the answer to stdout.
func NewAskCmd() *cobra.Command {
	var (
		sessionID   string
		showSources bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask Stevie a single question",
		Long: `Ask Stevie a question about the resume and leadership brand.

The documents are read and indexed on every run. Pass --session to continue
a conversation recorded in the history database.

Examples:
  stevie ask "What is your name?"
  stevie ask --sources "Which languages do you use?"
  stevie ask --session 6f1c... "And before that?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			rt, err := newRuntime(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer rt.close(log)

			state, err := rt.state(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			engine, err := rt.engine(ctx, state)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			res, err := engine.Ask(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			return printResult(cmd.OutOrStdout(), state.ID(), res, showSources, asJSON)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue the recorded conversation with this ID")
	cmd.Flags().BoolVar(&showSources, "sources", false, "Print the chunks the answer was grounded on")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")

	return cmd
}

// printResult writes the answer, optionally followed by its sources.
func printResult(w io.Writer, sessionID string, res *conversation.Result, showSources, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			SessionID string `json:"session_id"`
			*conversation.Result
		}{sessionID, res})
	}

	if _, err := fmt.Fprintln(w, res.Answer); err != nil {
		return err
	}
	if !showSources {
		return nil
	}
	for i, d := range res.Sources {
		if _, err := fmt.Fprintf(w, "\n[%d] %s (score %.3f)\n%s\n", i+1, d.ID, d.Score, d.Content); err != nil {
			return err
		}
	}
	return nil
}
