package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/stevie-go/internal/logging"
	"github.com/54b3r/stevie-go/internal/server"
)

const (
	promptUser   = "you> "
	promptStevie = "stevie> "
)

// NewChatCmd constructs the `stevie chat` command, an interactive session
// that keeps the conversation history across questions.
func NewChatCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation with Stevie",
		Long: `Start an interactive conversation. Follow-up questions see the earlier
exchanges of the session.

Type /history to print the conversation so far, and exit or quit (or
Ctrl-D) to leave.

Examples:
  stevie chat
  stevie chat --session 6f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			rt, err := newRuntime(ctx, log)
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			defer rt.close(log)

			state, err := rt.state(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			engine, err := rt.engine(ctx, state)
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "session %s (%d chunks indexed)\n", state.ID(), rt.index.Len())
			return runREPL(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), engine)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume the recorded conversation with this ID")

	return cmd
}

// runREPL reads one question per line until EOF, exit or quit. A failed
// question is reported on errOut and leaves the history unchanged; the loop
// goes on.
func runREPL(ctx context.Context, in io.Reader, out, errOut io.Writer, asker server.Asker) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Fprint(out, promptUser)
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())

		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/history":
			for _, t := range asker.State().History() {
				fmt.Fprintf(out, "%s: %s\n", t.Role, t.Content)
			}
			continue
		}

		if ctx.Err() != nil {
			return nil
		}

		res, err := asker.Ask(ctx, line)
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "%s%s\n", promptStevie, res.Answer)
	}
}
