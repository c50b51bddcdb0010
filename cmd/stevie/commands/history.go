package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/stevie-go/internal/store"
)

// NewHistoryCmd constructs the `stevie history` command, which lists the
// recorded conversations or prints one of them.
func NewHistoryCmd() *cobra.Command {
	var (
		sessionID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded conversations",
		Long: `List the conversations recorded in the history database
(STEVIE_HISTORY_DB, default ~/.stevie/history.db), most recent first.
With --session, print that conversation instead.

Examples:
  stevie history
  stevie history --session 6f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbPath := os.Getenv("STEVIE_HISTORY_DB")
			if dbPath == "disabled" {
				return errors.New("history: disabled via STEVIE_HISTORY_DB=disabled")
			}
			if dbPath == "" {
				var err error
				if dbPath, err = store.DefaultDBPath(); err != nil {
					return fmt.Errorf("history: %w", err)
				}
			}
			s, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			defer func() { _ = s.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if sessionID != "" {
				msgs, err := s.Recent(ctx, sessionID, limit)
				if err != nil {
					return fmt.Errorf("history: %w", err)
				}
				return printTranscript(out, sessionID, msgs)
			}

			sessions, err := s.Sessions(ctx, limit)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			return printSessions(out, sessions)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Print the conversation with this ID")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions (or messages with --session) to print; 0 for all")

	return cmd
}

func printSessions(w io.Writer, sessions []store.SessionSummary) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "no recorded conversations")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTURNS\tSTARTED\tLAST")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.ID, s.Turns,
			s.FirstAt.Local().Format(time.DateTime), s.LastAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func printTranscript(w io.Writer, sessionID string, msgs []store.Message) error {
	if len(msgs) == 0 {
		_, err := fmt.Fprintf(w, "no messages recorded for session %s\n", sessionID)
		return err
	}
	for _, m := range msgs {
		if _, err := fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Role, m.Content); err != nil {
			return err
		}
	}
	return nil
}
