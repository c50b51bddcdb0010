package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/stevie-go/internal/version"
)

// NewVersionCmd constructs the `stevie version` subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stevie version, git commit, and build date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
}
