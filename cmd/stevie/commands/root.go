// Package commands defines all Cobra CLI commands for the stevie binary.
package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/54b3r/stevie-go/internal/audit"
	"github.com/54b3r/stevie-go/internal/config"
	"github.com/54b3r/stevie-go/internal/logging"
)

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		verbose    bool
	)

	root := &cobra.Command{
		Use:   "stevie",
		Short: "Stevie, a chatbot that answers questions about a resume",
		Long: `Stevie reads a resume and a personal leadership brand document, splits
them into overlapping chunks, embeds the chunks into a similarity index and
answers questions about their owner, grounded on the most relevant chunks
and the conversation so far.

Settings come from the environment, a .env file in the working directory,
or a YAML config file (~/.stevie/config.yaml). Environment variables always
win over the config file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// godotenv never overrides variables that are already set.
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("stevie: load %s: %w", envFile, err)
			}
			if verbose {
				if err := os.Setenv("LOG_LEVEL", "debug"); err != nil {
					return fmt.Errorf("stevie: %w", err)
				}
			}

			log := logging.New()
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			audit.LogCommandStart(cmd.Context(), log, cmd.Name(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.stevie/config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config file; ignored when missing")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		NewAskCmd(),
		NewChatCmd(),
		NewServeCmd(),
		NewChunksCmd(),
		NewHistoryCmd(),
		NewCheckCmd(),
		NewVersionCmd(),
	)

	return root
}
