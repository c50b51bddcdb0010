package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/54b3r/stevie-go/internal/knowledge"
	"github.com/54b3r/stevie-go/internal/logging"
)

// NewChunksCmd constructs the `stevie chunks` command, which runs extraction
// and chunking without contacting any provider. It is the quickest way to
// tune CHUNK_SIZE, CHUNK_OVERLAP and CHUNK_SEPARATOR.
func NewChunksCmd() *cobra.Command {
	var show bool

	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Extract and chunk the documents, then print statistics",
		Long: `Read the configured documents, split them into chunks and print how
many chunks were produced. No embedding or chat provider is contacted.

Examples:
  stevie chunks
  CHUNK_SIZE=500 CHUNK_OVERLAP=50 stevie chunks --show`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := logging.WithLogger(cmd.Context(), logging.New())

			settings, err := knowledge.SettingsFromEnv()
			if err != nil {
				return fmt.Errorf("chunks: %w", err)
			}
			chunks, stats, err := knowledge.Prepare(ctx, settings)
			if err != nil {
				return fmt.Errorf("chunks: %w", err)
			}
			return printChunks(cmd.OutOrStdout(), settings, chunks, stats, show)
		},
	}

	cmd.Flags().BoolVar(&show, "show", false, "Print every chunk")

	return cmd
}

func printChunks(w io.Writer, s knowledge.Settings, chunks []string, stats knowledge.Stats, show bool) error {
	if show {
		for i, c := range chunks {
			if _, err := fmt.Fprintf(w, "--- chunk %d (%d chars) ---\n%s\n", i, len([]rune(c)), c); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w,
		"documents:     %d\ncharacters:    %d\nchunks:        %d\nlongest chunk: %d\nchunk size:    %d (overlap %d)\n",
		stats.Documents, stats.Characters, stats.Chunks, stats.LongestChunk, s.ChunkSize, s.ChunkOverlap)
	return err
}
