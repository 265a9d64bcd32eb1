package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fishquery/fishquery-go/internal/logging"
	"github.com/fishquery/fishquery-go/internal/pipeline"
)

// NewAskCmd constructs the `fishquery ask` command, which runs a single
// question through the answer pipeline and streams the response to stdout.
func NewAskCmd() *cobra.Command {
	var noRerank bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a fishing regulations question",
		Long: `Ask a natural language question about fishing regulations.

The answer is retrieved from the ingested regulations corpus and streamed to
stdout with [citation:N] markers. Cited source passages are printed first.

Examples:
  fishquery ask "what is the bag limit for barramundi?"
  fishquery ask "do I need a licence for freshwater fishing in NSW?"
  fishquery ask --no-rerank "when is the closed season for murray cod?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			p, _, _, _, cleanup, err := buildPipeline(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer cleanup()

			for ev := range p.Process(ctx, args[0], !noRerank) {
				switch e := ev.(type) {
				case pipeline.SourcesEvent:
					for _, src := range e.Sources {
						fmt.Fprintf(os.Stderr, "[%d] %s (score %.2f)\n", src.Index, src.Preview(), src.Score)
					}
					fmt.Fprintln(os.Stderr)
				case pipeline.TextDeltaEvent:
					fmt.Print(e.Text)
				case pipeline.DoneEvent:
					fmt.Println()
				case pipeline.ErrorEvent:
					return fmt.Errorf("ask: %s", e.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noRerank, "no-rerank", false, "Skip the cross-encoder reranking pass")

	return cmd
}
