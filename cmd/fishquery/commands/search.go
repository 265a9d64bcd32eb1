package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fishquery/fishquery-go/internal/embedder"
	"github.com/fishquery/fishquery-go/internal/logging"
	"github.com/fishquery/fishquery-go/internal/rag"
)

// NewSearchCmd constructs the `fishquery search` command, a retrieval-only
// lookup against the vector store. It shows what passages the pipeline would
// retrieve for a query, without invoking the chat model — useful for tuning
// ingestion and the score threshold.
func NewSearchCmd() *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the regulations corpus without generating an answer",
		Long: `Run a similarity search against the ingested regulations corpus and print
the matching passages with their scores. No chat model is invoked.

Examples:
  fishquery search "barramundi bag limit"
  fishquery search --top-k 20 "closed season murray cod"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			emb, err := embedder.NewFromEnv(embedder.TaskQuery)
			if err != nil {
				return fmt.Errorf("search: failed to initialise embedder: %w", err)
			}

			store, err := buildVectorStore(ctx)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer func() { _ = store.Close() }()

			retriever, err := rag.NewRetriever(emb, store, getEnvInt("TOP_K", 10))
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			docs, err := retriever.Retrieve(ctx, args[0], topK)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			if len(docs) == 0 {
				fmt.Println("no passages matched")
				return nil
			}

			for i, doc := range docs {
				fmt.Printf("%2d. score=%.3f source=%s\n", i+1, doc.FinalScore(), doc.Source)
				fmt.Printf("    %s\n\n", doc.Content)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of passages to return (default: TOP_K env or 10)")

	return cmd
}
