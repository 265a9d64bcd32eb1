package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fishquery/fishquery-go/internal/embedder"
	"github.com/fishquery/fishquery-go/internal/ingestion"
	"github.com/fishquery/fishquery-go/internal/logging"
)

// NewIngestCmd constructs the `fishquery ingest` command, which runs the
// regulations ingestion pipeline to populate the vector store.
func NewIngestCmd() *cobra.Command {
	var region string
	var waterType string
	var docType string
	var title string
	var urls []string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest fishing regulations pages into the vector store",
		Long: `Fetch and index fishing regulations pages into the Qdrant vector store.

Ingested regulations are the knowledge base the chat pipeline retrieves from;
answers cite the ingested passages with [citation:N] markers.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: fishing-regulations)
  QDRANT_API_KEY       Optional API key for authenticated clusters
  MODEL_PROVIDER       Embedding backend: ollama, openai, azure (default: ollama)
  EMBEDDING_*          Provider-specific overrides (see README)

Metadata flags (--region, --water-type, --doc-type) are optional. When
omitted, metadata is auto-inferred from the URL (known fisheries agency
hosts resolve the region automatically). Explicit flags override inference.

Examples:
  fishquery ingest --url https://www.dpi.nsw.gov.au/fishing/recreational/fishing-rules-and-regs/saltwater-bag-and-size-limits
  fishquery ingest --region qld --url https://fisheries.qld.gov.au/recreational-fishing/rules
  fishquery ingest --doc-type seasons --url https://vfa.vic.gov.au/recreational-fishing/inland-waters/seasonal-closures`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if len(urls) == 0 {
				return fmt.Errorf("ingest: at least one --url is required")
			}

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			emb, err := embedder.NewFromEnv(embedder.TaskPassage)
			if err != nil {
				return fmt.Errorf("ingest: failed to initialise embedder: %w", err)
			}
			log.Info("embedder initialised", slog.String("provider", getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))))

			store, err := buildVectorStore(ctx)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer func() { _ = store.Close() }()

			p, err := ingestion.NewPipeline(emb, store, nil)
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			regionSet := cmd.Flags().Changed("region")
			waterSet := cmd.Flags().Changed("water-type")
			docTypeSet := cmd.Flags().Changed("doc-type")

			sources := make([]ingestion.Source, 0, len(urls))
			for _, u := range urls {
				inferred := ingestion.InferMetadata(u)

				src := ingestion.Source{URL: u, Title: title}
				if regionSet {
					src.Region = region
				} else {
					src.Region = inferred.Region
				}
				if waterSet {
					src.WaterType = waterType
				} else {
					src.WaterType = inferred.WaterType
				}
				if docTypeSet {
					src.DocType = docType
				} else {
					src.DocType = inferred.DocType
				}

				log.Info("source metadata",
					slog.String("url", u),
					slog.String("region", src.Region),
					slog.String("water_type", src.WaterType),
					slog.String("doc_type", src.DocType),
				)
				sources = append(sources, src)
			}

			log.Info("starting ingestion", slog.Int("sources", len(sources)))

			if err := p.Ingest(ctx, sources, func(msg string) {
				log.Info(msg)
			}); err != nil {
				return fmt.Errorf("ingest: pipeline failed: %w", err)
			}

			log.Info("ingestion complete", slog.Int("sources", len(sources)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&region, "region", "r", "generic", "Jurisdiction label (nsw, qld, vic, sa, wa, tas, nt, generic)")
	cmd.Flags().StringVarP(&waterType, "water-type", "w", "all", "Water type label (freshwater, saltwater, all)")
	cmd.Flags().StringVarP(&docType, "doc-type", "d", "rules", "Page type (rules, limits, seasons, licensing)")
	cmd.Flags().StringVarP(&title, "title", "t", "", "Human-readable title surfaced in citations")
	cmd.Flags().StringArrayVarP(&urls, "url", "u", nil, "Regulations page URL to ingest (repeatable)")

	return cmd
}
