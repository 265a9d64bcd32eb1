// Package commands defines all Cobra CLI commands for the fishquery binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/fishquery/fishquery-go/internal/audit"
	"github.com/fishquery/fishquery-go/internal/config"
	"github.com/fishquery/fishquery-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fishquery",
		Short: "FishQuery — fishing regulations Q&A powered by retrieval-augmented LLMs",
		Long: `FishQuery answers recreational fishing questions — bag limits, size limits,
closed seasons, licensing — grounded in ingested regulations documents.

Answers are retrieved from a Qdrant vector store, optionally reranked by a
cross-encoder, and streamed from the configured chat model with inline
[citation:N] markers pointing back to the source passages.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.fishquery/config.yaml).
See 'fishquery --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.fishquery/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewSearchCmd(),
		NewServeCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
