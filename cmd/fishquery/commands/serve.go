package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fishquery/fishquery-go/internal/logging"
	"github.com/fishquery/fishquery-go/internal/server"
	"github.com/fishquery/fishquery-go/internal/store"
	"github.com/fishquery/fishquery-go/internal/tracing"
)

// NewServeCmd constructs the `fishquery serve` command, which starts the
// HTTP server exposing the streaming chat API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var pipelineTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the FishQuery HTTP server",
		Long: `Start the FishQuery HTTP server on localhost.

The server exposes the chat API: POST /api/chats starts a conversation and
streams the answer over SSE, POST /api/chats/{id} continues one, and
GET /api/chats/{id} returns its history. Registered users authenticate with
a Bearer token; anonymous callers are tracked by session cookie.

Examples:
  fishquery serve
  fishquery serve --port 9090
  MODEL_PROVIDER=azure fishquery serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Langfuse tracing is opt-in: no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			p, vecStore, chatModel, providerCfg, cleanup, err := buildPipeline(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer cleanup()

			// Open the chat store. FISHQUERY_DB overrides the default path
			// (~/.fishquery/fishquery.db).
			dbPath := os.Getenv("FISHQUERY_DB")
			if dbPath == "" {
				dbPath, err = store.DefaultDBPath()
				if err != nil {
					return fmt.Errorf("serve: could not resolve database path: %w", err)
				}
			}
			chatStore, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("serve: failed to open chat store at %s: %w", dbPath, err)
			}
			defer func() { _ = chatStore.Close() }()
			log.Info("chat store opened", slog.String("path", dbPath))

			if err := bootstrapTokens(ctx, chatStore, log); err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			pingers := []server.Pinger{
				server.NewLLMPinger(chatModel, string(providerCfg.Backend)),
				server.NewQdrantPinger(vecStore.Client()),
			}

			srv, err := server.New(p, chatStore, &server.Config{
				Host:            host,
				Port:            port,
				PipelineTimeout: pipelineTimeout,
				Logger:          log,
				Pingers:         pingers,
				AdminAPIKey:     os.Getenv("FISHQUERY_API_KEY"),
			}, prometheus.DefaultRegisterer)
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")
	cmd.Flags().DurationVar(&pipelineTimeout, "pipeline-timeout", 2*time.Minute, "Wall-clock cap per answer stream")

	return cmd
}

// bootstrapTokens registers API tokens supplied through FISHQUERY_API_TOKENS
// so a fresh deployment accepts them without seeding the database by hand.
// The value is a comma-separated list of email:token pairs.
func bootstrapTokens(ctx context.Context, st *store.SQLiteStore, log *slog.Logger) error {
	raw := os.Getenv("FISHQUERY_API_TOKENS")
	if raw == "" {
		return nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		email, token, ok := strings.Cut(entry, ":")
		if !ok || email == "" || token == "" {
			return fmt.Errorf("malformed FISHQUERY_API_TOKENS entry %q, want email:token", entry)
		}
		u, err := st.EnsureUser(ctx, email, token, 0)
		if err != nil {
			return fmt.Errorf("bootstrap token for %s: %w", email, err)
		}
		log.Info("api token registered", slog.String("email", u.Email))
	}
	return nil
}
