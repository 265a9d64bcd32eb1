package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/cloudwego/eino/components/model"

	"github.com/fishquery/fishquery-go/internal/embedder"
	"github.com/fishquery/fishquery-go/internal/pipeline"
	"github.com/fishquery/fishquery-go/internal/provider"
	"github.com/fishquery/fishquery-go/internal/rag"
	"github.com/fishquery/fishquery-go/internal/rerank"
)

// buildVectorStore connects to Qdrant using QDRANT_* environment variables
// and ensures the collection exists with the embedder's vector size.
func buildVectorStore(ctx context.Context) (*rag.QdrantStore, error) {
	embBackend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
	vectorSize := uint64(embedder.DefaultDimensions(embBackend)) //nolint:gosec // dimensions are bounded

	host := getEnvOrDefault("QDRANT_HOST", "localhost")
	port := getEnvInt("QDRANT_PORT", 6334)

	store, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
		Host:       host,
		Port:       port,
		Collection: getEnvOrDefault("QDRANT_COLLECTION", "fishing-regulations"),
		VectorSize: vectorSize,
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
	}
	return store, nil
}

// buildReranker constructs the cross-encoder reranker from RERANK_* env
// vars. Returns nil when RERANK_ENDPOINT is unset — the answer pipeline
// then falls back to vector-score ordering.
func buildReranker(log *slog.Logger) *rerank.Reranker {
	endpoint := os.Getenv("RERANK_ENDPOINT")
	if endpoint == "" {
		log.Info("reranker disabled", slog.String("reason", "RERANK_ENDPOINT not set"))
		return nil
	}

	return rerank.New(func() (rerank.Scorer, error) {
		return rerank.NewHTTPScorer(&rerank.HTTPScorerConfig{
			Endpoint: endpoint,
			APIKey:   os.Getenv("RERANK_API_KEY"),
			Model:    getEnvOrDefault("RERANK_MODEL", "bge-reranker-v2-m3"),
		}), nil
	})
}

// buildPipeline wires the full answer pipeline: embedder, vector store,
// reranker, and streaming generator. The returned cleanup closes the Qdrant
// client; callers must invoke it on shutdown.
func buildPipeline(ctx context.Context, log *slog.Logger) (*pipeline.Pipeline, *rag.QdrantStore, model.BaseChatModel, *provider.Config, func(), error) {
	chatModel, providerCfg, err := provider.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	log.Info("provider initialised",
		slog.String("provider", string(providerCfg.Backend)),
		slog.String("model", providerCfg.ModelName()),
	)

	emb, err := embedder.NewFromEnv(embedder.TaskQuery)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}

	store, err := buildVectorStore(ctx)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	generator, err := pipeline.NewGenerator(chatModel, &pipeline.GeneratorConfig{
		ModelName:   providerCfg.ModelName(),
		MaxTokens:   providerCfg.Tuning.MaxTokens,
		Temperature: providerCfg.Tuning.Temperature,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to create generator: %w", err)
	}

	p, err := pipeline.New(&pipeline.Config{
		Embedder:   emb,
		Store:      store,
		Reranker:   buildReranker(log),
		Generator:  generator,
		TopK:       getEnvInt("TOP_K", 0),
		RerankTopK: getEnvInt("RERANK_TOP_K", 0),
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	cleanup := func() { _ = store.Close() }
	return p, store, chatModel, providerCfg, cleanup, nil
}

// getEnvOrDefault returns the env var value, or fallback when unset.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the env var parsed as int, or fallback when unset or
// unparseable.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
