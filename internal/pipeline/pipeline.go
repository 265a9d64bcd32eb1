package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/fishquery/fishquery-go/internal/budget"
	"github.com/fishquery/fishquery-go/internal/logging"
	"github.com/fishquery/fishquery-go/internal/rag"
	"github.com/fishquery/fishquery-go/internal/rerank"
)

// NoKnowledgeMessage is the fixed answer streamed when the vector store
// returns no relevant passage. Absence of knowledge is a designed outcome,
// distinct from an error.
const NoKnowledgeMessage = "I don't have any knowledge base to help answer your question."

// Default result counts for the two retrieval stages.
const (
	// defaultTopK is the pre-rerank retrieval count.
	defaultTopK = 10
	// defaultRerankTopK is the post-rerank count handed to generation.
	defaultRerankTopK = 5
)

// Config holds the dependencies and tuning for a Pipeline.
type Config struct {
	// Embedder converts the question into a query vector. Required.
	Embedder rag.Embedder

	// Store performs the similarity search. Required.
	Store rag.VectorStore

	// Reranker re-scores candidates. May be nil; reranking is then skipped
	// and candidates are ordered by vector score.
	Reranker *rerank.Reranker

	// Generator streams the final answer. Required.
	Generator *Generator

	// TopK is the pre-rerank retrieval count. Defaults to 10 if zero.
	TopK int

	// RerankTopK is the post-rerank count. Defaults to 5 if zero.
	RerankTopK int
}

// Pipeline orchestrates one question through embed → search → rerank →
// generate. All external clients it holds are constructed once and shared
// across requests; the pipeline itself carries no per-request state and is
// safe for concurrent use.
type Pipeline struct {
	// embedder converts the question into a query vector.
	embedder rag.Embedder
	// store performs the similarity search.
	store rag.VectorStore
	// reranker re-scores candidates; nil disables reranking entirely.
	reranker *rerank.Reranker
	// generator streams the final answer.
	generator *Generator
	// topK is the pre-rerank retrieval count.
	topK int
	// rerankTopK is the post-rerank count.
	rerankTopK int
}

// New constructs a Pipeline from the given config.
func New(cfg *Config) (*Pipeline, error) {
	if cfg == nil || cfg.Embedder == nil {
		return nil, fmt.Errorf("pipeline: embedder must not be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline: vector store must not be nil")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("pipeline: generator must not be nil")
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	rerankTopK := cfg.RerankTopK
	if rerankTopK <= 0 {
		rerankTopK = defaultRerankTopK
	}

	return &Pipeline{
		embedder:   cfg.Embedder,
		store:      cfg.Store,
		reranker:   cfg.Reranker,
		generator:  cfg.Generator,
		topK:       topK,
		rerankTopK: rerankTopK,
	}, nil
}

// Process runs one question through the pipeline and returns its event
// stream. The channel is unbuffered — each event is delivered as soon as it
// is produced — and is always closed after a terminal Done or Error event,
// or once ctx is cancelled. The emitted sequence always matches the grammar
// Sources? TextDelta* (Done | Error); no failure escapes as a panic or a
// malformed stream.
func (p *Pipeline) Process(ctx context.Context, query string, useReranking bool) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		defer func() {
			if r := recover(); r != nil {
				logging.FromContext(ctx).Error("pipeline: recovered panic",
					slog.Any("panic", r))
				emit(ErrorEvent{Message: fmt.Sprintf("internal error: %v", r)})
			}
		}()

		p.run(ctx, query, useReranking, emit)
	}()

	return out
}

// run executes the embed → search → rerank → generate state machine,
// emitting events through emit. Each stage either advances or terminates the
// stream with a single ErrorEvent; there is no branching back.
func (p *Pipeline) run(ctx context.Context, query string, useReranking bool, emit func(Event) bool) {
	log := logging.FromContext(ctx)

	// Embedding.
	vectors, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		emit(ErrorEvent{Message: (&EmbeddingError{Err: err}).Error()})
		return
	}
	if len(vectors) == 0 {
		emit(ErrorEvent{Message: (&EmbeddingError{Err: fmt.Errorf("empty embedding result")}).Error()})
		return
	}

	// Searching.
	docs, err := p.store.Search(ctx, vectors[0], p.topK)
	if err != nil {
		emit(ErrorEvent{Message: (&SearchError{Err: err}).Error()})
		return
	}

	// Empty knowledge base: a fixed answer, not an error. Skips reranking
	// and generation entirely.
	if len(docs) == 0 {
		log.Info("pipeline: no relevant passages found")
		if emit(TextDeltaEvent{Text: NoKnowledgeMessage}) {
			emit(DoneEvent{Reason: "stop"})
		}
		return
	}

	// Reranking — or vector-score ordering when disabled. Either way the
	// generator receives at most rerankTopK documents in final order.
	if useReranking && p.reranker != nil {
		docs = p.reranker.Rerank(ctx, query, docs, p.rerankTopK)
	} else {
		docs = sortByVectorScore(docs, p.rerankTopK)
	}

	// Cap the context block so the prompt stays within the model's input
	// window. Lowest-ranked passages are dropped first.
	fitted := budget.FitDocuments(docs, budget.DefaultMaxContextTokens)
	if len(fitted) < len(docs) {
		log.Warn("pipeline: context budget trimmed passages",
			slog.Int("before", len(docs)),
			slog.Int("after", len(fitted)))
	}
	docs = fitted

	// Generating.
	p.generator.Generate(ctx, query, BuildSources(docs), emit)
}

// sortByVectorScore orders docs by vector similarity descending and truncates
// to topK, mirroring the reranker's output contract when reranking is off.
func sortByVectorScore(docs []rag.Document, topK int) []rag.Document {
	out := make([]rag.Document, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].VectorScore > out[j].VectorScore
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
