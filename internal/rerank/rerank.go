// Package rerank implements the second-pass relevance scoring stage of the
// answer pipeline. A cross-encoder scores each (query, passage) pair jointly,
// which is far more accurate than the first-pass vector similarity but also
// far more expensive — so inference is bounded by a small worker pool and
// treated strictly as an optimization: any scoring failure degrades to the
// original vector-similarity ordering instead of failing the request.
package rerank

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/fishquery/fishquery-go/internal/logging"
	"github.com/fishquery/fishquery-go/internal/rag"
)

// poolSize is the maximum number of simultaneous cross-encoder inferences.
// Kept small because each inference holds the model's working memory; callers
// beyond the limit queue on the semaphore.
const poolSize = 2

// Scorer scores (query, passage) pairs with a cross-encoder model.
// Implementations may be expensive to construct; the Reranker loads them
// lazily and exactly once.
type Scorer interface {
	// Score returns one relevance score per passage, parallel to passages.
	Score(ctx context.Context, query string, passages []string) ([]float32, error)
}

// Reranker re-scores retrieved passages with a lazily loaded Scorer.
// It is safe for concurrent use; the worker-pool semaphore is the only
// concurrency limit it enforces.
type Reranker struct {
	// load constructs the scorer on first use.
	load func() (Scorer, error)

	// once guards the single scorer construction.
	once sync.Once
	// scorer is the loaded cross-encoder, nil until first use.
	scorer Scorer
	// loadErr records a failed load; every Rerank call then takes the
	// fallback path without retrying the load.
	loadErr error

	// slots is the worker-pool semaphore bounding concurrent inference.
	slots chan struct{}
}

// New constructs a Reranker whose scorer is built by load on first use.
func New(load func() (Scorer, error)) *Reranker {
	return &Reranker{
		load:  load,
		slots: make(chan struct{}, poolSize),
	}
}

// Rerank scores docs against query, sorts them by the new score descending,
// and truncates to topK. It never returns an error: if the scorer cannot be
// loaded, inference fails, or the caller's context is cancelled while queued,
// the input is sorted by its existing vector score instead. The returned
// slice is a copy; the input is not reordered.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []rag.Document, topK int) []rag.Document {
	if len(docs) == 0 {
		return nil
	}

	log := logging.FromContext(ctx)

	r.once.Do(func() {
		r.scorer, r.loadErr = r.load()
	})
	if r.loadErr != nil {
		log.Warn("rerank: scorer unavailable, falling back to vector order",
			slog.Any("error", r.loadErr))
		return fallbackSort(docs, topK)
	}

	// Queue for an inference slot; a cancelled caller degrades gracefully
	// rather than blocking or erroring.
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		return fallbackSort(docs, topK)
	}

	passages := make([]string, len(docs))
	for i, d := range docs {
		passages[i] = d.Content
	}

	scores, err := r.scorer.Score(ctx, query, passages)
	if err != nil || len(scores) != len(docs) {
		log.Warn("rerank: scoring failed, falling back to vector order",
			slog.Int("documents", len(docs)),
			slog.Any("error", err))
		return fallbackSort(docs, topK)
	}

	out := make([]rag.Document, len(docs))
	copy(out, docs)
	for i := range out {
		s := scores[i]
		out[i].RerankScore = &s
	}

	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RerankScore > *out[j].RerankScore
	})
	return truncate(out, topK)
}

// fallbackSort orders docs by their first-pass vector score descending and
// truncates to topK, preserving the contract of a successful rerank.
func fallbackSort(docs []rag.Document, topK int) []rag.Document {
	out := make([]rag.Document, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].VectorScore > out[j].VectorScore
	})
	return truncate(out, topK)
}

// truncate bounds docs to topK entries. topK <= 0 means no limit.
func truncate(docs []rag.Document, topK int) []rag.Document {
	if topK > 0 && len(docs) > topK {
		return docs[:topK]
	}
	return docs
}
