package pipeline

import "fmt"

// EmbeddingError reports that the embedding backend exhausted its retries or
// returned a non-retryable failure. It aborts the pipeline.
type EmbeddingError struct {
	// Err is the underlying embedder failure.
	Err error
}

func (e *EmbeddingError) Error() string { return fmt.Sprintf("embedding failed: %v", e.Err) }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// SearchError reports that the vector store was unreachable or returned a
// malformed response. It aborts the pipeline. An empty result set is NOT a
// SearchError — absence of knowledge is a designed outcome, not a failure.
type SearchError struct {
	// Err is the underlying store failure.
	Err error
}

func (e *SearchError) Error() string { return fmt.Sprintf("vector search failed: %v", e.Err) }
func (e *SearchError) Unwrap() error { return e.Err }

// GenerationError reports that the LLM call failed or its stream broke.
// A SourcesEvent may already have been emitted by the time it surfaces;
// callers must treat a sources-then-error sequence as legitimate.
type GenerationError struct {
	// Err is the underlying model failure.
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("answer generation failed: %v", e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }
