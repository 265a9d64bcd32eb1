// Package rag defines the retrieval types and interfaces for the FishQuery
// answer pipeline: vector storage, similarity search, and embedding.
// Concrete implementations (Qdrant, HTTP embedders) satisfy these interfaces
// so the pipeline layer never depends on a specific backend.
package rag

import (
	"context"
)

// Document is a retrieved regulation passage flowing through the pipeline.
// It is produced by a VectorStore search and may later have a rerank score
// attached by the reranker before citation sources are built from it.
type Document struct {
	// ID is the unique identifier for this passage chunk.
	ID string

	// Content is the raw text of the passage.
	Content string

	// Source is the URL of the document this passage was chunked from.
	Source string

	// Metadata holds arbitrary key-value payload carried from the vector
	// store (title, url, jurisdiction, species, etc.).
	Metadata map[string]string

	// VectorScore is the cosine similarity score assigned at search time.
	VectorScore float32

	// RerankScore is the cross-encoder relevance score, set only when
	// reranking ran. Nil means the document was never rescored.
	RerankScore *float32
}

// FinalScore returns the score that citation sources should expose:
// the rerank score when present, otherwise the vector similarity score.
func (d Document) FinalScore() float32 {
	if d.RerankScore != nil {
		return *d.RerankScore
	}
	return d.VectorScore
}

// VectorStore is the interface for persisting and searching passage
// embeddings. Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// Upsert stores or updates a batch of documents with their pre-computed
	// embeddings. embeddings[i] is the vector for docs[i].
	Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error

	// Search performs a similarity search and returns the top-k documents
	// whose score clears the store's relevance threshold. An empty result
	// is not an error.
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error)

	// Delete removes documents by their IDs.
	Delete(ctx context.Context, ids []string) error

	// Close releases any resources held by the store.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
