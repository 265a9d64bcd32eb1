package pipeline

import (
	"github.com/fishquery/fishquery-go/internal/rag"
)

// BuildSources converts the final ranked document list into citable source
// records. It is pure and total: index = position + 1 in input order, content
// and metadata are copied, and the score is the rerank score when present,
// otherwise the vector score. The caller is expected to have already sorted
// and truncated docs — no reordering happens here.
func BuildSources(docs []rag.Document) []SourceDocument {
	sources := make([]SourceDocument, 0, len(docs))
	for i, d := range docs {
		meta := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			meta[k] = v
		}
		sources = append(sources, SourceDocument{
			Index:    i + 1,
			Content:  d.Content,
			Metadata: meta,
			Score:    d.FinalScore(),
		})
	}
	return sources
}
