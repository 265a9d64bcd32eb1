// Package budget provides token budget estimation and context trimming for
// the answer pipeline. Because the pipeline supports multiple LLM backends
// with different tokenizers, this package uses a conservative character-based
// heuristic: 1 token ≈ 4 characters (English prose). This deliberately
// under-estimates token counts to leave headroom for model-specific overhead.
package budget

import (
	"github.com/cloudwego/eino/schema"

	"github.com/fishquery/fishquery-go/internal/rag"
)

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English prose; using 3
	// would be more aggressive but risks overflowing context windows.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default input context budget in tokens.
	// Conservative enough to fit within 8k-context models (Llama 3 8B,
	// GPT-3.5) while leaving room for the output.
	DefaultMaxContextTokens = 6000

	// perDocumentOverhead covers the "[Context i]: " prefix and the blank
	// line separating passages in the assembled prompt.
	perDocumentOverhead = 8
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Each message has a small per-message overhead (~4 tokens in most APIs).
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// FitDocuments drops the lowest-ranked documents from the end of docs until
// the estimated context-block token count fits within maxTokens. docs must
// already be in final relevance order. The first document is never dropped —
// a citation answer needs at least one passage; callers should warn
// separately if a single passage alone exceeds the budget.
func FitDocuments(docs []rag.Document, maxTokens int) []rag.Document {
	if len(docs) == 0 {
		return docs
	}

	total := 0
	for i, doc := range docs {
		cost := perDocumentOverhead + Estimate(doc.Content)
		if i > 0 && total+cost > maxTokens {
			return docs[:i]
		}
		total += cost
	}
	return docs
}
