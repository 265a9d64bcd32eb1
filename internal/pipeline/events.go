// Package pipeline implements the FishQuery answer pipeline: embed the
// question, search the vector store, rerank the candidates, and stream a
// citation-annotated LLM answer as a sequence of typed events.
//
// A well-formed event sequence for one question is
//
//	Sources? TextDelta* (Done | Error)
//
// Sources is emitted at most once and always first; Error only ever replaces
// the terminal Done, never interleaves with further deltas. Transport
// formatters rely on this grammar.
package pipeline

import (
	"strings"
)

// previewLimit is the maximum number of characters of passage content
// exposed in source payloads. Full content stays on the SourceDocument for
// callers that need it; the preview bounds wire and storage size.
const previewLimit = 200

// Event is one unit of pipeline output. It is a sealed sum type: the only
// variants are SourcesEvent, TextDeltaEvent, DoneEvent, and ErrorEvent, so
// formatters can switch exhaustively.
type Event interface {
	// isEvent marks the sealed variant set.
	isEvent()
}

// SourcesEvent carries the citable sources for the answer. Emitted exactly
// once, before any text, whenever retrieval found documents.
type SourcesEvent struct {
	// Sources is the ordered list of citable documents, indexed 1..N.
	Sources []SourceDocument
}

// TextDeltaEvent is one incremental fragment of generated answer text. It may
// contain inline citation markers of the form [citation:N].
type TextDeltaEvent struct {
	// Text is the raw fragment, never empty.
	Text string
}

// DoneEvent is the terminal success event.
type DoneEvent struct {
	// Reason is the stop reason reported to clients (normally "stop").
	Reason string
}

// ErrorEvent is the terminal failure event, emitted in place of DoneEvent.
type ErrorEvent struct {
	// Message is the human-readable failure description.
	Message string
}

func (SourcesEvent) isEvent()   {}
func (TextDeltaEvent) isEvent() {}
func (DoneEvent) isEvent()      {}
func (ErrorEvent) isEvent()     {}

// SourceDocument is a retrieved passage exposed for citation. Citation
// markers [citation:N] in generated text refer to Index. Immutable once built.
type SourceDocument struct {
	// Index is the 1-based citation index, stable for the lifetime of one query.
	Index int `json:"index"`

	// Content is the full passage text.
	Content string `json:"content"`

	// Metadata is the free-form payload carried from the vector store
	// (title, url, jurisdiction, ...).
	Metadata map[string]string `json:"metadata"`

	// Score is the final relevance score: the rerank score when reranking
	// ran, otherwise the raw vector-similarity score.
	Score float32 `json:"score"`
}

// Preview returns Content truncated to previewLimit characters with a
// trailing ellipsis when cut. Used for wire payloads and persisted metadata.
func (s SourceDocument) Preview() string {
	runes := []rune(s.Content)
	if len(runes) <= previewLimit {
		return s.Content
	}
	return string(runes[:previewLimit]) + "..."
}

// Title returns the metadata title, or fallback when none is present.
func (s SourceDocument) Title(fallback string) string {
	if t := strings.TrimSpace(s.Metadata["title"]); t != "" {
		return t
	}
	return fallback
}
