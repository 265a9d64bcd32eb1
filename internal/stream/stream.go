// Package stream adapts pipeline event sequences to outbound wire protocols.
//
// Two formatters are provided: a generic Server-Sent Events formatter that
// maps each pipeline event to one SSE frame, and a UI-stream formatter that
// speaks the richer framing chat frontends expect (explicit text span
// start/end markers, per-document source frames, a [DONE] sentinel). Both
// consume the same event sequence, so the transport layer can pick one
// per request without touching the pipeline.
package stream

import (
	"io"

	"github.com/fishquery/fishquery-go/internal/pipeline"
)

// Protocol names a wire format a client can request.
type Protocol string

const (
	// ProtocolSSE is the generic SSE framing: one frame per pipeline
	// event with a monotonically increasing id.
	ProtocolSSE Protocol = "sse"

	// ProtocolUIStream is the UI-stream framing with explicit text span
	// markers and a terminal [DONE] sentinel.
	ProtocolUIStream Protocol = "ui-stream"
)

// HeaderName is the request header clients use to select a protocol.
const HeaderName = "X-Stream-Protocol"

// Formatter writes pipeline events to an output stream in some wire format.
// Write is called once per event in pipeline order; implementations may
// carry running state across calls (frame ids, open text spans). A
// formatter is bound to one response stream and is not safe for concurrent
// use.
type Formatter interface {
	// Write encodes one event and flushes it to the client.
	Write(ev pipeline.Event) error

	// Close finalizes the stream after the last event. Formatters that
	// need trailing frames (terminal sentinels, span closers for streams
	// that ended without a Done) emit them here.
	Close() error
}

// flusher is the subset of http.Flusher the formatters need. Tests satisfy
// it with a no-op.
type flusher interface {
	Flush()
}

type nopFlusher struct{}

func (nopFlusher) Flush() {}

// For selects a formatter constructor by protocol name. Unknown values fall
// back to the generic SSE formatter so a typo in the header never breaks a
// client, it just gets the default framing.
func For(p Protocol, w io.Writer, f flusher) Formatter {
	if f == nil {
		f = nopFlusher{}
	}
	switch p {
	case ProtocolUIStream, "ui":
		return NewUIStreamFormatter(w, f)
	}
	return NewSSEFormatter(w, f)
}
