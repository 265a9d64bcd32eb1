package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fishquery/fishquery-go/internal/pipeline"
)

// SSEFormatter emits one generic SSE frame per pipeline event:
//
//	id: <n>
//	event: <sources|message|done|error>
//	data: <json>
//
// Frame ids start at 1 and increase by one per frame, so a reconnecting
// client can tell how much of the stream it saw.
type SSEFormatter struct {
	// w is the response body.
	w io.Writer

	// flusher pushes each frame to the client immediately.
	flusher flusher

	// nextID is the id assigned to the next frame.
	nextID int
}

// NewSSEFormatter returns a generic SSE formatter writing to w.
func NewSSEFormatter(w io.Writer, f flusher) *SSEFormatter {
	return &SSEFormatter{w: w, flusher: f, nextID: 1}
}

// Payload shapes for the generic SSE frames.
type sseSourcePayload struct {
	Index    int               `json:"index"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
	Score    float32           `json:"score"`
}

type sseMessagePayload struct {
	Content string `json:"content"`
}

type sseDonePayload struct {
	Reason string `json:"reason"`
}

type sseErrorPayload struct {
	Message string `json:"message"`
}

// Write encodes ev as one SSE frame and flushes it.
func (s *SSEFormatter) Write(ev pipeline.Event) error {
	var (
		name    string
		payload any
	)
	switch e := ev.(type) {
	case pipeline.SourcesEvent:
		// The sources frame carries previews, not full passages: the
		// answer cites by index, so the client only needs enough text
		// to label each citation, and the frame stays small.
		previews := make([]sseSourcePayload, 0, len(e.Sources))
		for _, src := range e.Sources {
			previews = append(previews, sseSourcePayload{
				Index:    src.Index,
				Content:  src.Preview(),
				Metadata: src.Metadata,
				Score:    src.Score,
			})
		}
		name, payload = "sources", previews
	case pipeline.TextDeltaEvent:
		name, payload = "message", sseMessagePayload{Content: e.Text}
	case pipeline.DoneEvent:
		name, payload = "done", sseDonePayload{Reason: e.Reason}
	case pipeline.ErrorEvent:
		name, payload = "error", sseErrorPayload{Message: e.Message}
	default:
		return fmt.Errorf("stream: unknown event type %T", ev)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: encoding %s frame: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.nextID, name, data); err != nil {
		return fmt.Errorf("stream: writing %s frame: %w", name, err)
	}
	s.nextID++
	s.flusher.Flush()
	return nil
}

// Close is a no-op: the generic framing carries its terminal marker in the
// done/error frame itself.
func (s *SSEFormatter) Close() error { return nil }
