package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/fishquery/fishquery-go/internal/pipeline"
)

// UIStreamFormatter speaks the UI-stream framing: named SSE events with
// explicit start/end markers around the text span and a terminal [DONE]
// sentinel. The richer framing lets a frontend render a typing indicator
// before the first token and distinguish source cards from answer text.
//
// Frame sequence for a successful query:
//
//	source*  message-start  text-start  text-delta*  text-end
//	finish-message  done
//
// On error the text span (if open) is closed, then an error frame and the
// done sentinel follow, so the client is never left waiting.
type UIStreamFormatter struct {
	w       io.Writer
	flusher flusher

	// messageID identifies the assistant message being streamed.
	messageID string
	// textID identifies the single text span within the message.
	textID string

	// textOpen is set once message-start/text-start have been written,
	// which happens lazily on the first TextDelta.
	textOpen bool
	// terminated is set once the done sentinel has been written.
	terminated bool
}

// NewUIStreamFormatter returns a UI-stream formatter writing to w.
func NewUIStreamFormatter(w io.Writer, f flusher) *UIStreamFormatter {
	return &UIStreamFormatter{
		w:         w,
		flusher:   f,
		messageID: uuid.NewString(),
		textID:    uuid.NewString(),
	}
}

func (u *UIStreamFormatter) frame(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: encoding %s frame: %w", name, err)
	}
	if _, err := fmt.Fprintf(u.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("stream: writing %s frame: %w", name, err)
	}
	u.flusher.Flush()
	return nil
}

// openText writes the message-start/text-start pair once.
func (u *UIStreamFormatter) openText() error {
	if u.textOpen {
		return nil
	}
	if err := u.frame("message-start", map[string]string{"messageId": u.messageID}); err != nil {
		return err
	}
	if err := u.frame("text-start", map[string]string{"id": u.textID}); err != nil {
		return err
	}
	u.textOpen = true
	return nil
}

// closeText writes text-end if a span is open.
func (u *UIStreamFormatter) closeText() error {
	if !u.textOpen {
		return nil
	}
	u.textOpen = false
	return u.frame("text-end", map[string]string{"id": u.textID})
}

// sentinel writes the terminal done frame carrying the literal [DONE].
func (u *UIStreamFormatter) sentinel() error {
	if u.terminated {
		return nil
	}
	u.terminated = true
	if _, err := fmt.Fprintf(u.w, "event: done\ndata: [DONE]\n\n"); err != nil {
		return fmt.Errorf("stream: writing done sentinel: %w", err)
	}
	u.flusher.Flush()
	return nil
}

// sourceFrame is the payload of one source frame: the citation id, a
// display title, and the full document record.
type sourceFrame struct {
	ID       string                  `json:"id"`
	Title    string                  `json:"title"`
	Document pipeline.SourceDocument `json:"document"`
}

// Write encodes one pipeline event as one or more UI-stream frames.
func (u *UIStreamFormatter) Write(ev pipeline.Event) error {
	switch e := ev.(type) {
	case pipeline.SourcesEvent:
		// One frame per document, not a batched array.
		for _, src := range e.Sources {
			f := sourceFrame{
				ID:       fmt.Sprintf("%s-source-%d", u.messageID, src.Index),
				Title:    src.Title(fmt.Sprintf("Source %d", src.Index)),
				Document: src,
			}
			if err := u.frame("source", f); err != nil {
				return err
			}
		}
		return nil

	case pipeline.TextDeltaEvent:
		if err := u.openText(); err != nil {
			return err
		}
		return u.frame("text-delta", map[string]string{"id": u.textID, "delta": e.Text})

	case pipeline.DoneEvent:
		if err := u.closeText(); err != nil {
			return err
		}
		if err := u.frame("finish-message", map[string]string{"reason": e.Reason}); err != nil {
			return err
		}
		return u.sentinel()

	case pipeline.ErrorEvent:
		if err := u.closeText(); err != nil {
			return err
		}
		if err := u.frame("error", map[string]string{"message": e.Message}); err != nil {
			return err
		}
		return u.sentinel()

	default:
		return fmt.Errorf("stream: unknown event type %T", ev)
	}
}

// Close terminates the stream if no Done/Error frame got through, e.g. when
// the pipeline was cancelled mid-stream. The client always sees [DONE].
func (u *UIStreamFormatter) Close() error {
	if u.terminated {
		return nil
	}
	if err := u.closeText(); err != nil {
		return err
	}
	return u.sentinel()
}
