package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/fishquery/fishquery-go/internal/rag"
	"github.com/fishquery/fishquery-go/internal/rerank"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeEmbedder returns a fixed vector or a fixed error, counting calls.
type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vector
	}
	return out, nil
}

// fakeStore returns fixed documents or a fixed error and records the query.
type fakeStore struct {
	docs     []rag.Document
	err      error
	searches int
	lastVec  []float32
	lastTopK int
}

func (f *fakeStore) Search(_ context.Context, vec []float32, topK int) ([]rag.Document, error) {
	f.searches++
	f.lastVec = vec
	f.lastTopK = topK
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

func (f *fakeStore) Upsert(context.Context, []rag.Document, [][]float32) error { return nil }
func (f *fakeStore) Delete(context.Context, []string) error                    { return nil }
func (f *fakeStore) Close() error                                              { return nil }

// fakeChatModel implements model.BaseChatModel, streaming canned chunks and
// optionally failing at stream start or mid-stream.
type fakeChatModel struct {
	chunks    []string
	startErr  error
	streamErr error
}

func (f *fakeChatModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(strings.Join(f.chunks, ""), nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	sr, sw := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range f.chunks {
			if closed := sw.Send(schema.AssistantMessage(c, nil), nil); closed {
				return
			}
		}
		if f.streamErr != nil {
			sw.Send(nil, f.streamErr)
		}
	}()
	return sr, nil
}

// failingScorer always errors, driving the reranker onto its fallback path.
type failingScorer struct{ calls int }

func (f *failingScorer) Score(context.Context, string, []string) ([]float32, error) {
	f.calls++
	return nil, errors.New("scorer down")
}

// newTestPipeline wires a pipeline from the given fakes with a working
// generator unless overridden.
func newTestPipeline(t *testing.T, emb rag.Embedder, store rag.VectorStore, rr *rerank.Reranker, cm model.BaseChatModel) *Pipeline {
	t.Helper()
	gen, err := NewGenerator(cm, &GeneratorConfig{ModelName: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	p, err := New(&Config{
		Embedder:  emb,
		Store:     store,
		Reranker:  rr,
		Generator: gen,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// collect drains the event channel with a timeout guard.
func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out draining events; got %d so far", len(events))
		}
	}
}

// assertGrammar verifies the sequence Sources? TextDelta* (Done | Error).
func assertGrammar(t *testing.T, events []Event) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("empty event sequence")
	}
	terminalSeen := false
	for i, ev := range events {
		switch ev.(type) {
		case SourcesEvent:
			if i != 0 {
				t.Errorf("Sources at position %d, must be first", i)
			}
		case TextDeltaEvent:
			if terminalSeen {
				t.Errorf("TextDelta at position %d after terminal event", i)
			}
		case DoneEvent, ErrorEvent:
			if terminalSeen {
				t.Errorf("second terminal event at position %d", i)
			}
			terminalSeen = true
		default:
			t.Errorf("unknown event type at position %d: %T", i, ev)
		}
	}
	if !terminalSeen {
		t.Error("sequence has no terminal Done/Error event")
	}
}

func regulationDocs() []rag.Document {
	return []rag.Document{
		{ID: "a", Content: "The bag limit for barramundi is 5 per person per day.", VectorScore: 0.71, Metadata: map[string]string{"title": "Barramundi limits"}},
		{ID: "b", Content: "Barramundi closed season runs from 1 November to 31 January.", VectorScore: 0.88, Metadata: map[string]string{"title": "Closed seasons"}},
		{ID: "c", Content: "A minimum size of 58 cm applies to barramundi.", VectorScore: 0.64, Metadata: map[string]string{"title": "Size limits"}},
	}
}

// ---------------------------------------------------------------------------
// Pipeline behaviour
// ---------------------------------------------------------------------------

// TestProcess_BarramundiScenario is the end-to-end happy path with reranking
// disabled: sources indexed 1..3 sorted by vector score descending, then
// citation-bearing text, then Done.
func TestProcess_BarramundiScenario(t *testing.T) {
	t.Parallel()

	store := &fakeStore{docs: regulationDocs()}
	cm := &fakeChatModel{chunks: []string{
		"The daily bag limit for barramundi is five fish [citation:2].",
		" A 58 cm minimum size applies [citation:3].",
	}}
	p := newTestPipeline(t, &fakeEmbedder{vector: []float32{0.1, 0.2}}, store, nil, cm)

	events := collect(t, p.Process(context.Background(), "What is the bag limit for barramundi?", false))
	assertGrammar(t, events)

	src, ok := events[0].(SourcesEvent)
	if !ok {
		t.Fatalf("first event is %T, want SourcesEvent", events[0])
	}
	if len(src.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(src.Sources))
	}
	for i, s := range src.Sources {
		if s.Index != i+1 {
			t.Errorf("source %d has index %d, want %d", i, s.Index, i+1)
		}
	}
	// Vector-score descending: b (0.88), a (0.71), c (0.64).
	if src.Sources[0].Content != regulationDocs()[1].Content {
		t.Errorf("top source is %q, want the highest-scored passage", src.Sources[0].Content)
	}

	var text strings.Builder
	for _, ev := range events {
		if d, ok := ev.(TextDeltaEvent); ok {
			text.WriteString(d.Text)
		}
	}
	hasCitation := false
	for n := 1; n <= 3; n++ {
		if strings.Contains(text.String(), fmt.Sprintf("[citation:%d]", n)) {
			hasCitation = true
		}
	}
	if !hasCitation {
		t.Errorf("generated text has no [citation:N] marker: %q", text.String())
	}

	last := events[len(events)-1]
	if done, ok := last.(DoneEvent); !ok || done.Reason != "stop" {
		t.Errorf("terminal event = %#v, want DoneEvent{stop}", last)
	}
	if store.lastTopK != defaultTopK {
		t.Errorf("search topK = %d, want %d", store.lastTopK, defaultTopK)
	}
}

// TestProcess_EmptyKnowledgeBase verifies the designed empty-result path:
// exactly two events, the fixed fallback text then Done, with no Sources and
// no reranking attempted.
func TestProcess_EmptyKnowledgeBase(t *testing.T) {
	t.Parallel()

	scorer := &failingScorer{}
	rr := rerank.New(func() (rerank.Scorer, error) { return scorer, nil })
	p := newTestPipeline(t, &fakeEmbedder{vector: []float32{0.1}}, &fakeStore{}, rr, &fakeChatModel{})

	events := collect(t, p.Process(context.Background(), "any question", true))

	if len(events) != 2 {
		t.Fatalf("expected exactly 2 events, got %d: %#v", len(events), events)
	}
	delta, ok := events[0].(TextDeltaEvent)
	if !ok || delta.Text != NoKnowledgeMessage {
		t.Errorf("first event = %#v, want the fixed fallback TextDelta", events[0])
	}
	if done, ok := events[1].(DoneEvent); !ok || done.Reason != "stop" {
		t.Errorf("second event = %#v, want DoneEvent{stop}", events[1])
	}
	if scorer.calls != 0 {
		t.Errorf("reranker must not be invoked on empty results (called %d times)", scorer.calls)
	}
}

// TestProcess_EmbeddingSearchedExactlyOnce pins the retrieval contract: one
// Embed call per query, and the store searched exactly once with the vector
// the embedder handed back. Transient rate-limit retries are the embedder's
// internal business and must never multiply embed or search calls as seen
// from here.
func TestProcess_EmbeddingSearchedExactlyOnce(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vector: []float32{0.31, 0.62, 0.93}}
	store := &fakeStore{docs: regulationDocs()}
	cm := &fakeChatModel{chunks: []string{"Answer [citation:1]."}}
	p := newTestPipeline(t, emb, store, nil, cm)

	events := collect(t, p.Process(context.Background(), "size limit for snapper?", false))
	assertGrammar(t, events)

	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}
	if store.searches != 1 {
		t.Errorf("vector store searched %d times, want 1", store.searches)
	}
	if !slices.Equal(store.lastVec, emb.vector) {
		t.Errorf("store queried with %v, want the embedder's vector %v", store.lastVec, emb.vector)
	}
}

func TestProcess_EmbeddingFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{docs: regulationDocs()}
	p := newTestPipeline(t, &fakeEmbedder{err: errors.New("quota exceeded")}, store, nil, &fakeChatModel{})

	events := collect(t, p.Process(context.Background(), "q", true))
	assertGrammar(t, events)

	if len(events) != 1 {
		t.Fatalf("expected a single Error event, got %d events", len(events))
	}
	ev, ok := events[0].(ErrorEvent)
	if !ok {
		t.Fatalf("got %T, want ErrorEvent", events[0])
	}
	if !strings.Contains(ev.Message, "embedding failed") {
		t.Errorf("error message %q should identify the embedding stage", ev.Message)
	}
	if store.searches != 0 {
		t.Errorf("vector store must not be queried after embed failure")
	}
}

func TestProcess_SearchFailure(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &fakeEmbedder{vector: []float32{0.1}}, &fakeStore{err: errors.New("connection refused")}, nil, &fakeChatModel{})

	events := collect(t, p.Process(context.Background(), "q", true))
	if len(events) != 1 {
		t.Fatalf("expected a single Error event, got %d events", len(events))
	}
	ev, ok := events[0].(ErrorEvent)
	if !ok || !strings.Contains(ev.Message, "vector search failed") {
		t.Errorf("got %#v, want a search ErrorEvent", events[0])
	}
}

// TestProcess_GenerationFailureAfterSources verifies the legitimate
// partial-then-error sequence: Sources may precede the Error.
func TestProcess_GenerationFailureAfterSources(t *testing.T) {
	t.Parallel()

	cm := &fakeChatModel{chunks: []string{"The bag "}, streamErr: errors.New("upstream reset")}
	p := newTestPipeline(t, &fakeEmbedder{vector: []float32{0.1}}, &fakeStore{docs: regulationDocs()}, nil, cm)

	events := collect(t, p.Process(context.Background(), "q", false))
	assertGrammar(t, events)

	if _, ok := events[0].(SourcesEvent); !ok {
		t.Fatalf("first event is %T, want SourcesEvent", events[0])
	}
	last := events[len(events)-1]
	ev, ok := last.(ErrorEvent)
	if !ok || !strings.Contains(ev.Message, "answer generation failed") {
		t.Errorf("terminal event = %#v, want a generation ErrorEvent", last)
	}
}

// TestProcess_RerankerFallbackIsNotAFailure verifies that a broken scorer
// degrades to vector ordering without surfacing any error event.
func TestProcess_RerankerFallbackIsNotAFailure(t *testing.T) {
	t.Parallel()

	rr := rerank.New(func() (rerank.Scorer, error) { return &failingScorer{}, nil })
	cm := &fakeChatModel{chunks: []string{"Answer [citation:1]."}}
	p := newTestPipeline(t, &fakeEmbedder{vector: []float32{0.1}}, &fakeStore{docs: regulationDocs()}, rr, cm)

	events := collect(t, p.Process(context.Background(), "q", true))
	assertGrammar(t, events)

	src, ok := events[0].(SourcesEvent)
	if !ok {
		t.Fatalf("first event is %T, want SourcesEvent", events[0])
	}
	// Fallback order is vector-score descending.
	if src.Sources[0].Content != regulationDocs()[1].Content {
		t.Errorf("fallback did not order by vector score: top = %q", src.Sources[0].Content)
	}
	if _, ok := events[len(events)-1].(DoneEvent); !ok {
		t.Errorf("terminal event = %#v, want DoneEvent", events[len(events)-1])
	}
}

// TestProcess_CancelledConsumer verifies that an abandoned consumer causes
// the stream goroutine to exit and close the channel without blocking.
func TestProcess_CancelledConsumer(t *testing.T) {
	t.Parallel()

	cm := &fakeChatModel{chunks: []string{"one ", "two ", "three ", "four "}}
	p := newTestPipeline(t, &fakeEmbedder{vector: []float32{0.1}}, &fakeStore{docs: regulationDocs()}, nil, cm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := p.Process(ctx, "q", false)

	// Consume the sources event and two deltas, then walk away.
	got := 0
	for ev := range ch {
		if _, ok := ev.(TextDeltaEvent); ok {
			got++
		}
		if got == 2 {
			cancel()
			break
		}
	}

	// The channel must close promptly after cancellation.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("event channel did not close after context cancellation")
		}
	}
}

func TestProcess_RerankingDisabledTruncatesToRerankTopK(t *testing.T) {
	t.Parallel()

	var docs []rag.Document
	for i := 0; i < 8; i++ {
		docs = append(docs, rag.Document{
			ID:          fmt.Sprintf("d%d", i),
			Content:     fmt.Sprintf("passage %d", i),
			VectorScore: float32(i) / 10,
		})
	}
	cm := &fakeChatModel{chunks: []string{"ok [citation:1]"}}
	p := newTestPipeline(t, &fakeEmbedder{vector: []float32{0.1}}, &fakeStore{docs: docs}, nil, cm)

	events := collect(t, p.Process(context.Background(), "q", false))
	src := events[0].(SourcesEvent)
	if len(src.Sources) != defaultRerankTopK {
		t.Fatalf("expected %d sources, got %d", defaultRerankTopK, len(src.Sources))
	}
	// Highest vector score first, indices renumbered 1..N.
	if src.Sources[0].Content != "passage 7" || src.Sources[0].Index != 1 {
		t.Errorf("unexpected top source: %+v", src.Sources[0])
	}
}
