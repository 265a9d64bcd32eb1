package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fishquery/fishquery-go/internal/pipeline"
	"github.com/fishquery/fishquery-go/internal/store"
)

// ---------------------------------------------------------------------------
// Fake pipeline for chat handler tests
// ---------------------------------------------------------------------------

// fakePipeline implements the querier interface for tests. It replays a
// canned event sequence and records what it was asked.
type fakePipeline struct {
	// events is the sequence replayed on each Process call.
	events []pipeline.Event
	// hook, if set, runs after the last event and before the channel closes.
	hook func()

	gotQuery  string
	gotRerank bool
}

func (f *fakePipeline) Process(ctx context.Context, query string, useReranking bool) <-chan pipeline.Event {
	f.gotQuery = query
	f.gotRerank = useReranking
	ch := make(chan pipeline.Event)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if f.hook != nil {
			f.hook()
		}
	}()
	return ch
}

func answerEvents() []pipeline.Event {
	return []pipeline.Event{
		pipeline.SourcesEvent{Sources: []pipeline.SourceDocument{
			{Index: 1, Content: "Bag limit is 5.", Metadata: map[string]string{"title": "Limits"}, Score: 0.9},
		}},
		pipeline.TextDeltaEvent{Text: "The limit is five "},
		pipeline.TextDeltaEvent{Text: "[citation:1]."},
		pipeline.DoneEvent{Reason: "stop"},
	}
}

// newChatTestServer builds a full *Server wired with the given pipeline fake,
// an in-memory store, and a fresh metrics registry.
func newChatTestServer(t *testing.T, p querier) (*Server, *store.SQLiteStore) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s, err := New(p, st, &Config{Logger: slog.Default()}, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.stopRL)
	return s, st
}

func postChat(t *testing.T, s *Server, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Validation error paths
// ---------------------------------------------------------------------------

func TestHandleChat_MissingMessage(t *testing.T) {
	t.Parallel()

	s, _ := newChatTestServer(t, &fakePipeline{})
	w := postChat(t, s, "/api/chats", `{"use_reranking":true}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleChat_InvalidJSON(t *testing.T) {
	t.Parallel()

	s, _ := newChatTestServer(t, &fakePipeline{})
	w := postChat(t, s, "/api/chats", `not-json`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleChat_UnknownToken(t *testing.T) {
	t.Parallel()

	s, _ := newChatTestServer(t, &fakePipeline{})
	w := postChat(t, s, "/api/chats", `{"message":"hi"}`, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer no-such-token")
	})

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

// failingUserStore wraps a real store but fails token lookups with an
// opaque error, simulating a database outage.
type failingUserStore struct {
	*store.SQLiteStore
}

func (f failingUserStore) UserByToken(context.Context, string) (*store.User, error) {
	return nil, errors.New("disk I/O error")
}

func TestHandleChat_StoreFailureIsNotUnauthorized(t *testing.T) {
	t.Parallel()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s, err := New(&fakePipeline{}, failingUserStore{st}, &Config{Logger: slog.Default()}, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.stopRL)

	w := postChat(t, s, "/api/chats", `{"message":"hi"}`, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer tok")
	})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("store outage: expected 500, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

// TestHandleChat_NewChat verifies the full first-contact flow: a session
// cookie is minted, a chat is created with a derived title, both messages are
// persisted, and the SSE stream carries the answer.
func TestHandleChat_NewChat(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{events: answerEvents()}
	s, st := newChatTestServer(t, p)

	w := postChat(t, s, "/api/chats", `{"message":"What is the bag limit for barramundi?"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{"event: sources", "event: message", "event: done"} {
		if !strings.Contains(body, want) {
			t.Errorf("SSE body missing %q:\n%s", want, body)
		}
	}

	chatID := w.Header().Get("X-Chat-Id")
	if chatID == "" {
		t.Fatal("X-Chat-Id header not set")
	}
	if p.gotQuery != "What is the bag limit for barramundi?" || !p.gotRerank {
		t.Errorf("pipeline called with (%q, %v)", p.gotQuery, p.gotRerank)
	}

	// A session cookie identifies the anonymous caller.
	var sid string
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			sid = c.Value
		}
	}
	if sid == "" {
		t.Fatal("session cookie not set")
	}

	chat, err := st.GetChat(context.Background(), chatID, store.Owner{SessionID: sid})
	if err != nil {
		t.Fatalf("persisted chat not found: %v", err)
	}
	if chat.Title != "What is the bag limit for barramundi?" {
		t.Errorf("chat title = %q", chat.Title)
	}

	msgs, err := st.Messages(context.Background(), chatID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("want user+assistant persisted, got %d messages", len(msgs))
	}
	if msgs[1].Content != "The limit is five [citation:1]." {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}
	if _, ok := msgs[1].Metadata["sources"]; !ok {
		t.Errorf("assistant metadata lacks sources: %v", msgs[1].Metadata)
	}
	if _, ok := msgs[1].Metadata["client_disconnected"]; ok {
		t.Error("client_disconnected must not be set on a clean stream")
	}
}

func TestHandleChat_ContinueExistingChat(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{events: answerEvents()}
	s, _ := newChatTestServer(t, p)

	first := postChat(t, s, "/api/chats", `{"message":"first question"}`)
	chatID := first.Header().Get("X-Chat-Id")
	var session *http.Cookie
	for _, c := range first.Result().Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	if chatID == "" || session == nil {
		t.Fatal("first request did not establish chat and session")
	}

	second := postChat(t, s, "/api/chats/"+chatID, `{"message":"follow-up"}`, func(r *http.Request) {
		r.AddCookie(session)
	})
	if second.Code != http.StatusOK {
		t.Errorf("continuation: expected 200, got %d", second.Code)
	}
	if got := second.Header().Get("X-Chat-Id"); got != chatID {
		t.Errorf("continuation chat id = %q, want %q", got, chatID)
	}

	// A different session must not be able to post into the chat.
	foreign := postChat(t, s, "/api/chats/"+chatID, `{"message":"steal"}`, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: sessionCookie, Value: "someone-else"})
	})
	if foreign.Code != http.StatusNotFound {
		t.Errorf("foreign session: expected 404, got %d", foreign.Code)
	}
}

// TestHandleChat_CookielessClientKeepsSessionByAddress verifies that a
// client which never returns the session cookie can still continue its chat:
// the anonymous session falls back to the remote address, with the ephemeral
// port ignored.
func TestHandleChat_CookielessClientKeepsSessionByAddress(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{events: answerEvents()}
	s, _ := newChatTestServer(t, p)

	first := postChat(t, s, "/api/chats", `{"message":"first question"}`, func(r *http.Request) {
		r.RemoteAddr = "203.0.113.7:40001"
	})
	chatID := first.Header().Get("X-Chat-Id")
	if chatID == "" {
		t.Fatal("first request did not establish a chat")
	}

	// Same host, new connection, cookie discarded: the chat stays reachable.
	second := postChat(t, s, "/api/chats/"+chatID, `{"message":"follow-up"}`, func(r *http.Request) {
		r.RemoteAddr = "203.0.113.7:40002"
	})
	if second.Code != http.StatusOK {
		t.Errorf("cookie-less continuation: expected 200, got %d", second.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/chats/"+chatID, nil)
	req.RemoteAddr = "203.0.113.7:40003"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("cookie-less history: expected 200, got %d", rec.Code)
	}

	// A different host is a different session.
	foreign := postChat(t, s, "/api/chats/"+chatID, `{"message":"steal"}`, func(r *http.Request) {
		r.RemoteAddr = "198.51.100.9:40001"
	})
	if foreign.Code != http.StatusNotFound {
		t.Errorf("foreign host: expected 404, got %d", foreign.Code)
	}
}

func TestHandleChat_UIStreamProtocol(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{events: answerEvents()}
	s, _ := newChatTestServer(t, p)

	w := postChat(t, s, "/api/chats", `{"message":"bag limit?"}`, func(r *http.Request) {
		r.Header.Set("X-Stream-Protocol", "ui-stream")
	})

	body := w.Body.String()
	for _, want := range []string{"event: source", "event: text-delta", "event: finish-message", "data: [DONE]"} {
		if !strings.Contains(body, want) {
			t.Errorf("UI-stream body missing %q:\n%s", want, body)
		}
	}
}

func TestHandleChat_RerankingOptOut(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{events: answerEvents()}
	s, _ := newChatTestServer(t, p)

	postChat(t, s, "/api/chats", `{"message":"bag limit?","use_reranking":false}`)
	if p.gotRerank {
		t.Error("use_reranking=false was not passed through")
	}
}

// ---------------------------------------------------------------------------
// Quota enforcement
// ---------------------------------------------------------------------------

func TestHandleChat_QuotaEnforced(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{events: answerEvents()}
	s, st := newChatTestServer(t, p)

	if _, err := st.CreateUser(context.Background(), "angler@example.com", "tok-1", 1); err != nil {
		t.Fatalf("create user: %v", err)
	}
	auth := func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok-1") }

	if w := postChat(t, s, "/api/chats", `{"message":"first"}`, auth); w.Code != http.StatusOK {
		t.Fatalf("first message: expected 200, got %d", w.Code)
	}
	if w := postChat(t, s, "/api/chats", `{"message":"second"}`, auth); w.Code != http.StatusTooManyRequests {
		t.Errorf("over quota: expected 429, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Disconnect handling
// ---------------------------------------------------------------------------

// TestHandleChat_DisconnectPersistsPartialText simulates the client going
// away after two text deltas: the accumulated fragments must still be
// persisted, flagged with client_disconnected.
func TestHandleChat_DisconnectPersistsPartialText(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &fakePipeline{
		events: []pipeline.Event{
			pipeline.TextDeltaEvent{Text: "The bag "},
			pipeline.TextDeltaEvent{Text: "limit is"},
		},
		hook: cancel, // simulated disconnect after the second delta
	}
	s, st := newChatTestServer(t, p)

	req := httptest.NewRequest(http.MethodPost, "/api/chats", strings.NewReader(`{"message":"bag limit?"}`))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var sid string
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			sid = c.Value
		}
	}
	chatID := w.Header().Get("X-Chat-Id")
	if chatID == "" || sid == "" {
		t.Fatal("chat was not established before disconnect")
	}

	msgs, err := st.Messages(context.Background(), chatID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("want partial assistant message persisted, got %d messages", len(msgs))
	}
	if msgs[1].Content != "The bag limit is" {
		t.Errorf("partial text = %q, want the two delivered fragments", msgs[1].Content)
	}
	if v, ok := msgs[1].Metadata["client_disconnected"].(bool); !ok || !v {
		t.Errorf("client_disconnected flag missing: %v", msgs[1].Metadata)
	}
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func TestHandleHistory(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{events: answerEvents()}
	s, _ := newChatTestServer(t, p)

	w := postChat(t, s, "/api/chats", `{"message":"bag limit?"}`)
	chatID := w.Header().Get("X-Chat-Id")
	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/chats/"+chatID, nil)
	req.AddCookie(session)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if resp.ChatID != chatID || len(resp.Messages) != 2 {
		t.Errorf("unexpected history: %+v", resp)
	}
	if resp.Messages[0].Role != "user" || resp.Messages[1].Role != "assistant" {
		t.Errorf("history roles out of order: %+v", resp.Messages)
	}

	// Foreign sessions get a 404, not someone else's history.
	foreign := httptest.NewRequest(http.MethodGet, "/api/chats/"+chatID, nil)
	foreign.AddCookie(&http.Cookie{Name: sessionCookie, Value: "other"})
	frec := httptest.NewRecorder()
	s.Handler().ServeHTTP(frec, foreign)
	if frec.Code != http.StatusNotFound {
		t.Errorf("foreign history: expected 404, got %d", frec.Code)
	}
}

// ---------------------------------------------------------------------------
// Title derivation
// ---------------------------------------------------------------------------

func TestTitleFromMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"What is the bag limit?", "What is the bag limit?"},
		{"  spaced \n out \t question  ", "spaced out question"},
		{strings.Repeat("a", 60), strings.Repeat("a", 50) + "..."},
	}
	for _, tc := range cases {
		if got := titleFromMessage(tc.in); got != tc.want {
			t.Errorf("titleFromMessage(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
