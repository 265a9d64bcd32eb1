package embedder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSleep records requested backoff durations without actually sleeping.
func fakeSleep(recorded *[]time.Duration) sleepFunc {
	return func(_ context.Context, d time.Duration) error {
		*recorded = append(*recorded, d)
		return nil
	}
}

// embedOK is a minimal valid embeddings response for a single input.
const embedOK = `{"data":[{"embedding":[0.1,0.2,0.3],"index":0}]}`

func TestEmbed_RetriesOn429ThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(embedOK))
	}))
	defer srv.Close()

	var delays []time.Duration
	emb := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	emb.sleep = fakeSleep(&delays)

	vecs, err := emb.Embed(context.Background(), []string{"bag limit for barramundi"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 HTTP attempts, got %d", got)
	}
	if len(vecs) != 1 || len(vecs[0]) != 3 {
		t.Fatalf("unexpected embeddings: %v", vecs)
	}

	// Backoff must be 2^attempt seconds: 2s then 4s.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected %d backoffs, got %d (%v)", len(want), len(delays), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestEmbed_ExhaustsRetriesOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var delays []time.Duration
	emb := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	emb.sleep = fakeSleep(&delays)

	_, err := emb.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := calls.Load(); got != maxAttempts {
		t.Errorf("expected %d attempts, got %d", maxAttempts, got)
	}
	if !strings.Contains(err.Error(), "attempts exhausted") {
		t.Errorf("error should mention exhausted attempts, got: %v", err)
	}
}

func TestEmbed_FailsFastOnNonRetryableStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid model"}}`))
	}))
	defer srv.Close()

	var delays []time.Duration
	emb := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "nope"})
	emb.sleep = fakeSleep(&delays)

	_, err := emb.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("non-retryable status must not be retried: %d attempts", got)
	}
	if len(delays) != 0 {
		t.Errorf("no backoff expected, got %v", delays)
	}
	if !strings.Contains(err.Error(), "invalid model") {
		t.Errorf("API error message should surface, got: %v", err)
	}
}

func TestEmbed_RetriesOnConnectionError(t *testing.T) {
	t.Parallel()

	// A server that is immediately closed produces connection-refused errors.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	var delays []time.Duration
	emb := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	emb.sleep = fakeSleep(&delays)

	_, err := emb.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
	if len(delays) != maxAttempts-1 {
		t.Errorf("expected %d backoffs for connection errors, got %d", maxAttempts-1, len(delays))
	}
}

func TestEmbed_SendsTaskHint(t *testing.T) {
	t.Parallel()

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		_, _ = w.Write([]byte(embedOK))
	}))
	defer srv.Close()

	emb := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m", Task: TaskQuery})
	if _, err := emb.Embed(context.Background(), []string{"q"}); err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if !strings.Contains(gotBody, `"task":"retrieval.query"`) {
		t.Errorf("request body missing task hint: %s", gotBody)
	}
}
