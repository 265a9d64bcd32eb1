package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fishquery/fishquery-go/internal/pipeline"
	"github.com/fishquery/fishquery-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// PipelineTimeout is the wall-clock cap for one answer stream, covering
	// embedding, search, reranking and generation (default: 120s).
	PipelineTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// AdminAPIKey is the Bearer token required on GET /metrics. If empty,
	// the metrics endpoint is open (development mode).
	AdminAPIKey string
}

// querier is the interface handleChat calls to stream an answer.
// *pipeline.Pipeline satisfies it; tests inject a fake.
type querier interface {
	// Process runs the answer pipeline for query and returns its event
	// stream. The channel is closed after the terminal event.
	Process(ctx context.Context, query string, useReranking bool) <-chan pipeline.Event
}

// Server is the HTTP server that exposes the FishQuery chat API.
type Server struct {
	// pipeline answers queries; set to the real pipeline in production,
	// overridden by a fake in tests.
	pipeline querier
	// store persists chats, messages and user quotas.
	store store.ChatStore
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// chatRequest is the JSON body for POST /api/chats and POST /api/chats/{id}.
type chatRequest struct {
	// Message is the user's fishing regulations question.
	Message string `json:"message"`
	// UseReranking toggles the cross-encoder reranking pass. Defaults to
	// true when omitted.
	UseReranking *bool `json:"use_reranking,omitempty"`
}

// historyMessage is one message in a GET /api/chats/{id} response.
type historyMessage struct {
	// ID is the message UUID.
	ID string `json:"id"`
	// Role is "user" or "assistant".
	Role string `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// Metadata carries source citations and disconnect flags, if any.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is the RFC 3339 creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// historyResponse is the JSON response for GET /api/chats/{id}.
type historyResponse struct {
	// ChatID is the chat UUID.
	ChatID string `json:"chat_id"`
	// Title is the chat title derived from the first message.
	Title string `json:"title"`
	// Messages are all messages of the chat, oldest first.
	Messages []historyMessage `json:"messages"`
}
