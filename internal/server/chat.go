package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fishquery/fishquery-go/internal/logging"
	"github.com/fishquery/fishquery-go/internal/pipeline"
	"github.com/fishquery/fishquery-go/internal/store"
	"github.com/fishquery/fishquery-go/internal/stream"
)

// sessionCookie names the cookie keying anonymous chat ownership.
const sessionCookie = "fq_session"

// titleLimit is the maximum chat title length derived from the first message.
const titleLimit = 50

// persistTimeout bounds the assistant-message write that runs after the
// request context is already cancelled or expired.
const persistTimeout = 5 * time.Second

// titleFromMessage derives a chat title from the first user message:
// whitespace squeezed to single spaces, truncated to 50 characters.
func titleFromMessage(msg string) string {
	clean := strings.Join(strings.Fields(msg), " ")
	runes := []rune(clean)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit]) + "..."
	}
	return clean
}

// resolveOwner identifies the caller: a registered user via Bearer token, an
// anonymous session via the fq_session cookie (set on first contact), or the
// remote address as a last resort. It returns the owner plus the user record
// when the caller is registered.
func (s *Server) resolveOwner(w http.ResponseWriter, r *http.Request) (store.Owner, *store.User, error) {
	if token := bearerToken(r); token != "" {
		u, err := s.store.UserByToken(r.Context(), token)
		if err != nil {
			return store.Owner{}, nil, err
		}
		return store.Owner{UserID: u.ID}, u, nil
	}

	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return store.Owner{SessionID: c.Value}, nil, nil
	}

	// New anonymous caller: the session is keyed on the remote address, so
	// a cookie-less client (curl, plain SDKs) keeps continuity across
	// requests from the same host. The cookie carries the same id, which
	// pins cookie-aware clients to the session even if their address moves.
	sid := sessionFromAddr(r.RemoteAddr)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return store.Owner{SessionID: sid}, nil, nil
}

// writeOwnerError maps a resolveOwner failure to a response: an unknown
// token is the caller's fault, anything else is a store failure and must not
// read as an auth rejection.
func writeOwnerError(w http.ResponseWriter, log *slog.Logger, err error) {
	if errors.Is(err, store.ErrUserNotFound) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	log.Error("owner resolution failed", slog.Any("error", err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// sessionFromAddr derives an anonymous session id from a remote address,
// dropping the ephemeral port so consecutive connections from the same host
// map to the same session.
func sessionFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return "addr:" + host
}

// handleChat handles POST /api/chats (new chat) and POST /api/chats/{id}
// (continue an existing chat). The user message is persisted first, the
// answer is streamed over the caller's chosen wire protocol, and the
// assistant message is persisted when the stream ends — including on client
// disconnect, where the partial text is tagged in metadata.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	useReranking := true
	if req.UseReranking != nil {
		useReranking = *req.UseReranking
	}

	owner, user, err := s.resolveOwner(w, r)
	if err != nil {
		writeOwnerError(w, log, err)
		return
	}

	// Registered users spend one message from their daily allowance before
	// the pipeline runs. Anonymous callers are held back by the per-IP rate
	// limiter instead.
	if user != nil {
		if err := s.store.ConsumeQuota(r.Context(), user.ID); err != nil {
			if errors.Is(err, store.ErrQuotaExceeded) {
				http.Error(w, "daily message limit reached", http.StatusTooManyRequests)
				return
			}
			log.Error("quota check failed", slog.Any("error", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	var chat *store.Chat
	if chatID := r.PathValue("id"); chatID != "" {
		chat, err = s.store.GetChat(r.Context(), chatID, owner)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "chat not found", http.StatusNotFound)
			return
		}
	} else {
		chat, err = s.store.CreateChat(r.Context(), owner, titleFromMessage(req.Message))
	}
	if err != nil {
		log.Error("chat lookup failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if _, err := s.store.AppendMessage(r.Context(), chat.ID, store.RoleUser, req.Message, nil); err != nil {
		log.Error("persisting user message failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers so the client receives a streaming response. The chat
	// id rides along so a client that just created the chat can continue it.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Chat-Id", chat.ID)

	formatter := stream.For(stream.Protocol(r.Header.Get(stream.HeaderName)), w, flusher)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PipelineTimeout)
	defer cancel()

	s.metrics.chatActiveStreams.Inc()
	defer s.metrics.chatActiveStreams.Dec()
	start := time.Now()

	var answer strings.Builder
	var sources []pipeline.SourceDocument
	outcome := "ok"

	for ev := range s.pipeline.Process(ctx, req.Message, useReranking) {
		switch e := ev.(type) {
		case pipeline.SourcesEvent:
			sources = e.Sources
		case pipeline.TextDeltaEvent:
			answer.WriteString(e.Text)
		case pipeline.ErrorEvent:
			outcome = "error"
		}
		if err := formatter.Write(ev); err != nil {
			// Client is gone; keep draining so the pipeline can finish or
			// notice the cancellation itself.
			log.Debug("stream write failed", slog.Any("error", err))
			cancel()
		}
	}
	if err := formatter.Close(); err != nil {
		log.Debug("stream close failed", slog.Any("error", err))
	}

	disconnected := r.Context().Err() != nil
	if disconnected {
		outcome = "disconnect"
	} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome = "timeout"
	}

	s.persistAssistant(chat.ID, answer.String(), sources, disconnected, log)

	s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// persistAssistant writes the accumulated answer as the assistant message.
// Runs on its own context: the request context may already be dead, and a
// disconnect must not drop text that was already generated.
func (s *Server) persistAssistant(chatID, text string, sources []pipeline.SourceDocument, disconnected bool, log *slog.Logger) {
	metadata := map[string]any{}
	if len(sources) > 0 {
		previews := make([]map[string]any, 0, len(sources))
		for _, src := range sources {
			previews = append(previews, map[string]any{
				"index":    src.Index,
				"content":  src.Preview(),
				"metadata": src.Metadata,
				"score":    src.Score,
			})
		}
		metadata["sources"] = previews
	}
	if disconnected {
		metadata["client_disconnected"] = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := s.store.AppendMessage(ctx, chatID, store.RoleAssistant, text, metadata); err != nil {
		log.Error("persisting assistant message failed",
			slog.String("chat_id", chatID),
			slog.Any("error", err),
		)
	}
}

// handleHistory handles GET /api/chats/{id}, returning the chat's messages
// oldest first. Ownership is enforced the same way as on POST.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	owner, _, err := s.resolveOwner(w, r)
	if err != nil {
		writeOwnerError(w, log, err)
		return
	}

	chat, err := s.store.GetChat(r.Context(), r.PathValue("id"), owner)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("chat lookup failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	msgs, err := s.store.Messages(r.Context(), chat.ID)
	if err != nil {
		log.Error("loading messages failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := historyResponse{ChatID: chat.ID, Title: chat.Title, Messages: []historyMessage{}}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, historyMessage{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("history encode error", slog.Any("error", err))
	}
}
