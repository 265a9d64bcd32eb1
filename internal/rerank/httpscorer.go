package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPScorer implements Scorer against a rerank inference service speaking
// the common /rerank JSON shape (Jina, Cohere, TEI and local gateways all
// accept it). The HTTP client is created once and reused.
type HTTPScorer struct {
	// endpoint is the full rerank URL (e.g. "http://localhost:8787/v1/rerank").
	endpoint string
	// apiKey is the optional Bearer token.
	apiKey string
	// model is the cross-encoder model name (e.g. "bge-reranker-v2-m3").
	model string
	// client is the shared HTTP client with a bounded request timeout.
	client *http.Client
}

// HTTPScorerConfig holds the settings for constructing an HTTPScorer.
type HTTPScorerConfig struct {
	// Endpoint is the full rerank URL.
	Endpoint string
	// APIKey is the optional Bearer token.
	APIKey string
	// Model is the cross-encoder model name.
	Model string
}

// NewHTTPScorer constructs an HTTPScorer from the given config.
func NewHTTPScorer(cfg *HTTPScorerConfig) *HTTPScorer {
	return &HTTPScorer{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// rerankRequest is the JSON body sent to the rerank endpoint.
type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// rerankResponse is the JSON body returned from the rerank endpoint.
type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float32 `json:"relevance_score"`
	} `json:"results"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Score returns one relevance score per passage, parallel to passages.
func (s *HTTPScorer) Score(ctx context.Context, query string, passages []string) ([]float32, error) {
	payload, err := json.Marshal(rerankRequest{
		Model:     s.model,
		Query:     query,
		Documents: passages,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("rerank: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != nil {
			msg = result.Error.Message
		}
		return nil, fmt.Errorf("rerank: %s", msg)
	}

	if len(result.Results) != len(passages) {
		return nil, fmt.Errorf("rerank: expected %d scores, got %d", len(passages), len(result.Results))
	}

	// Results come back sorted by relevance; map them home by index.
	scores := make([]float32, len(passages))
	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(passages) {
			return nil, fmt.Errorf("rerank: index %d out of range [0, %d)", r.Index, len(passages))
		}
		scores[r.Index] = r.RelevanceScore
	}

	return scores, nil
}
