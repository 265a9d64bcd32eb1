package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/fishquery/fishquery-go/internal/budget"
	"github.com/fishquery/fishquery-go/internal/logging"
)

// systemPrompt establishes the assistant's persona and the citation contract.
// Every factual claim must carry a [citation:N] marker referencing the
// 1-based context index; the pipeline's source indices and the generated
// markers must agree, so this text is load-bearing — change with care.
const systemPrompt = `You are a fishing regulations expert assistant. You answer questions about
fishing rules, bag limits, size limits, licences, seasons, and closed waters
using ONLY the context passages provided to you.

Citation rules — follow these exactly:
- Every factual claim MUST be cited with the literal marker [citation:N],
  where N is the number of the context passage that supports the claim.
- Place the marker at the end of the supporting clause or sentence.
- When multiple passages support one claim, concatenate the markers with no
  separator, e.g. [citation:1][citation:3].
- NEVER fabricate a citation. If no passage supports a claim, do not make it.
- Do not repeat the context passages verbatim; answer in your own words.
- If the context does not contain the information needed, say so using the
  exact phrase "information is missing on" followed by the topic.

Tone: concise, professional, and unbiased. Do not speculate beyond the
provided context.`

// noTemperatureModelPrefixes lists model families that reject an explicit
// sampling temperature. Requests to these models omit the parameter entirely
// rather than sending a value the API would 400 on.
var noTemperatureModelPrefixes = []string{
	"o1",
	"o3",
	"o4",
	"gpt-5",
}

// modelRejectsTemperature reports whether the named model is on the
// no-temperature list.
func modelRejectsTemperature(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range noTemperatureModelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Default and boundary values for the generation token budget.
const (
	defaultMaxTokens = 2048
	minMaxTokens     = 1024
	maxMaxTokens     = 4096

	// defaultTemperature is kept low for factual consistency.
	defaultTemperature = 0.1
)

// GeneratorConfig holds the tunable generation settings.
type GeneratorConfig struct {
	// ModelName is the chat model identifier, used for the temperature
	// deny-list check. Required.
	ModelName string

	// MaxTokens caps the generated answer length. Clamped to
	// [1024, 4096]; zero means the default of 2048.
	MaxTokens int

	// Temperature is the sampling temperature. Zero means the default 0.1.
	Temperature float32
}

// Generator streams citation-annotated answers from a chat model.
// It holds no per-request state and is safe for concurrent use; the chat
// model client is constructed once upstream and shared across requests.
type Generator struct {
	// chatModel is the LLM backend constructed by the provider factory.
	chatModel model.BaseChatModel
	// modelName is the model identifier for the temperature deny-list.
	modelName string
	// maxTokens is the resolved output token cap.
	maxTokens int
	// temperature is the resolved sampling temperature.
	temperature float32
}

// NewGenerator constructs a Generator from the given chat model and config.
func NewGenerator(chatModel model.BaseChatModel, cfg *GeneratorConfig) (*Generator, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("pipeline: chat model must not be nil")
	}
	if cfg == nil || cfg.ModelName == "" {
		return nil, fmt.Errorf("pipeline: generator model name must not be empty")
	}

	maxTokens := cfg.MaxTokens
	switch {
	case maxTokens == 0:
		maxTokens = defaultMaxTokens
	case maxTokens < minMaxTokens:
		maxTokens = minMaxTokens
	case maxTokens > maxMaxTokens:
		maxTokens = maxMaxTokens
	}

	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	return &Generator{
		chatModel:   chatModel,
		modelName:   cfg.ModelName,
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

// buildContextBlock concatenates all sources as "[Context i]: <content>"
// joined by blank lines, matching the index space of the citation markers.
func buildContextBlock(sources []SourceDocument) string {
	var sb strings.Builder
	for i, src := range sources {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[Context %d]: %s", src.Index, src.Content)
	}
	return sb.String()
}

// Generate streams the answer for query over sources, delivering each event
// through emit as soon as it is produced — no internal buffering beyond one
// chunk. emit returns false when the consumer is gone; generation then stops.
//
// Event order: one SourcesEvent (previews only), zero or more TextDeltaEvents,
// then DoneEvent("stop") — or ErrorEvent in place of Done on any failure.
func (g *Generator) Generate(ctx context.Context, query string, sources []SourceDocument, emit func(Event) bool) {
	if !emit(SourcesEvent{Sources: sources}) {
		return
	}

	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.SystemMessage("Context passages:\n\n" + buildContextBlock(sources)),
		schema.UserMessage(query),
	}

	logging.FromContext(ctx).Debug("generator: prompt assembled",
		slog.Int("sources", len(sources)),
		slog.Int("estimated_tokens", budget.EstimateMessages(messages)))

	opts := []model.Option{
		model.WithMaxTokens(g.maxTokens),
	}
	if !modelRejectsTemperature(g.modelName) {
		opts = append(opts, model.WithTemperature(g.temperature))
	}

	sr, err := g.chatModel.Stream(ctx, messages, opts...)
	if err != nil {
		emit(ErrorEvent{Message: (&GenerationError{Err: err}).Error()})
		return
	}
	defer sr.Close()

	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			emit(ErrorEvent{Message: (&GenerationError{Err: err}).Error()})
			return
		}
		if msg != nil && msg.Content != "" {
			if !emit(TextDeltaEvent{Text: msg.Content}) {
				return
			}
		}
	}

	emit(DoneEvent{Reason: "stop"})
}
