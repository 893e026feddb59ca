// Package reflector provides LLM-backed fact extraction for the memory
// layer.
//
// A reflector reads an episode's turns and either extracts new facts (when
// the session has none yet) or reconciles the existing fact set against the
// new turns, emitting keep, update, remove and add actions. Both providers
// parse leniently: a malformed model response produces an empty output, not
// an error, so one bad completion never wedges the reflection queue.
package reflector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashita-ai/kioku"
)

// AnthropicReflector extracts facts using the Anthropic Messages API.
type AnthropicReflector struct {
	client    anthropic.Client
	model     anthropic.Model
	maxFacts  int
	maxTokens int64
}

// AnthropicOption adjusts an AnthropicReflector.
type AnthropicOption func(*AnthropicReflector)

// WithAnthropicModel overrides the model. Defaults to Haiku; fact
// extraction is a small structured task and does not need a frontier model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(r *AnthropicReflector) { r.model = anthropic.Model(model) }
}

// WithMaxFacts caps the number of facts requested per episode.
func WithMaxFacts(n int) AnthropicOption {
	return func(r *AnthropicReflector) { r.maxFacts = n }
}

// NewAnthropicReflector creates a reflector backed by the Anthropic API.
func NewAnthropicReflector(apiKey string, opts ...AnthropicOption) (*AnthropicReflector, error) {
	if apiKey == "" {
		return nil, errors.New("reflector: anthropic API key required")
	}
	r := &AnthropicReflector{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.ModelClaude3_5HaikuLatest,
		maxFacts:  maxFactsDefault,
		maxTokens: 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reflect runs extraction when existing is empty and consolidation
// otherwise.
func (r *AnthropicReflector) Reflect(ctx context.Context, existing []kioku.Fact, turns []kioku.Turn) (kioku.ReflectorOutput, error) {
	if len(turns) == 0 {
		return kioku.ReflectorOutput{}, nil
	}

	consolidating := len(existing) > 0
	var (
		prompt string
		err    error
	)
	if consolidating {
		prompt, err = renderConsolidationPrompt(existing, turns)
	} else {
		prompt, err = renderExtractionPrompt(turns, r.maxFacts)
	}
	if err != nil {
		return kioku.ReflectorOutput{}, err
	}

	message, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return kioku.ReflectorOutput{}, &kioku.ProviderError{
			Provider:  "anthropic",
			Retryable: anthropicRetryable(err),
			Err:       err,
		}
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return kioku.ReflectorOutput{}, &kioku.ProviderError{
			Provider: "anthropic",
			Err:      fmt.Errorf("no text blocks in response (stop_reason=%s)", message.StopReason),
		}
	}

	if consolidating {
		return parseConsolidation(text.String()), nil
	}
	return parseExtraction(text.String()), nil
}

func anthropicRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
