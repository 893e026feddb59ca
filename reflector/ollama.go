package reflector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/kioku"
)

// OllamaReflector extracts facts using a local Ollama server, for
// deployments where conversation content must not leave the host.
type OllamaReflector struct {
	baseURL    string
	model      string
	maxFacts   int
	httpClient *http.Client
}

// NewOllamaReflector creates a reflector that calls Ollama's generate API.
// Model should be an instruction-following model like "llama3.1" or
// "qwen2.5".
func NewOllamaReflector(baseURL, model string) *OllamaReflector {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaReflector{
		baseURL:  baseURL,
		model:    model,
		maxFacts: maxFactsDefault,
		// Local models can take a while on long episodes.
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Reflect runs extraction when existing is empty and consolidation
// otherwise.
func (r *OllamaReflector) Reflect(ctx context.Context, existing []kioku.Fact, turns []kioku.Turn) (kioku.ReflectorOutput, error) {
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

	reqBody, err := json.Marshal(ollamaGenerateRequest{
		Model:  r.model,
		Prompt: prompt,
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return kioku.ReflectorOutput{}, fmt.Errorf("reflector: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return kioku.ReflectorOutput{}, fmt.Errorf("reflector: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return kioku.ReflectorOutput{}, &kioku.ProviderError{Provider: "ollama", Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
		return kioku.ReflectorOutput{}, &kioku.ProviderError{
			Provider:  "ollama",
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       err,
		}
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return kioku.ReflectorOutput{}, &kioku.ProviderError{
			Provider: "ollama",
			Err:      fmt.Errorf("decode response: %w", err),
		}
	}

	if consolidating {
		return parseConsolidation(result.Response), nil
	}
	return parseExtraction(result.Response), nil
}
