// Package embed provides embedding providers for the memory layer.
//
// Every provider implements kioku.Embedder. The OpenAI provider is the
// default for hosted deployments; the Ollama provider keeps embeddings
// on-premises. NoopProvider returns zero vectors for tests and for running
// without semantic recall.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ashita-ai/kioku"
)

// OpenAIProvider generates embeddings through the OpenAI embeddings API.
type OpenAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	dimensions int
}

// OpenAIOption adjusts an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAIBaseURL overrides the API endpoint, for proxies and tests.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) { p.baseURL = url }
}

// WithOpenAIDimensions overrides the reported vector size. Defaults to 1536,
// the size of text-embedding-3-small.
func WithOpenAIDimensions(dims int) OpenAIOption {
	return func(p *OpenAIProvider) { p.dimensions = dims }
}

// NewOpenAIProvider creates an OpenAI embedding provider.
func NewOpenAIProvider(apiKey, model string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    "https://api.openai.com/v1",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: 1536,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dimension returns the embedding vector size.
func (p *OpenAIProvider) Dimension() int { return p.dimensions }

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates embeddings for texts in a single API call. Results are
// returned in input order regardless of the order the API emits them.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, providerErr("openai", err, isTimeout(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providerErr("openai", fmt.Errorf("read response: %w", err), true)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 512))
		return nil, providerErr("openai", err, retryableStatus(resp.StatusCode))
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, providerErr("openai", fmt.Errorf("unmarshal response: %w", err), false)
	}
	if result.Error != nil {
		err := fmt.Errorf("%s: %s", result.Error.Type, result.Error.Message)
		return nil, providerErr("openai", err, false)
	}
	if len(result.Data) != len(texts) {
		err := fmt.Errorf("got %d embeddings for %d inputs", len(result.Data), len(texts))
		return nil, providerErr("openai", err, false)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, providerErr("openai", fmt.Errorf("invalid index %d in response", d.Index), false)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// OllamaProvider generates embeddings using a local Ollama server, so text
// never leaves the host.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOllamaProvider creates a provider that calls Ollama's embedding API.
// Model should be an embedding model like "mxbai-embed-large" or
// "nomic-embed-text". Dimensions must match the model's native output size.
func NewOllamaProvider(baseURL, model string, dimensions int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}
}

// Dimension returns the model's native vector size.
func (p *OllamaProvider) Dimension() int { return p.dimensions }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *OllamaProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, providerErr("ollama", err, isTimeout(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
		return nil, providerErr("ollama", err, retryableStatus(resp.StatusCode))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, providerErr("ollama", fmt.Errorf("decode response: %w", err), false)
	}
	if len(result.Embedding) == 0 {
		return nil, providerErr("ollama", errors.New("empty embedding returned"), false)
	}
	return result.Embedding, nil
}

// ollamaMaxConcurrency caps parallel requests to Ollama. Kept low to avoid
// overwhelming a single local GPU.
const ollamaMaxConcurrency = 4

// Embed generates embeddings for multiple texts. Ollama has no native batch
// API, so requests run concurrently through a bounded worker pool.
func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) == 1 {
		v, err := p.embedOne(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{v}, nil
	}

	vecs := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	sem := make(chan struct{}, ollamaMaxConcurrency)

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(idx int, t string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			v, err := p.embedOne(ctx, t)
			if err != nil {
				errs[idx] = fmt.Errorf("embed: batch item %d: %w", idx, err)
				return
			}
			vecs[idx] = v
		}(i, text)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

// NoopProvider returns zero vectors. Recall degrades to marker-and-recency
// ordering, which is enough for tests and for running without a provider.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors of the given
// size.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimension returns the configured vector size.
func (p *NoopProvider) Dimension() int { return p.dims }

// Embed returns one zero vector per input.
func (p *NoopProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = make([]float32, p.dims)
	}
	return vecs, nil
}

func providerErr(provider string, err error, retryable bool) error {
	return &kioku.ProviderError{Provider: provider, Retryable: retryable, Err: err}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
