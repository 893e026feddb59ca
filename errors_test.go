package kioku

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(&ValidationError{Field: "role", Reason: "bad"}))

	retryable := &ProviderError{Provider: "openai", Retryable: true, Err: errors.New("429")}
	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(&ProviderError{Provider: "openai", Err: errors.New("401")}))

	// Wrapping preserves the classification.
	assert.True(t, IsRetryable(fmt.Errorf("embed query: %w", retryable)))
}

func TestProviderErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := &ProviderError{Provider: "ollama", Retryable: true, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "ollama")
}
