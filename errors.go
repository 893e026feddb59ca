package kioku

import (
	"errors"
	"fmt"
)

// Sentinel errors. Storage backends return ErrNotFound for lookup misses and
// ErrFactSuperseded when a supersession compare-and-set loses the race.
var (
	ErrNotFound       = errors.New("kioku: not found")
	ErrNotInitialized = errors.New("kioku: session not initialized")
	ErrClosed         = errors.New("kioku: session closed")
	ErrFactSuperseded = errors.New("kioku: fact already superseded")
)

// ValidationError reports bad input to a public operation: an unknown role,
// empty content, a malformed marker tag. Returned to the caller immediately,
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("kioku: invalid %s: %s", e.Field, e.Reason)
}

// ConfigError reports an invalid configuration value at construction time.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("kioku: config %s: %s", e.Option, e.Reason)
}

// ProviderError wraps an embedder or reflector failure. Retryable failures
// (timeouts, 429s, 5xx responses) are retried per the configured policy;
// the rest fail fast.
type ProviderError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("kioku: provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried: either a ProviderError
// marked retryable, or a transient condition wrapped further down.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
