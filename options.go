package kioku

import (
	"log/slog"
	"time"
)

// Option configures a Session at construction.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	cfg       *Config
	embedder  Embedder
	reflector Reflector
	counter   TokenCounter
	logger    *slog.Logger
	trace     TraceCallback
	now       func() time.Time
}

// WithConfig replaces the default configuration. The config is validated in
// New; invalid values fail construction with a ConfigError.
func WithConfig(cfg Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithEmbedder sets the embedding provider. Without one, vector search and
// fact dedup degrade to marker-only behavior.
func WithEmbedder(e Embedder) Option {
	return func(o *resolvedOptions) { o.embedder = e }
}

// WithReflector sets the reflection provider. Without one, reflection is
// disabled regardless of the Reflection.Enabled config flag.
func WithReflector(r Reflector) Option {
	return func(o *resolvedOptions) { o.reflector = r }
}

// WithTokenCounter replaces the default length-heuristic counter.
func WithTokenCounter(tc TokenCounter) Option {
	return func(o *resolvedOptions) { o.counter = tc }
}

// WithLogger sets the structured logger for the session.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithTraceCallback installs the reflection trace sink at construction.
// It can also be swapped later via SetTraceCallback.
func WithTraceCallback(fn TraceCallback) Option {
	return func(o *resolvedOptions) { o.trace = fn }
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.now = now }
}
