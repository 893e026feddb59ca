// Package testutil provides shared test doubles: a quiet logger, a
// deterministic keyword embedder, and a scriptable reflector. For use in
// external test packages only; the root package's own tests define their
// doubles in-package.
package testutil

import (
	"context"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/ashita-ai/kioku"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// KeywordEmbedder maps texts onto axes, one per keyword. A text's vector
// has 1 at the axis of every keyword it contains, normalized. Texts sharing
// keywords get high cosine similarity; disjoint texts get zero. Deterministic
// and dependency-free, which is what recall and dedup tests need.
type KeywordEmbedder struct {
	Keywords []string
}

// Dimension returns one axis per keyword plus a catch-all axis.
func (e *KeywordEmbedder) Dimension() int { return len(e.Keywords) + 1 }

// Embed vectorizes each text by keyword presence. Texts containing no
// keyword land on the catch-all axis so they are similar to each other but
// orthogonal to every keyword.
func (e *KeywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, e.Dimension())
		lower := strings.ToLower(text)
		matched := false
		for axis, kw := range e.Keywords {
			if strings.Contains(lower, kw) {
				v[axis] = 1
				matched = true
			}
		}
		if !matched {
			v[len(e.Keywords)] = 1
		}
		normalize(v)
		out[i] = v
	}
	return out, nil
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// QueueReflector replays scripted outputs in order. Calls beyond the script
// return an empty output. Safe for concurrent use; reflection runs on a
// background goroutine.
type QueueReflector struct {
	mu      sync.Mutex
	outputs []kioku.ReflectorOutput
	calls   []ReflectCall
}

// ReflectCall records the inputs of one Reflect invocation.
type ReflectCall struct {
	Existing []kioku.Fact
	Turns    []kioku.Turn
}

// Enqueue appends an output to the script.
func (r *QueueReflector) Enqueue(out kioku.ReflectorOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, out)
}

// Reflect pops the next scripted output.
func (r *QueueReflector) Reflect(_ context.Context, existing []kioku.Fact, turns []kioku.Turn) (kioku.ReflectorOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ReflectCall{Existing: existing, Turns: turns})
	if len(r.outputs) == 0 {
		return kioku.ReflectorOutput{}, nil
	}
	out := r.outputs[0]
	r.outputs = r.outputs[1:]
	return out, nil
}

// Calls returns a snapshot of recorded invocations.
func (r *QueueReflector) Calls() []ReflectCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReflectCall, len(r.calls))
	copy(out, r.calls)
	return out
}
