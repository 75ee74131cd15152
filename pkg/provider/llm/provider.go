// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic
// Claude, or a local Ollama instance) and exposes a single blocking completion
// call so that the voice pipeline can produce a reply from the accumulated
// conversation without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
//
// Complete receives the full ordered conversation (oldest first; the last
// message is normally the user turn that triggered the call) and returns the
// raw assistant reply. The slice must not be retained or mutated.
//
// Complete must return promptly once ctx is cancelled.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// ProviderFunc adapts an ordinary function to the [Provider] interface.
type ProviderFunc func(ctx context.Context, messages []Message) (string, error)

// Complete calls f(ctx, messages).
func (f ProviderFunc) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}
