// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the exact conversation sent to the
// model and to feed controlled replies without a live LLM backend.
//
// Example:
//
//	p := &mock.Provider{Replies: []string{"Hello!"}}
//	reply, err := p.Complete(ctx, history)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnloop/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Messages is a copy of the conversation passed to Complete.
	Messages []llm.Message
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Replies are returned by successive Complete calls. Once exhausted the last
	// reply is repeated; an empty slice yields "".
	Replies []string

	// Err, if non-nil, is returned by every Complete call.
	Err error

	// OnComplete, if non-nil, runs inside Complete before the reply is chosen.
	// Returning a non-nil error makes Complete fail with it.
	OnComplete func(ctx context.Context, messages []llm.Message) error

	calls []CompleteCall
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)

	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Messages: snapshot})
	n := len(p.calls)
	hook, err := p.OnComplete, p.Err
	p.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, snapshot); herr != nil {
			return "", herr
		}
	}
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case len(p.Replies) == 0:
		return "", nil
	case n <= len(p.Replies):
		return p.Replies[n-1], nil
	default:
		return p.Replies[len(p.Replies)-1], nil
	}
}

// Calls returns a copy of all recorded Complete invocations.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

var _ llm.Provider = (*Provider)(nil)
