package voice

import (
	"sync"

	"github.com/MrWong99/turnloop/pkg/provider/llm"
)

// History is the ordered, append-only conversation of a [Session]. Insertion
// order is the order messages are sent to the LLM. Messages cannot be removed,
// replaced or reordered once appended.
//
// History is safe for concurrent use.
type History struct {
	mu   sync.RWMutex
	msgs []llm.Message
}

// Append adds msgs to the end of the history as a single atomic step.
func (h *History) Append(msgs ...llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
}

// Messages returns a copy of the history in insertion order.
func (h *History) Messages() []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages in the history.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgs)
}
