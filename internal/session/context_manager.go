package session

import (
	"sync"

	"github.com/corvoxlabs/corvox/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// ContextManager holds the ordered conversation messages for one session and
// keeps their estimated token count within a budget.
//
// The first message is the system head, assembled at session start from the
// persona text plus memory recall. When the estimate exceeds the budget the
// oldest messages are elided — except the system head, which always survives,
// and tool-call exchanges whose results have not arrived yet.
//
// All methods are safe for concurrent use.
type ContextManager struct {
	maxTokens int

	mu            sync.Mutex
	currentTokens int
	messages      []types.Message
}

// NewContextManager creates a context manager with the given token budget.
// maxTokens <= 0 disables elision.
func NewContextManager(maxTokens int) *ContextManager {
	return &ContextManager{maxTokens: maxTokens}
}

// SetSystemHead installs (or replaces) the system message at the head of the
// context. The head is exempt from elision.
func (cm *ContextManager) SetSystemHead(content string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	head := types.Message{Role: "system", Content: content}
	if len(cm.messages) > 0 && cm.messages[0].Role == "system" {
		cm.currentTokens -= estimateTokens(cm.messages[0])
		cm.messages[0] = head
	} else {
		cm.messages = append([]types.Message{head}, cm.messages...)
	}
	cm.currentTokens += estimateTokens(head)
	cm.elideLocked()
}

// Append adds messages to the context and elides the oldest elidable entries
// if the budget is now exceeded.
func (cm *ContextManager) Append(msgs ...types.Message) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, m := range msgs {
		cm.messages = append(cm.messages, m)
		cm.currentTokens += estimateTokens(m)
	}
	cm.elideLocked()
}

// Messages returns a snapshot of the current context, ready to send.
func (cm *ContextManager) Messages() []types.Message {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]types.Message, len(cm.messages))
	copy(out, cm.messages)
	return out
}

// Len returns the current message count. Pair with [ContextManager.TruncateTo]
// to roll back an aborted turn.
func (cm *ContextManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.messages)
}

// TruncateTo drops every message appended after the context had n entries.
// The LLM stage snapshots Len at turn start and truncates back on interrupt
// so an aborted partial never leaks into the next turn's prompt.
func (cm *ContextManager) TruncateTo(n int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if n < 0 || n >= len(cm.messages) {
		return
	}
	for _, m := range cm.messages[n:] {
		cm.currentTokens -= estimateTokens(m)
	}
	cm.messages = cm.messages[:n]
}

// TokenEstimate returns the current estimated token count.
func (cm *ContextManager) TokenEstimate() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.currentTokens
}

// Reset clears every message including the system head.
func (cm *ContextManager) Reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messages = nil
	cm.currentTokens = 0
}

// elideLocked removes the oldest elidable messages until the estimate fits
// the budget. Must be called with cm.mu held.
//
// Elidable means: not a system message, and not part of an unresolved
// tool-call exchange. A resolved exchange (assistant tool-call message plus
// all of its tool results) is removed as one unit so the context never holds
// a dangling half.
func (cm *ContextManager) elideLocked() {
	if cm.maxTokens <= 0 {
		return
	}
	for cm.currentTokens > cm.maxTokens {
		start, span := cm.oldestElidableLocked()
		if span == 0 {
			return
		}
		for _, m := range cm.messages[start : start+span] {
			cm.currentTokens -= estimateTokens(m)
		}
		cm.messages = append(cm.messages[:start], cm.messages[start+span:]...)
	}
}

// oldestElidableLocked finds the oldest removable message group. Returns
// span 0 when nothing may go.
func (cm *ContextManager) oldestElidableLocked() (start, span int) {
	for i := 0; i < len(cm.messages); i++ {
		m := cm.messages[i]
		switch {
		case m.Role == "system":
			continue
		case len(m.ToolCalls) > 0:
			n, resolved := cm.exchangeSpanLocked(i)
			if resolved {
				return i, n
			}
			// Unresolved: results are still pending, leave the whole
			// exchange alone and look past it.
			i += n - 1
		default:
			return i, 1
		}
	}
	return 0, 0
}

// exchangeSpanLocked measures the tool exchange starting at the assistant
// message at index i: the message itself plus the run of tool results that
// follow. resolved reports whether every requested call has its result.
func (cm *ContextManager) exchangeSpanLocked(i int) (span int, resolved bool) {
	pending := make(map[string]struct{}, len(cm.messages[i].ToolCalls))
	for _, tc := range cm.messages[i].ToolCalls {
		pending[tc.ID] = struct{}{}
	}
	span = 1
	for j := i + 1; j < len(cm.messages) && cm.messages[j].Role == "tool"; j++ {
		delete(pending, cm.messages[j].ToolCallID)
		span++
	}
	return span, len(pending) == 0
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
