package session

import (
	"context"
	"strings"
	"time"

	"github.com/corvoxlabs/corvox/internal/persona"
	"github.com/corvoxlabs/corvox/pkg/memory"
)

// BuildSystemHead assembles the system message that heads every session
// context: the persona's system prompt, optionally followed by a block of
// memories recalled for this user.
//
// Recall runs under budget and degrades to nothing — a slow or broken memory
// backend shortens the preamble, it never delays the session. store may be
// nil when memory is disabled.
func BuildSystemHead(ctx context.Context, p *persona.Persona, store memory.Store, user, query string, k int, budget time.Duration) string {
	head := strings.TrimSpace(p.SystemPrompt)

	if store == nil || k <= 0 {
		return head
	}
	snippets := memory.RecallWithBudget(ctx, store, user, query, k, budget)
	if block := memory.PromptBlock(snippets); block != "" {
		head = head + "\n\n" + block
	}
	return head
}
