// Package memory defines the long-term conversation memory contract.
//
// A [Store] persists finalized utterances per user and recalls the most
// relevant of them when a new conversation starts. Recall is an optional
// enrichment step on the hot path: the pipeline runs it under a hard time
// budget and must keep flowing when the backend is slow or unreachable.
// [RecallWithBudget] encodes that degradation rule — it never surfaces an
// error, it returns nothing.
//
// The budget spans both the query embedding and the ranked scan, so pair
// recall with a fast local embedding model when the window is tight.
//
// Backends: postgres (pgvector + full-text hybrid ranking), mock (tests),
// noop (memory disabled).
package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// DefaultRecallBudget bounds a recall round trip when the caller does not
// supply a budget of its own.
const DefaultRecallBudget = 50 * time.Millisecond

// PromptPrefix heads the recalled-memory block injected into the system
// message at session start.
const PromptPrefix = "From our conversations:"

// Snippet is one recalled memory fragment.
type Snippet struct {
	// Text is the stored utterance, verbatim.
	Text string

	// Score is the backend's relevance score for the query; higher is more
	// relevant. Scores are only comparable within a single Recall result.
	Score float64

	// CreatedAt is when the memory was stored.
	CreatedAt time.Time
}

// Store is the abstraction over a long-term memory backend.
//
// Implementations must be safe for concurrent use: the pipeline recalls at
// session start while background goroutines store finalized utterances.
type Store interface {
	// Recall returns up to k snippets for user, ranked most relevant to
	// query first. A user with no history yields an empty slice, not an
	// error. k <= 0 yields an empty slice.
	Recall(ctx context.Context, user, query string, k int) ([]Snippet, error)

	// Store persists one utterance for user. Blank text is dropped
	// silently.
	Store(ctx context.Context, user, text string) error

	// Close releases backend resources. The Store must not be used after
	// Close returns.
	Close() error
}

// RecallWithBudget queries s under a hard deadline. Timeouts and backend
// errors degrade to an empty result so that a sluggish memory backend can
// never stall the conversation. A budget <= 0 falls back to
// [DefaultRecallBudget].
func RecallWithBudget(ctx context.Context, s Store, user, query string, k int, budget time.Duration) []Snippet {
	if budget <= 0 {
		budget = DefaultRecallBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	snippets, err := s.Recall(ctx, user, query, k)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Debug("memory recall exceeded budget", "budget", budget, "user", user)
		} else {
			slog.Warn("memory recall failed", "error", err, "user", user)
		}
		return nil
	}
	return snippets
}

// PromptBlock renders snippets as the block appended to the system message.
// An empty input renders to the empty string so callers can append the
// result unconditionally.
func PromptBlock(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(PromptPrefix)
	for _, s := range snippets {
		b.WriteString("\n- ")
		b.WriteString(strings.TrimSpace(s.Text))
	}
	return b.String()
}
