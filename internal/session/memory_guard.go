package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/corvoxlabs/corvox/pkg/memory"
)

// Guard wraps a [memory.Store] and makes all operations non-fatal. If the
// underlying store fails, operations return defaults and log warnings
// instead of propagating errors.
//
// This keeps the conversation flowing when the memory backend is temporarily
// unavailable (database restart, network partition). IsDegraded reports
// whether the store is currently experiencing failures, for the health
// endpoint.
//
// Guard implements [memory.Store]. All methods are safe for concurrent use.
type Guard struct {
	store    memory.Store
	log      *slog.Logger
	degraded atomic.Bool
}

// NewGuard wraps store. log may be nil.
func NewGuard(store memory.Store, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{store: store, log: log.With("component", "memory_guard")}
}

// Recall queries the underlying store. On failure it returns an empty result
// and marks the store degraded; on success it clears the flag.
func (g *Guard) Recall(ctx context.Context, user, query string, k int) ([]memory.Snippet, error) {
	snippets, err := g.store.Recall(ctx, user, query, k)
	if err != nil {
		g.degraded.Store(true)
		g.log.Warn("memory recall failed, continuing without", "error", err, "user", user)
		return nil, nil
	}
	g.degraded.Store(false)
	return snippets, nil
}

// Store writes to the underlying store. Failures are logged and swallowed.
func (g *Guard) Store(ctx context.Context, user, text string) error {
	if err := g.store.Store(ctx, user, text); err != nil {
		g.degraded.Store(true)
		g.log.Warn("memory store failed, entry dropped", "error", err, "user", user)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Close closes the underlying store.
func (g *Guard) Close() error {
	return g.store.Close()
}

// IsDegraded reports whether the most recent operation failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

var _ memory.Store = (*Guard)(nil)
