// Package noop provides the disabled-memory backend.
//
// When memory is switched off in configuration the pipeline still composes a
// [memory.Store]; Store satisfies the contract with empty recalls and
// discarded writes so no call site needs an enabled check.
package noop

import (
	"context"

	"github.com/corvoxlabs/corvox/pkg/memory"
)

// Store is a memory backend that remembers nothing.
type Store struct{}

// New returns a Store.
func New() *Store { return &Store{} }

// Recall implements [memory.Store]. It always returns an empty result.
func (*Store) Recall(context.Context, string, string, int) ([]memory.Snippet, error) {
	return []memory.Snippet{}, nil
}

// Store implements [memory.Store]. The text is discarded.
func (*Store) Store(context.Context, string, string) error { return nil }

// Close implements [memory.Store].
func (*Store) Close() error { return nil }

// Ensure Store satisfies the interface at compile time.
var _ memory.Store = (*Store)(nil)
