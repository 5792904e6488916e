// Package mock provides an in-memory test double for the memory store.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.RecallResult = []memory.Snippet{{Text: "my dog is called Biscuit"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Recall"); got != 1 {
//	    t.Errorf("expected 1 Recall call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/corvoxlabs/corvox/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
// All exported *Err fields default to nil (success); RecallResult defaults
// to nil (empty non-nil slice returned).
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// RecallResult is returned by [Store.Recall].
	// When nil, Recall returns an empty non-nil slice.
	RecallResult []memory.Snippet

	// RecallErr is returned by [Store.Recall] when non-nil.
	RecallErr error

	// RecallDelay, when positive, makes Recall wait before returning,
	// honouring context cancellation. Use it to simulate a slow backend.
	RecallDelay time.Duration

	// StoreErr is returned by [Store.Store] when non-nil.
	StoreErr error

	// CloseErr is returned by [Store.Close] when non-nil.
	CloseErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Recall implements [memory.Store]. The mutex is not held while the
// configured delay elapses, so concurrent callers do not serialize.
func (m *Store) Recall(ctx context.Context, user, query string, k int) ([]memory.Snippet, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Recall", Args: []any{user, query, k}})
	delay := m.RecallDelay
	err := m.RecallErr
	var result []memory.Snippet
	if m.RecallResult != nil {
		result = make([]memory.Snippet, len(m.RecallResult))
		copy(result, m.RecallResult)
	} else {
		result = []memory.Snippet{}
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Store implements [memory.Store].
func (m *Store) Store(_ context.Context, user, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Store", Args: []any{user, text}})
	return m.StoreErr
}

// Close implements [memory.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close", Args: nil})
	return m.CloseErr
}

// Ensure Store satisfies the interface at compile time.
var _ memory.Store = (*Store)(nil)
