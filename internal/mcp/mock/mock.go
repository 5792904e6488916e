// Package mock provides an in-memory [mcp.ToolSource] for tests.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/corvoxlabs/corvox/internal/mcp"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// Call records a single Execute invocation.
type Call struct {
	Name string
	Args json.RawMessage
}

// Source is a configurable in-memory tool source.
//
// Results holds the canned output per tool name; Errs holds per-tool errors.
// A tool is handled if it appears in Tools. The zero value handles nothing.
type Source struct {
	// Tools are the definitions advertised by Definitions.
	Tools []types.ToolDefinition

	// Results maps tool name to the string returned by Execute.
	Results map[string]string

	// Errs maps tool name to the error returned by Execute.
	Errs map[string]error

	// ExecuteFn, if set, overrides Results/Errs entirely.
	ExecuteFn func(ctx context.Context, name string, args json.RawMessage) (string, error)

	mu    sync.Mutex
	calls []Call
}

var _ mcp.ToolSource = (*Source)(nil)

// Definitions returns the configured tool definitions.
func (s *Source) Definitions() []types.ToolDefinition {
	return append([]types.ToolDefinition(nil), s.Tools...)
}

// Handles reports whether name appears in Tools.
func (s *Source) Handles(name string) bool {
	for _, t := range s.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Execute records the call and answers from ExecuteFn or the canned maps.
func (s *Source) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Name: name, Args: append(json.RawMessage(nil), args...)})
	s.mu.Unlock()

	if s.ExecuteFn != nil {
		return s.ExecuteFn(ctx, name, args)
	}
	if err, ok := s.Errs[name]; ok {
		return "", err
	}
	if out, ok := s.Results[name]; ok {
		return out, nil
	}
	if !s.Handles(name) {
		return "", fmt.Errorf("mock: tool %q not found", name)
	}
	return "", nil
}

// Calls returns a copy of every recorded Execute invocation.
func (s *Source) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}
