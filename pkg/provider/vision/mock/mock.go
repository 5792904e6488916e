// Package mock provides a test double for the vision.Provider interface.
//
// Use Provider to return a pre-canned analysis without a live model and to
// verify which images and prompts were submitted.
package mock

import (
	"context"
	"sync"

	"github.com/corvoxlabs/corvox/pkg/provider/vision"
)

// AnalyseCall records a single invocation of Analyse.
type AnalyseCall struct {
	// Ctx is the context passed to Analyse.
	Ctx context.Context
	// Image is a copy of the image bytes passed to Analyse.
	Image []byte
	// Prompt is the prompt passed to Analyse.
	Prompt string
}

// Provider is a mock implementation of vision.Provider.
type Provider struct {
	mu sync.Mutex

	// AnalyseResult is returned by Analyse.
	AnalyseResult string

	// AnalyseErr, if non-nil, is returned as the error from Analyse.
	AnalyseErr error

	// AnalyseCalls records every call to Analyse in order.
	AnalyseCalls []AnalyseCall
}

// Analyse records the call and returns AnalyseResult, AnalyseErr.
func (p *Provider) Analyse(ctx context.Context, image []byte, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(image))
	copy(cp, image)
	p.AnalyseCalls = append(p.AnalyseCalls, AnalyseCall{Ctx: ctx, Image: cp, Prompt: prompt})
	if p.AnalyseErr != nil {
		return "", p.AnalyseErr
	}
	return p.AnalyseResult, nil
}

// AnalyseCallCount returns the number of recorded Analyse calls. Thread-safe.
func (p *Provider) AnalyseCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.AnalyseCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AnalyseCalls = nil
}

// Ensure Provider implements vision.Provider at compile time.
var _ vision.Provider = (*Provider)(nil)
