// Package session provides per-connection conversation state.
//
// It includes the session identity and turn counter ([Session]), the token
// budget over the conversation history ([ContextManager]), system-message
// assembly from persona and memory recall ([BuildSystemHead]), and graceful
// memory degradation ([Guard]).
//
// All exported types are safe for concurrent use.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/corvoxlabs/corvox/pkg/types"
)

// DefaultHistoryLimit caps the retained transcript window. The gate and the
// data channel only ever read the tail, so old entries can go.
const DefaultHistoryLimit = 200

// Session is the conversation state for one connected peer. It lives from
// transport-accept to transport-close.
type Session struct {
	// ID is the UUID handed to the peer in the offer response.
	ID string

	// CreatedAt is when the session was accepted.
	CreatedAt time.Time

	// Context is the LLM conversation context for this session.
	Context *ContextManager

	turnID atomic.Uint64

	mu           sync.Mutex
	history      []types.TranscriptEntry
	historyLimit int
}

// New creates a session with a fresh UUID and a context manager holding
// maxTokens. historyLimit <= 0 falls back to [DefaultHistoryLimit].
func New(maxTokens, historyLimit int) *Session {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Session{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now(),
		Context:      NewContextManager(maxTokens),
		historyLimit: historyLimit,
	}
}

// NextTurn allocates the next turn ID. Turn IDs are strictly monotonic
// within a session and start at 1; turn 0 is reserved for the greeting.
func (s *Session) NextTurn() uint64 {
	return s.turnID.Add(1)
}

// CurrentTurn returns the most recently allocated turn ID.
func (s *Session) CurrentTurn() uint64 {
	return s.turnID.Load()
}

// AddTranscript appends an utterance to the session history, evicting the
// oldest entry beyond the history limit.
func (s *Session) AddTranscript(e types.TranscriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
}

// History returns a copy of the retained transcript, oldest first.
func (s *Session) History() []types.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TranscriptEntry, len(s.history))
	copy(out, s.history)
	return out
}
