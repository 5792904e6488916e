package pipeline

import (
	"context"
	"sync"
	"time"
)

// TurnControl coordinates turn-scoped cancellation across the generation
// stages. The LLM stage begins a turn, the TTS stage joins it, and the
// aggregator interrupts it on barge-in. Interrupting is idempotent per turn.
type TurnControl struct {
	mu        sync.Mutex
	turnID    uint64
	cancel    context.CancelFunc
	ctx       context.Context
	speaking  bool
	interrupt map[uint64]bool
	started   map[uint64]time.Time
}

// NewTurnControl returns a control with no active turn.
func NewTurnControl() *TurnControl {
	return &TurnControl{
		interrupt: make(map[uint64]bool),
		started:   make(map[uint64]time.Time),
	}
}

// BeginTurn opens the cancellation scope for turnID, closing any previous
// turn's scope first. The returned context is cancelled by [TurnControl.Interrupt].
func (c *TurnControl) BeginTurn(parent context.Context, turnID uint64) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	c.turnID = turnID
	c.ctx = ctx
	c.cancel = cancel
	c.started[turnID] = time.Now()
	return ctx
}

// StartedAt returns when turnID's generation began. ok is false for turns
// that never went through [TurnControl.BeginTurn], such as the greeting.
func (c *TurnControl) StartedAt(turnID uint64) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.started[turnID]
	return t, ok
}

// ContextFor returns the cancellation scope of turnID, or parent when the
// turn is not active (already ended or never begun).
func (c *TurnControl) ContextFor(parent context.Context, turnID uint64) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil && c.turnID == turnID {
		return c.ctx
	}
	return parent
}

// EndTurn closes the scope of turnID if it is still the active turn.
func (c *TurnControl) EndTurn(turnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turnID == turnID && c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.ctx = nil
	}
}

// Interrupt cancels the active turn and records it as aborted. It returns the
// interrupted turn ID and true, or zero and false when no turn was active or
// the turn was already interrupted.
func (c *TurnControl) Interrupt() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil || c.interrupt[c.turnID] {
		return 0, false
	}
	c.interrupt[c.turnID] = true
	c.cancel()
	c.cancel = nil
	c.ctx = nil
	return c.turnID, true
}

// Aborted reports whether turnID was interrupted.
func (c *TurnControl) Aborted(turnID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupt[turnID]
}

// SetSpeaking records whether assistant audio is currently playing. The
// aggregator consults this to distinguish barge-in from ordinary speech.
func (c *TurnControl) SetSpeaking(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking = on
}

// Speaking reports whether assistant audio is currently playing.
func (c *TurnControl) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}
