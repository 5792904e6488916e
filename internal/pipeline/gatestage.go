package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/internal/gate"
	"github.com/corvoxlabs/corvox/internal/session"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// GateStage asks the addressing gate whether each committed turn deserves a
// spoken reply. Suppressed turns still enter the session history — they are
// conversational context either way — but never reach the LLM; the stage
// records exactly one gate_suppress metric per suppressed turn, which the
// transport observer turns into a data-channel system note.
type GateStage struct {
	gate *gate.Gate
	sess *session.Session
	log  *slog.Logger

	emit engine.Emit
}

// NewGateStage builds the stage around a decided gate. g must not be nil;
// use a disabled gate to reply unconditionally.
func NewGateStage(g *gate.Gate, sess *session.Session, log *slog.Logger) *GateStage {
	if log == nil {
		log = slog.Default()
	}
	return &GateStage{gate: g, sess: sess, log: log.With("stage", "gate")}
}

var _ engine.Stage = (*GateStage)(nil)

// Name implements [engine.Stage].
func (s *GateStage) Name() string { return "gate" }

// Start implements [engine.Stage].
func (s *GateStage) Start(_ context.Context, emit engine.Emit) error {
	s.emit = emit
	return nil
}

// Process decides committed turns; other frames pass through.
func (s *GateStage) Process(ctx context.Context, f frame.Frame) error {
	final, ok := f.(frame.STTFinal)
	if !ok {
		s.emit(f)
		return nil
	}

	// History as of before this utterance, then record it.
	history := s.sess.History()
	decision := s.gate.Decide(ctx, final.Text, final.SpeakerID, history)
	s.sess.AddTranscript(types.TranscriptEntry{
		SpeakerID: final.SpeakerID,
		Text:      final.Text,
		TurnID:    final.TurnID,
		Timestamp: final.T,
	})

	if !decision.Reply {
		s.log.Debug("turn suppressed",
			"turn", final.TurnID,
			"method", decision.Method,
			"elapsed", decision.Elapsed,
		)
		s.emit(frame.Metric{
			Base:   frame.NewBase(),
			Stage:  s.Name(),
			Kind:   "gate_suppress",
			Value:  1,
			TurnID: final.TurnID,
			T:      time.Now(),
		})
		return nil
	}

	s.emit(final)
	return nil
}

// Stop implements [engine.Stage].
func (s *GateStage) Stop(string) {}
