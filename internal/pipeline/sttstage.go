package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/internal/resilience"
	"github.com/corvoxlabs/corvox/internal/transcript"
	"github.com/corvoxlabs/corvox/pkg/provider/stt"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// DefaultInterimBudget is how long after stream start the first interim may
// take before the stage treats the stream as wedged and reconnects.
const DefaultInterimBudget = 1500 * time.Millisecond

// correctionBudget bounds the phonetic pass on a provider final. The pass is
// pure CPU; the budget only guards against pathological inputs.
const correctionBudget = 50 * time.Millisecond

// STTStage feeds peer audio to the speech-to-text provider and emits
// [frame.STTInterim] hypotheses. Provider finals run through the transcript
// corrector before emission so persona and gesture vocabulary survive
// recognition; they are still interims to the pipeline — the turn aggregator
// owns the authoritative [frame.STTFinal].
type STTStage struct {
	provider  stt.Provider
	streamCfg stt.StreamConfig
	corrector transcript.Pipeline
	entities  []string
	budget    time.Duration
	log       *slog.Logger

	emit engine.Emit

	mu         sync.Mutex
	handle     stt.SessionHandle
	readers    sync.WaitGroup
	openedAt   time.Time
	gotInterim bool
	audioSent  bool
	closed     bool
}

// NewSTTStage builds the stage. corrector may be nil to pass finals through
// uncorrected; budget <= 0 selects [DefaultInterimBudget].
func NewSTTStage(provider stt.Provider, streamCfg stt.StreamConfig, corrector transcript.Pipeline, entities []string, budget time.Duration, log *slog.Logger) *STTStage {
	if budget <= 0 {
		budget = DefaultInterimBudget
	}
	if log == nil {
		log = slog.Default()
	}
	return &STTStage{
		provider:  provider,
		streamCfg: streamCfg,
		corrector: corrector,
		entities:  entities,
		budget:    budget,
		log:       log.With("stage", "stt"),
	}
}

var _ engine.Stage = (*STTStage)(nil)

// Name implements [engine.Stage].
func (s *STTStage) Name() string { return "stt" }

// Start opens the provider stream and launches the transcript read loops.
func (s *STTStage) Start(ctx context.Context, emit engine.Emit) error {
	s.emit = emit
	if err := s.connect(ctx); err != nil {
		return fmt.Errorf("stt stream: %w", err)
	}
	return nil
}

// connect opens a fresh provider session and its read loops. Callers must
// not hold s.mu.
func (s *STTStage) connect(ctx context.Context) error {
	handle, err := s.provider.StartStream(ctx, s.streamCfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handle = handle
	s.openedAt = time.Now()
	s.gotInterim = false
	s.audioSent = false
	s.mu.Unlock()

	s.readers.Add(2)
	go s.readPartials(ctx, handle)
	go s.readFinals(ctx, handle)
	return nil
}

// Process forwards audio to the provider and watches the interim budget.
// Non-audio frames pass through.
func (s *STTStage) Process(ctx context.Context, f frame.Frame) error {
	in, ok := f.(frame.AudioInput)
	if !ok {
		s.emit(f)
		return nil
	}

	s.mu.Lock()
	handle := s.handle
	stalled := s.audioSent && !s.gotInterim && time.Since(s.openedAt) > s.budget
	s.mu.Unlock()

	if handle == nil {
		return nil
	}

	if stalled {
		s.log.Warn("no interim within budget, reconnecting", "budget", s.budget)
		if err := s.reconnect(ctx); err != nil {
			return engine.Transient(fmt.Errorf("stt reconnect: %w", err))
		}
		s.mu.Lock()
		handle = s.handle
		s.mu.Unlock()
	}

	if err := handle.SendAudio(in.PCM16); err != nil {
		return engine.Transient(fmt.Errorf("stt send: %w", err))
	}
	s.mu.Lock()
	s.audioSent = true
	s.mu.Unlock()
	return nil
}

// reconnect tears down the current session and dials a new one with backoff.
func (s *STTStage) reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.handle != nil {
		_ = s.handle.Close()
		s.handle = nil
	}
	s.mu.Unlock()

	return resilience.Retry(ctx, resilience.RetryConfig{
		Name:        "stt-stream",
		MaxAttempts: 3,
		Initial:     100 * time.Millisecond,
		MaxDelay:    time.Second,
	}, func(int) error {
		return s.connect(ctx)
	})
}

// readPartials forwards provider partials as interim frames.
func (s *STTStage) readPartials(ctx context.Context, handle stt.SessionHandle) {
	defer s.readers.Done()
	for t := range handle.Partials() {
		s.markInterim()
		if ctx.Err() != nil {
			return
		}
		s.emit(frame.STTInterim{
			Base:      frame.NewBase(),
			Text:      t.Text,
			SpeakerID: t.SpeakerID,
			T:         t.Timestamp,
		})
	}
}

// readFinals corrects provider finals and forwards them as interim frames.
// Finals arrive after the partials they supersede, so the aggregator's
// latest-hypothesis rule prefers them naturally.
func (s *STTStage) readFinals(ctx context.Context, handle stt.SessionHandle) {
	defer s.readers.Done()
	for t := range handle.Finals() {
		s.markInterim()
		if ctx.Err() != nil {
			return
		}
		s.emit(frame.STTInterim{
			Base:      frame.NewBase(),
			Text:      s.correct(ctx, t),
			SpeakerID: t.SpeakerID,
			T:         t.Timestamp,
		})
	}
}

// correct runs the phonetic corrector over a provider final, falling back to
// the raw text on any failure.
func (s *STTStage) correct(ctx context.Context, t types.Transcript) string {
	if s.corrector == nil || len(s.entities) == 0 {
		return t.Text
	}
	cctx, cancel := context.WithTimeout(ctx, correctionBudget)
	defer cancel()
	corrected, err := s.corrector.Correct(cctx, t, s.entities)
	if err != nil || corrected == nil {
		return t.Text
	}
	return corrected.Corrected
}

func (s *STTStage) markInterim() {
	s.mu.Lock()
	s.gotInterim = true
	s.mu.Unlock()
}

// Stop closes the provider session and waits for the read loops to drain.
func (s *STTStage) Stop(string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		_ = handle.Close()
	}
	s.readers.Wait()
}
