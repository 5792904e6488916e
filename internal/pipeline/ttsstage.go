package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/pkg/provider/tts"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// DefaultTTSSampleRate is the PCM rate the synthesis providers emit.
const DefaultTTSSampleRate = 16000

// textChannelDepth absorbs sentence bursts without blocking the LLM stage.
const textChannelDepth = 16

// TTSStage converts streamed assistant text into synthesized audio. Deltas
// feed a per-turn sentence splitter whose complete sentences stream into the
// provider; [frame.TTSStarted] marks the first audio frame and
// [frame.TTSStopped] the flush of the last, whether by completion or
// interruption. Interrupted turns discard pending text and stop emitting
// audio immediately.
type TTSStage struct {
	provider   tts.Provider
	voice      types.VoiceProfile
	control    *TurnControl
	sampleRate int
	minLen     int
	log        *slog.Logger

	emit engine.Emit

	mu  sync.Mutex
	cur *synthTurn
	wg  sync.WaitGroup
}

// synthTurn is the state of one in-flight synthesis.
type synthTurn struct {
	turnID   uint64
	textCh   chan string
	splitter *SentenceSplitter
	started  time.Time
	closed   bool
}

// NewTTSStage builds the stage. sampleRate <= 0 selects the default; minLen
// tunes the sentence splitter.
func NewTTSStage(provider tts.Provider, voice types.VoiceProfile, control *TurnControl, sampleRate, minLen int, log *slog.Logger) *TTSStage {
	if sampleRate <= 0 {
		sampleRate = DefaultTTSSampleRate
	}
	if log == nil {
		log = slog.Default()
	}
	return &TTSStage{
		provider:   provider,
		voice:      voice,
		control:    control,
		sampleRate: sampleRate,
		minLen:     minLen,
		log:        log.With("stage", "tts"),
	}
}

var _ engine.Stage = (*TTSStage)(nil)

// Name implements [engine.Stage].
func (s *TTSStage) Name() string { return "tts" }

// Start implements [engine.Stage].
func (s *TTSStage) Start(_ context.Context, emit engine.Emit) error {
	s.emit = emit
	return nil
}

// Process consumes assistant text and interrupts; other frames pass through.
func (s *TTSStage) Process(ctx context.Context, f frame.Frame) error {
	switch v := f.(type) {
	case frame.AssistantTextDelta:
		return s.onDelta(ctx, v)
	case frame.AssistantTextFinal:
		return s.onFinal(ctx, v)
	case frame.Interrupt:
		s.onInterrupt()
		s.emit(v)
		return nil
	default:
		s.emit(f)
		return nil
	}
}

func (s *TTSStage) onDelta(ctx context.Context, v frame.AssistantTextDelta) error {
	turn, err := s.ensureTurn(ctx, v.TurnID)
	if err != nil {
		return err
	}
	turnCtx := s.control.ContextFor(ctx, v.TurnID)
	for _, sentence := range turn.splitter.Push(v.Text) {
		if !s.send(turnCtx, turn, sentence) {
			return nil
		}
	}
	return nil
}

func (s *TTSStage) onFinal(ctx context.Context, v frame.AssistantTextFinal) error {
	s.mu.Lock()
	turn := s.cur
	s.mu.Unlock()

	if turn == nil || turn.turnID != v.TurnID {
		if v.Text == "" {
			return nil
		}
		// Final without preceding deltas (injected text such as a greeting):
		// every complete sentence goes out, not just the flush tail.
		var err error
		if turn, err = s.ensureTurn(ctx, v.TurnID); err != nil {
			return err
		}
		greetCtx := s.control.ContextFor(ctx, v.TurnID)
		for _, sentence := range turn.splitter.Push(v.Text) {
			if !s.send(greetCtx, turn, sentence) {
				return nil
			}
		}
	}

	turnCtx := s.control.ContextFor(ctx, v.TurnID)
	if tail := turn.splitter.Flush(); tail != "" {
		s.send(turnCtx, turn, tail)
	}
	s.closeTurn(turn)
	return nil
}

func (s *TTSStage) onInterrupt() {
	s.mu.Lock()
	turn := s.cur
	s.mu.Unlock()
	if turn == nil {
		return
	}
	turn.splitter.Discard()
	s.closeTurn(turn)
}

// ensureTurn returns the synthesis state for turnID, starting the provider
// stream on first use.
func (s *TTSStage) ensureTurn(ctx context.Context, turnID uint64) (*synthTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil && s.cur.turnID == turnID {
		return s.cur, nil
	}
	if s.cur != nil {
		// A new turn started before the previous flush arrived.
		s.closeTurnLocked(s.cur)
	}

	turn := &synthTurn{
		turnID:   turnID,
		textCh:   make(chan string, textChannelDepth),
		splitter: NewSentenceSplitter(s.minLen),
		started:  time.Now(),
	}

	turnCtx := s.control.ContextFor(ctx, turnID)
	audioCh, err := s.provider.SynthesizeStream(turnCtx, turn.textCh, s.voice)
	if err != nil {
		return nil, engine.Unavailable(fmt.Errorf("tts stream: %w", err))
	}

	s.cur = turn
	s.wg.Add(1)
	go s.pump(turn, audioCh)
	return turn, nil
}

// pump forwards synthesized audio downstream until the provider closes the
// channel, then signals end-of-synthesis.
func (s *TTSStage) pump(turn *synthTurn, audioCh <-chan []byte) {
	defer s.wg.Done()

	started := false
	for pcm := range audioCh {
		if len(pcm) == 0 {
			continue
		}
		if s.control.Aborted(turn.turnID) {
			continue // drain silently; no audio after interrupt
		}
		if !started {
			started = true
			s.control.SetSpeaking(true)
			s.emit(frame.TTSStarted{Base: frame.NewBase(), TurnID: turn.turnID})
			s.emit(frame.Metric{
				Base:   frame.NewBase(),
				Stage:  s.Name(),
				Kind:   "tts_ttfb",
				Value:  float64(time.Since(turn.started).Milliseconds()),
				TurnID: turn.turnID,
				T:      time.Now(),
			})
		}
		s.emit(frame.AudioOutput{
			Base:       frame.NewBase(),
			PCM16:      pcm,
			SampleRate: s.sampleRate,
			Channels:   1,
			TurnID:     turn.turnID,
			Emit:       time.Now(),
		})
	}

	if started {
		s.control.SetSpeaking(false)
		s.emit(frame.TTSStopped{Base: frame.NewBase(), TurnID: turn.turnID})
		// Turn total: commit to last audio flushed. Interrupted turns have
		// no meaningful total; the greeting never begins a turn.
		if t0, ok := s.control.StartedAt(turn.turnID); ok && !s.control.Aborted(turn.turnID) {
			s.emit(frame.Metric{
				Base:   frame.NewBase(),
				Stage:  s.Name(),
				Kind:   "total",
				Value:  float64(time.Since(t0).Milliseconds()),
				TurnID: turn.turnID,
				T:      time.Now(),
			})
		}
	}
	s.control.EndTurn(turn.turnID)
}

// send delivers one sentence to the provider, honoring turn cancellation.
// Returns false when the turn was cancelled.
func (s *TTSStage) send(ctx context.Context, turn *synthTurn, sentence string) bool {
	s.mu.Lock()
	closed := turn.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	select {
	case turn.textCh <- sentence:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *TTSStage) closeTurn(turn *synthTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeTurnLocked(turn)
}

func (s *TTSStage) closeTurnLocked(turn *synthTurn) {
	if !turn.closed {
		turn.closed = true
		close(turn.textCh)
	}
	if s.cur == turn {
		s.cur = nil
	}
}

// Stop flushes any open synthesis and waits for the audio pumps to drain.
func (s *TTSStage) Stop(string) {
	s.mu.Lock()
	if s.cur != nil {
		s.closeTurnLocked(s.cur)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
