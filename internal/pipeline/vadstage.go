package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/pkg/provider/vad"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// DefaultHangover is how much trailing silence ends a speech segment.
const DefaultHangover = 600 * time.Millisecond

// VADStage classifies incoming 20 ms audio chunks and emits
// [frame.UserSpeechStarted] / [frame.UserSpeechStopped] events. Speech-stop
// is delayed by the silence hangover so mid-sentence pauses do not split a
// turn.
type VADStage struct {
	eng      vad.Engine
	cfg      vad.Config
	hangover time.Duration
	log      *slog.Logger

	session  vad.SessionHandle
	emit     engine.Emit
	inSpeech bool
	silence  time.Duration
}

// NewVADStage builds the stage. hangover <= 0 selects [DefaultHangover].
func NewVADStage(eng vad.Engine, cfg vad.Config, hangover time.Duration, log *slog.Logger) *VADStage {
	if hangover <= 0 {
		hangover = DefaultHangover
	}
	if log == nil {
		log = slog.Default()
	}
	return &VADStage{eng: eng, cfg: cfg, hangover: hangover, log: log.With("stage", "vad")}
}

var _ engine.Stage = (*VADStage)(nil)

// Name implements [engine.Stage].
func (s *VADStage) Name() string { return "vad" }

// Start opens the detector session.
func (s *VADStage) Start(_ context.Context, emit engine.Emit) error {
	session, err := s.eng.NewSession(s.cfg)
	if err != nil {
		return fmt.Errorf("vad session: %w", err)
	}
	s.session = session
	s.emit = emit
	return nil
}

// Process classifies one audio chunk. Non-audio frames pass through.
func (s *VADStage) Process(_ context.Context, f frame.Frame) error {
	in, ok := f.(frame.AudioInput)
	if !ok {
		s.emit(f)
		return nil
	}

	ev, err := s.session.ProcessFrame(in.PCM16)
	if err != nil {
		return engine.Invariant(fmt.Errorf("vad process: %w", err))
	}

	frameDur := time.Duration(s.cfg.FrameSizeMs) * time.Millisecond

	switch ev.Type {
	case types.VADSpeechStart, types.VADSpeechContinue:
		s.silence = 0
		if !s.inSpeech {
			s.inSpeech = true
			s.emit(frame.UserSpeechStarted{Base: frame.NewBase(), T: time.Now()})
		}
	case types.VADSpeechEnd, types.VADSilence:
		if !s.inSpeech {
			return nil
		}
		s.silence += frameDur
		if s.silence >= s.hangover {
			s.inSpeech = false
			s.silence = 0
			s.emit(frame.UserSpeechStopped{Base: frame.NewBase(), T: time.Now()})
		}
	}
	return nil
}

// Stop closes the detector session.
func (s *VADStage) Stop(string) {
	if s.session != nil {
		_ = s.session.Close()
		s.session = nil
	}
}
