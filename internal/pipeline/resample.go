package pipeline

import (
	"context"
	"log/slog"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/pkg/audio"
)

// ResampleStage converts synthesized audio to the peer track format
// (48 kHz stereo for the Opus encoder). Audio belonging to an interrupted
// turn is dropped here so stale chunks already queued behind the resampler
// never reach the transport.
type ResampleStage struct {
	control *TurnControl
	target  audio.Format
	conv    *audio.FormatConverter
	log     *slog.Logger

	emit engine.Emit
}

// NewResampleStage builds the stage. A zero target selects 48 kHz stereo.
func NewResampleStage(control *TurnControl, target audio.Format, log *slog.Logger) *ResampleStage {
	if target.SampleRate <= 0 {
		target = audio.Format{SampleRate: 48000, Channels: 2}
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResampleStage{
		control: control,
		target:  target,
		conv:    &audio.FormatConverter{Target: target},
		log:     log.With("stage", "resample"),
	}
}

var _ engine.Stage = (*ResampleStage)(nil)

// Name implements [engine.Stage].
func (s *ResampleStage) Name() string { return "resample" }

// Start implements [engine.Stage].
func (s *ResampleStage) Start(_ context.Context, emit engine.Emit) error {
	s.emit = emit
	return nil
}

// Process converts audio output frames; other frames pass through.
func (s *ResampleStage) Process(_ context.Context, f frame.Frame) error {
	out, ok := f.(frame.AudioOutput)
	if !ok {
		s.emit(f)
		return nil
	}
	if s.control != nil && s.control.Aborted(out.TurnID) {
		return nil
	}

	converted := s.conv.Convert(audio.AudioFrame{
		Data:       out.PCM16,
		SampleRate: out.SampleRate,
		Channels:   out.Channels,
	})
	if len(converted.Data) == 0 {
		return nil
	}

	s.emit(frame.AudioOutput{
		Base:       frame.NewBase(),
		PCM16:      converted.Data,
		SampleRate: converted.SampleRate,
		Channels:   converted.Channels,
		TurnID:     out.TurnID,
		Emit:       out.Emit,
	})
	return nil
}

// Stop implements [engine.Stage].
func (s *ResampleStage) Stop(string) {}
