// Package silero provides a VAD engine backed by the Silero VAD ONNX model
// via github.com/streamer45/silero-vad-go.
//
// The underlying detector operates on fixed windows (512 samples at 16 kHz,
// 256 at 8 kHz) and maintains recurrent state across calls. Sessions buffer
// incoming pipeline frames internally and run detection whenever at least one
// complete window is available, so any FrameSizeMs that divides cleanly into
// PCM16 bytes is accepted.
//
// Because the library reports speech segments rather than raw probabilities,
// events carry a binary Probability: 1.0 during speech, 0.0 otherwise.
//
// Building this package requires the ONNX Runtime shared library; see the
// silero-vad-go documentation for CGO setup.
package silero

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/corvoxlabs/corvox/pkg/provider/vad"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// Engine creates Silero VAD sessions. Each session owns an independent
// detector instance, so concurrent streams do not share recurrent state.
type Engine struct {
	modelPath  string
	minSilence time.Duration
	speechPad  time.Duration
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithMinSilence sets how much trailing silence the model requires before it
// closes a speech segment. Default: 100ms.
func WithMinSilence(d time.Duration) Option {
	return func(e *Engine) {
		e.minSilence = d
	}
}

// WithSpeechPad sets the padding added around detected speech segments.
// Default: 30ms.
func WithSpeechPad(d time.Duration) Option {
	return func(e *Engine) {
		e.speechPad = d
	}
}

// New creates a Silero VAD engine loading the ONNX model at modelPath.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("silero: modelPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model file: %w", err)
	}
	e := &Engine{
		modelPath:  modelPath,
		minSilence: 100 * time.Millisecond,
		speechPad:  30 * time.Millisecond,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("silero: unsupported sample rate %d (want 8000 or 16000)", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("silero: FrameSizeMs must be positive, got %d", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("silero: SpeechThreshold %v out of range (0,1]", cfg.SpeechThreshold)
	}

	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            e.modelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            float32(cfg.SpeechThreshold),
		MinSilenceDurationMs: int(e.minSilence.Milliseconds()),
		SpeechPadMs:          int(e.speechPad.Milliseconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}

	windowSamples := 512
	if cfg.SampleRate == 8000 {
		windowSamples = 256
	}

	return &session{
		detector:      detector,
		frameBytes:    cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		windowSamples: windowSamples,
	}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// session is a single-stream Silero VAD session. Not safe for concurrent use.
type session struct {
	detector      *speech.Detector
	frameBytes    int
	windowSamples int

	buf    []float32
	active bool

	closeOnce sync.Once
	closed    bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, fmt.Errorf("silero: session closed")
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("silero: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	// PCM16LE → normalised float32.
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int16(uint16(frame[i]) | uint16(frame[i+1])<<8)
		s.buf = append(s.buf, float32(sample)/32768)
	}

	// Not enough samples for a detector window yet: report the current state.
	n := (len(s.buf) / s.windowSamples) * s.windowSamples
	if n == 0 {
		return s.stateEvent(false), nil
	}

	segments, err := s.detector.Detect(s.buf[:n])
	if err != nil {
		return types.VADEvent{}, fmt.Errorf("silero: detect: %w", err)
	}
	s.buf = append(s.buf[:0], s.buf[n:]...)

	// Segments report transitions: an open segment (SpeechEndAt == 0) means
	// speech began, a closed one means it ended. An empty slice means the
	// detector state is unchanged.
	transitioned := false
	for _, seg := range segments {
		if seg.SpeechEndAt > 0 {
			if s.active {
				s.active = false
				transitioned = true
			}
		} else if !s.active {
			s.active = true
			transitioned = true
		}
	}
	return s.stateEvent(transitioned), nil
}

// stateEvent maps the current detector state to a VADEvent.
func (s *session) stateEvent(transitioned bool) types.VADEvent {
	switch {
	case s.active && transitioned:
		return types.VADEvent{Type: types.VADSpeechStart, Probability: 1}
	case s.active:
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: 1}
	case transitioned:
		return types.VADEvent{Type: types.VADSpeechEnd, Probability: 0}
	default:
		return types.VADEvent{Type: types.VADSilence, Probability: 0}
	}
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	if s.closed {
		return
	}
	_ = s.detector.Reset()
	s.buf = s.buf[:0]
	s.active = false
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed = true
		err = s.detector.Destroy()
	})
	return err
}

// Ensure session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*session)(nil)
