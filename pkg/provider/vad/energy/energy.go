// Package energy provides a dependency-free VAD engine based on short-term
// RMS energy with an adaptive noise floor.
//
// It is much cruder than a neural detector and exists as the fallback for
// deployments where the Silero ONNX model is unavailable, and as the fast
// default for tests. Detection quality is adequate for close-mic speech with
// a stable noise profile.
package energy

import (
	"fmt"
	"math"

	"github.com/corvoxlabs/corvox/pkg/provider/vad"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// Reference level above the noise floor that maps to probability 1.0.
// RMS values are normalised to [0,1] against full-scale int16.
const probScale = 0.05

// Noise floor EMA coefficient. Applied only on frames classified as silence
// so that sustained speech does not inflate the floor.
const floorAlpha = 0.05

// Engine creates energy VAD sessions.
type Engine struct{}

// New creates an energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: SampleRate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: FrameSizeMs must be positive, got %d", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: SpeechThreshold %v out of range (0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: SilenceThreshold %v must be in [0, SpeechThreshold]", cfg.SilenceThreshold)
	}
	return &session{
		frameBytes:       cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		speechThreshold:  cfg.SpeechThreshold,
		silenceThreshold: cfg.SilenceThreshold,
		noiseFloor:       0.001,
	}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// session is a single-stream energy VAD session. Not safe for concurrent use.
type session struct {
	frameBytes       int
	speechThreshold  float64
	silenceThreshold float64

	noiseFloor float64
	active     bool
	closed     bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, fmt.Errorf("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms := frameRMS(frame)
	prob := (rms - s.noiseFloor) / probScale
	if prob < 0 {
		prob = 0
	}
	if prob > 1 {
		prob = 1
	}

	var ev types.VADEvent
	switch {
	case !s.active && prob >= s.speechThreshold:
		s.active = true
		ev = types.VADEvent{Type: types.VADSpeechStart, Probability: prob}
	case s.active && prob <= s.silenceThreshold:
		s.active = false
		ev = types.VADEvent{Type: types.VADSpeechEnd, Probability: prob}
	case s.active:
		ev = types.VADEvent{Type: types.VADSpeechContinue, Probability: prob}
	default:
		ev = types.VADEvent{Type: types.VADSilence, Probability: prob}
	}

	// Track the ambient level only outside speech so sustained talking does
	// not raise the floor under itself.
	if !s.active {
		s.noiseFloor = (1-floorAlpha)*s.noiseFloor + floorAlpha*rms
	}
	return ev, nil
}

// frameRMS returns the root-mean-square level of a PCM16LE frame, normalised
// to [0,1] against full scale.
func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(frame); i += 2 {
		sample := float64(int16(uint16(frame[i]) | uint16(frame[i+1])<<8))
		sum += sample * sample
	}
	return math.Sqrt(sum/float64(n)) / 32768
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.active = false
	s.noiseFloor = 0.001
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// Ensure session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*session)(nil)
