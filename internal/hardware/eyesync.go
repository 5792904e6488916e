package hardware

import (
	"context"
	"log/slog"
	"sync"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
)

// Conversational eye states mirrored onto the robot's face.
const (
	EyeListening = "listening"
	EyeThinking  = "thinking"
	EyeSpeaking  = "speaking"
	EyeIdle      = "idle"
)

// EyeSync is a pipeline observer that keeps the robot's eyes in step with
// the conversation: listening while the user speaks, thinking once a turn
// passes the gate, speaking while TTS plays, idle otherwise.
//
// It runs off the observer bus, so a slow daemon can never stall the
// pipeline; state writes happen on the bus goroutine and are deduplicated.
type EyeSync struct {
	client *Client
	log    *slog.Logger

	mu      sync.Mutex
	current string
}

// NewEyeSync builds the observer over the shared client.
func NewEyeSync(client *Client, log *slog.Logger) *EyeSync {
	if log == nil {
		log = slog.Default()
	}
	return &EyeSync{client: client, log: log.With("component", "eye_sync")}
}

// OnEvent implements [engine.Observer]. Lifecycle events do not move the
// eyes.
func (e *EyeSync) OnEvent(engine.Event) {}

// OnFrame implements [engine.Observer]. Stages publish frames by value, and
// pass-through stages republish what they forward, so each frame is matched
// at the stage that decides its meaning: thinking starts only when the gate
// lets the final through, never for a suppressed turn.
func (e *EyeSync) OnFrame(stage string, f frame.Frame) {
	switch f.(type) {
	case frame.UserSpeechStarted:
		e.set(EyeListening)
	case frame.STTFinal:
		if stage == "gate" {
			e.set(EyeThinking)
		}
	case frame.TTSStarted:
		if stage == "tts" {
			e.set(EyeSpeaking)
		}
	case frame.TTSStopped:
		if stage == "tts" {
			e.set(EyeIdle)
		}
	}
}

// set writes the eye state if it changed. Errors are logged and dropped —
// eyes are decoration, not control flow.
func (e *EyeSync) set(state string) {
	e.mu.Lock()
	if e.current == state {
		e.mu.Unlock()
		return
	}
	e.current = state
	e.mu.Unlock()

	if err := e.client.SetEyeState(context.Background(), state); err != nil {
		e.log.Debug("eye state update failed", "state", state, "error", err)
	}
}

var _ engine.Observer = (*EyeSync)(nil)
