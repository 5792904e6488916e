// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or the
// OpenAI speech API) and presents a uniform streaming interface. The primary
// entry point is SynthesizeStream, which accepts a channel of text fragments
// and returns a channel of raw PCM audio bytes as they become available —
// enabling low-latency pipelining between the sentence splitter and the
// outbound audio track.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/corvoxlabs/corvox/pkg/types"
)

// ErrCloneUnsupported is returned (possibly wrapped) by CloneVoice when the
// backend has no voice-cloning capability. Callers composing providers into a
// fallback chain can match it with errors.Is and move on to the next backend.
var ErrCloneUnsupported = errors.New("voice cloning is not supported")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. One synthesis stream runs
// per assistant turn; a barge-in cancels it mid-stream via ctx.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised. This design lets the caller pipe sentence-splitter output
	// directly into synthesis without waiting for the full reply text.
	//
	// The returned audio channel is closed by the implementation when the
	// text channel closes and all audio has been emitted, or when ctx is
	// cancelled. The caller must drain the audio channel to avoid blocking
	// the provider's internal goroutines.
	//
	// voice specifies the voice profile to use for synthesis. Providers
	// should return an error if the requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// CloneVoice creates a new voice profile by training on the supplied
	// audio samples. Each element of samples must be raw PCM or a
	// provider-supported encoded format (consult the implementation).
	//
	// This is an expensive operation and must not be called in the hot path.
	// Returns a pointer to the newly created VoiceProfile (with a
	// provider-assigned ID) or an error if cloning fails. A nil or empty
	// samples slice returns an error rather than panicking.
	CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error)
}
