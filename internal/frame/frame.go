// Package frame defines the typed messages exchanged between pipeline stages
// and the bounded queues they travel on.
//
// Frames are tagged variants: each concrete struct embeds [Base] and satisfies
// the sealed [Frame] interface, and stages select on the concrete type with a
// type switch. Unknown frame types must propagate downstream with a debug log —
// never panic — so that new variants can be introduced without touching every
// stage.
//
// Data frames (audio, transcripts, assistant text) flow downstream from the
// peer toward the speaker. Control frames ([Interrupt], [Error], [End]) flow
// upstream. [Metric] frames are observational and may be emitted anywhere; the
// observer bus delivers them to the metrics store without re-entering the graph.
package frame

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// frameCounter issues process-wide unique frame IDs for log correlation.
var frameCounter atomic.Uint64

// Frame is the interface satisfied by every message that travels through the
// pipeline. It is sealed: only types embedding [Base] can implement it.
type Frame interface {
	// FrameID returns the process-wide unique ID assigned at construction.
	FrameID() uint64

	sealed()
}

// Base carries the identity shared by every frame variant. Embed it and
// initialise with [NewBase].
type Base struct {
	// ID is the process-wide unique frame identifier.
	ID uint64
}

// NewBase returns a Base with a freshly issued frame ID.
func NewBase() Base {
	return Base{ID: frameCounter.Add(1)}
}

// FrameID returns the unique identifier assigned at construction.
func (b Base) FrameID() uint64 { return b.ID }

func (Base) sealed() {}

// ─── Audio ───────────────────────────────────────────────────────────────────

// AudioInput is a chunk of microphone PCM from the peer, post-decode.
// The transport delivers these at a fixed cadence (20 ms per chunk).
type AudioInput struct {
	Base

	// PCM16 is little-endian 16-bit PCM.
	PCM16 []byte

	// SampleRate in Hz of PCM16.
	SampleRate int

	// Channels of PCM16 (1 = mono).
	Channels int

	// Capture is the wall-clock instant the chunk was received from the peer.
	Capture time.Time
}

// AudioOutput is a chunk of synthesized PCM on its way to the peer.
type AudioOutput struct {
	Base

	PCM16      []byte
	SampleRate int
	Channels   int

	// TurnID is the conversation turn this audio belongs to. The transport
	// uses it to discard stale audio after an interrupt.
	TurnID uint64

	// Emit is the wall-clock instant the chunk left the TTS stage.
	Emit time.Time
}

// ─── Speech events ───────────────────────────────────────────────────────────

// UserSpeechStarted signals that VAD detected the onset of user speech.
type UserSpeechStarted struct {
	Base
	T time.Time
}

// UserSpeechStopped signals that VAD observed the configured silence hangover
// after user speech.
type UserSpeechStopped struct {
	Base
	T time.Time
}

// ─── Transcripts ─────────────────────────────────────────────────────────────

// STTInterim is a provisional hypothesis from the STT provider. Interims are
// replaceable: queues carrying them drop the oldest under pressure.
type STTInterim struct {
	Base

	Text string

	// SpeakerID is the opaque diarization label, empty when diarization is off.
	SpeakerID string

	T time.Time
}

// STTFinal is the single authoritative transcript for a turn, emitted by the
// turn aggregator after speech-stop and stabilisation.
type STTFinal struct {
	Base

	Text      string
	SpeakerID string

	// TurnID is assigned by the aggregator and is strictly monotonic per session.
	TurnID uint64

	T time.Time
}

// ─── Assistant text ──────────────────────────────────────────────────────────

// AssistantTextDelta is one streamed token span from the LLM.
type AssistantTextDelta struct {
	Base

	Text   string
	TurnID uint64
	T      time.Time
}

// AssistantTextFinal carries the complete assistant reply once streaming ends.
type AssistantTextFinal struct {
	Base

	Text   string
	TurnID uint64
	T      time.Time
}

// ─── TTS state ───────────────────────────────────────────────────────────────

// TTSStarted marks the first synthesized audio frame of a turn.
type TTSStarted struct {
	Base
	TurnID uint64
}

// TTSStopped marks the flush of the last synthesized audio frame of a turn,
// whether by completion or interruption.
type TTSStopped struct {
	Base
	TurnID uint64
}

// ─── Tools ───────────────────────────────────────────────────────────────────

// ToolCall is a structured function-invocation request emitted by the LLM stage.
type ToolCall struct {
	Base

	Name   string
	Args   json.RawMessage
	CallID string
	TurnID uint64
}

// ToolResult resolves a ToolCall. Exactly one ToolResult with a matching
// CallID is produced for every ToolCall before the turn terminates; failures
// travel in Err rather than as pipeline errors.
type ToolResult struct {
	Base

	CallID string
	Value  string
	Err    string
	TurnID uint64
}

// ─── Control ─────────────────────────────────────────────────────────────────

// Interrupt preempts downstream output for a turn. It travels upstream and is
// idempotent: redelivery for the same turn has no effect after the first.
type Interrupt struct {
	Base

	// Reason is a short token such as "barge_in" or "shutdown".
	Reason string

	// TurnID identifies the turn being aborted.
	TurnID uint64
}

// Metric is an observational measurement tied to a stage and usually a turn.
type Metric struct {
	Base

	// Stage is the emitting stage name.
	Stage string

	// Kind names the measurement: "stt_ttfb", "llm_ttfb", "tts_ttfb",
	// "recall", "total", "gate_suppress", "drop".
	Kind string

	// Value is the measurement in milliseconds for latency kinds, or a count.
	Value float64

	TurnID uint64
	T      time.Time
}

// Error reports a stage failure. Transient errors are retried inside the
// stage runner and never surface as Error frames.
type Error struct {
	Base

	Stage  string
	Kind   ErrorKind
	Detail string
}

// End signals orderly termination of a stream of frames.
type End struct {
	Base
}

// ─── Error kinds ─────────────────────────────────────────────────────────────

// ErrorKind classifies stage failures for recovery policy.
type ErrorKind int

const (
	// KindTransientNetwork covers timeouts and provider 5xx; retried with backoff.
	KindTransientNetwork ErrorKind = iota

	// KindProviderUnavailable aborts the turn but keeps the session alive.
	KindProviderUnavailable

	// KindBadInput is surfaced to the peer without retry.
	KindBadInput

	// KindPolicyViolation covers negotiation failures such as an unsupported
	// codec; surfaced to the peer without retry.
	KindPolicyViolation

	// KindDeadlineExceeded triggers the per-stage degradation path: gate fails
	// open, memory returns empty, STT reconnects, tools error back to the LLM.
	KindDeadlineExceeded

	// KindInternalInvariant ends the session with a final error message.
	KindInternalInvariant
)

// String returns the wire name of the error kind, as used in data-channel
// error messages and logs.
func (k ErrorKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindBadInput:
		return "bad_input"
	case KindPolicyViolation:
		return "policy_violation"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	case KindInternalInvariant:
		return "internal_invariant"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may be retried in-band.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientNetwork
}

// Fatal reports whether a failure of this kind must end the session.
func (k ErrorKind) Fatal() bool {
	return k == KindInternalInvariant
}
