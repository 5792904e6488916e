// Package webrtc is the peer-facing transport: pion peer connection,
// HTTP signalling, paced Opus output, and the "events" data channel.
package webrtc

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/internal/observe"
)

// Sender delivers one encoded event to the peer. *webrtc.DataChannel
// satisfies it directly.
type Sender interface {
	Send(payload []byte) error
}

// EventWriter serializes session events as JSON lines on the data channel.
// It carries metadata only — audio never travels here.
//
// The writer is created before the channel exists; events sent before Bind
// are dropped with a debug log rather than buffered, since a peer that has
// not opened the channel yet has no turn history to miss.
type EventWriter struct {
	mu     sync.Mutex
	sender Sender
	log    *slog.Logger
}

// NewEventWriter creates an unbound writer.
func NewEventWriter(log *slog.Logger) *EventWriter {
	if log == nil {
		log = slog.Default()
	}
	return &EventWriter{log: log.With("component", "events")}
}

// Bind attaches the open data channel. Safe to call again after a renegotiation.
func (w *EventWriter) Bind(s Sender) {
	w.mu.Lock()
	w.sender = s
	w.mu.Unlock()
}

func (w *EventWriter) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		w.log.Error("event marshal failed", "error", err)
		return
	}
	w.mu.Lock()
	sender := w.sender
	w.mu.Unlock()
	if sender == nil {
		w.log.Debug("event dropped, data channel not open", "payload", string(payload))
		return
	}
	if err := sender.Send(payload); err != nil {
		w.log.Warn("event send failed", "error", err)
	}
}

type textEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SpeakerID string `json:"speaker_id,omitempty"`
}

// Transcription publishes the final transcript of a user turn.
func (w *EventWriter) Transcription(text, speakerID string) {
	w.send(textEvent{Type: "transcription", Text: text, SpeakerID: speakerID})
}

// Partial publishes a provisional hypothesis.
func (w *EventWriter) Partial(text, speakerID string) {
	w.send(textEvent{Type: "partial", Text: text, SpeakerID: speakerID})
}

// TTSState publishes a synthesis start/stop edge.
func (w *EventWriter) TTSState(started bool) {
	state := "stopped"
	if started {
		state = "started"
	}
	w.send(struct {
		Type  string `json:"type"`
		State string `json:"state"`
	}{Type: "tts_state", State: state})
}

// System publishes an informational note, e.g. a gate suppression.
func (w *EventWriter) System(message string) {
	w.send(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{Type: "system", Message: message})
}

// Error publishes a structured failure the peer should surface.
func (w *EventWriter) Error(code, message string) {
	w.send(struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Type: "error", Code: code, Message: message})
}

type metricsEvent struct {
	Type       string   `json:"type"`
	TurnNumber uint64   `json:"turn_number"`
	STTTTFBMs  *float64 `json:"stt_ttfb_ms,omitempty"`
	RecallMs   *float64 `json:"recall_ms,omitempty"`
	LLMTTFBMs  *float64 `json:"llm_ttfb_ms,omitempty"`
	TTSTTFBMs  *float64 `json:"tts_ttfb_ms,omitempty"`
	TotalMs    *float64 `json:"total_ms,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

func metricPtr(values map[string]float64, kind string) *float64 {
	v, ok := values[kind]
	if !ok {
		return nil
	}
	return &v
}

// Metrics publishes the measurements of one turn. Kinds the turn never
// recorded are omitted, not zeroed.
func (w *EventWriter) Metrics(row observe.TurnRow) {
	w.send(metricsEvent{
		Type:       "metrics",
		TurnNumber: row.TurnID,
		STTTTFBMs:  metricPtr(row.Values, observe.KindSTTTTFB),
		RecallMs:   metricPtr(row.Values, observe.KindRecall),
		LLMTTFBMs:  metricPtr(row.Values, observe.KindLLMTTFB),
		TTSTTFBMs:  metricPtr(row.Values, observe.KindTTSTTFB),
		TotalMs:    metricPtr(row.Values, observe.KindTotal),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// SnapshotSink adapts the writer to the metrics publisher: each debounced
// snapshot becomes one metrics event for its most recent turn.
func SnapshotSink(w *EventWriter) func(observe.Snapshot) {
	return func(snap observe.Snapshot) {
		if len(snap.Turns) == 0 {
			return
		}
		w.Metrics(snap.Turns[len(snap.Turns)-1])
	}
}

// EventObserver taps the stage bus and translates frames into data-channel
// events. Partial hypotheses are held back while the user is still speaking
// and flushed (latest only) on speech stop, unless live forwarding is on.
//
// Pass-through stages republish the frames they forward, so each frame kind
// is accepted from its producing stage only: finals from the aggregator
// (suppressed turns still surface their transcript), synthesis edges from
// the TTS stage. Anything else would reach the peer once per graph hop.
type EventObserver struct {
	w    *EventWriter
	live bool

	mu       sync.Mutex
	speaking bool
	pending  *textEvent
}

// NewEventObserver creates the bus-to-data-channel bridge. live forwards
// every partial immediately instead of waiting for the speech-stop edge.
func NewEventObserver(w *EventWriter, live bool) *EventObserver {
	return &EventObserver{w: w, live: live}
}

// OnEvent implements engine.Observer. Lifecycle events stay internal.
func (o *EventObserver) OnEvent(engine.Event) {}

// OnFrame implements engine.Observer.
func (o *EventObserver) OnFrame(stage string, f frame.Frame) {
	switch v := f.(type) {
	case frame.UserSpeechStarted:
		o.mu.Lock()
		o.speaking = true
		o.mu.Unlock()

	case frame.UserSpeechStopped:
		o.mu.Lock()
		o.speaking = false
		pending := o.pending
		o.pending = nil
		o.mu.Unlock()
		if pending != nil {
			o.w.Partial(pending.Text, pending.SpeakerID)
		}

	case frame.STTInterim:
		if stage != "stt" {
			return
		}
		o.mu.Lock()
		hold := o.speaking && !o.live
		if hold {
			o.pending = &textEvent{Text: v.Text, SpeakerID: v.SpeakerID}
		}
		o.mu.Unlock()
		if !hold {
			o.w.Partial(v.Text, v.SpeakerID)
		}

	case frame.STTFinal:
		if stage != "aggregator" {
			return
		}
		o.mu.Lock()
		o.pending = nil
		o.mu.Unlock()
		o.w.Transcription(v.Text, v.SpeakerID)

	case frame.TTSStarted:
		if stage == "tts" {
			o.w.TTSState(true)
		}

	case frame.TTSStopped:
		if stage == "tts" {
			o.w.TTSState(false)
		}

	case frame.Metric:
		if v.Kind == observe.KindGateSuppress {
			o.w.System("not addressed, staying quiet")
		}

	case frame.Error:
		o.w.Error(v.Kind.String(), v.Detail)
	}
}

var _ engine.Observer = (*EventObserver)(nil)
