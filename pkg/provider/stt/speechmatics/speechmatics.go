// Package speechmatics provides a Speechmatics-backed STT provider using the
// Realtime API v2 over WebSocket. It implements the stt.Provider interface.
//
// Unlike Deepgram, Speechmatics requires an explicit StartRecognition /
// RecognitionStarted handshake before audio may flow, and supports speaker
// diarization with a bounded speaker count. Speaker labels ("S1", "S2") are
// passed through on transcripts unchanged; the unknown-speaker label "UU" is
// mapped to an empty SpeakerID.
package speechmatics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/corvoxlabs/corvox/pkg/provider/stt"
	"github.com/corvoxlabs/corvox/pkg/types"
)

const (
	defaultEndpoint   = "wss://eu2.rt.speechmatics.com/v2"
	defaultLanguage   = "en"
	defaultMaxDelay   = 1.0
	defaultSampleRate = 16000
	defaultOperating  = "enhanced"

	// The conversation loop only ever distinguishes the primary speaker from
	// one other party, so recognition is capped at two speakers.
	maxSpeakers = 2
)

// Option is a functional option for configuring the Speechmatics Provider.
type Option func(*Provider)

// WithEndpoint overrides the Realtime API endpoint, e.g. for a self-hosted
// container deployment.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithLanguage sets the recognition language code (e.g., "en", "de").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithMaxDelay sets the maximum delay in seconds before a final transcript is
// emitted. Lower values reduce latency at some accuracy cost.
func WithMaxDelay(seconds float64) Option {
	return func(p *Provider) {
		p.maxDelay = seconds
	}
}

// WithOperatingPoint selects the accuracy/latency trade-off ("standard" or
// "enhanced").
func WithOperatingPoint(op string) Option {
	return func(p *Provider) {
		p.operatingPoint = op
	}
}

// Provider implements stt.Provider backed by the Speechmatics Realtime API.
type Provider struct {
	apiKey         string
	endpoint       string
	language       string
	maxDelay       float64
	operatingPoint string
}

// New creates a new Speechmatics Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("speechmatics: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:         apiKey,
		endpoint:       defaultEndpoint,
		language:       defaultLanguage,
		maxDelay:       defaultMaxDelay,
		operatingPoint: defaultOperating,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session. It dials the WebSocket,
// performs the StartRecognition handshake, and returns once the server has
// acknowledged with RecognitionStarted.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("speechmatics: dial: %w", err)
	}

	start := p.buildStartRecognition(cfg)
	payload, err := json.Marshal(start)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal failed")
		return nil, fmt.Errorf("speechmatics: marshal StartRecognition: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("speechmatics: send StartRecognition: %w", err)
	}

	// The protocol forbids audio before RecognitionStarted arrives.
	if err := awaitRecognitionStarted(ctx, conn); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// awaitRecognitionStarted reads the handshake reply and verifies it.
func awaitRecognitionStarted(ctx context.Context, conn *websocket.Conn) error {
	_, msg, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("speechmatics: await RecognitionStarted: %w", err)
	}
	var reply serverMessage
	if err := json.Unmarshal(msg, &reply); err != nil {
		return fmt.Errorf("speechmatics: parse handshake reply: %w", err)
	}
	switch reply.Message {
	case "RecognitionStarted":
		return nil
	case "Error":
		return fmt.Errorf("speechmatics: recognition rejected: %s: %s", reply.Type, reply.Reason)
	default:
		return fmt.Errorf("speechmatics: unexpected handshake reply %q", reply.Message)
	}
}

// buildStartRecognition constructs the handshake message for the given config.
func (p *Provider) buildStartRecognition(cfg stt.StreamConfig) startRecognition {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	tc := transcriptionConfig{
		Language:       lang,
		EnablePartials: true,
		MaxDelay:       p.maxDelay,
		OperatingPoint: p.operatingPoint,
	}
	if cfg.Diarize {
		tc.Diarization = "speaker"
		tc.SpeakerDiarizationConfig = &speakerDiarizationConfig{MaxSpeakers: maxSpeakers}
	}
	for _, kw := range cfg.Keywords {
		// Speechmatics has no numeric boost; vocabulary presence is the hint.
		tc.AdditionalVocab = append(tc.AdditionalVocab, additionalVocab{Content: kw.Keyword})
	}

	return startRecognition{
		Message: "StartRecognition",
		AudioFormat: audioFormat{
			Type:       "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sr,
		},
		TranscriptionConfig: tc,
	}
}

// ---- wire messages ----

type startRecognition struct {
	Message             string              `json:"message"`
	AudioFormat         audioFormat         `json:"audio_format"`
	TranscriptionConfig transcriptionConfig `json:"transcription_config"`
}

type audioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type transcriptionConfig struct {
	Language                 string                    `json:"language"`
	EnablePartials           bool                      `json:"enable_partials"`
	MaxDelay                 float64                   `json:"max_delay"`
	OperatingPoint           string                    `json:"operating_point,omitempty"`
	Diarization              string                    `json:"diarization,omitempty"`
	SpeakerDiarizationConfig *speakerDiarizationConfig `json:"speaker_diarization_config,omitempty"`
	AdditionalVocab          []additionalVocab         `json:"additional_vocab,omitempty"`
}

type speakerDiarizationConfig struct {
	MaxSpeakers int `json:"max_speakers"`
}

type additionalVocab struct {
	Content string `json:"content"`
}

type endOfStream struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

// serverMessage covers every inbound message shape the session cares about.
type serverMessage struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	Metadata struct {
		Transcript string  `json:"transcript"`
		StartTime  float64 `json:"start_time"`
		EndTime    float64 `json:"end_time"`
	} `json:"metadata"`
	Results []struct {
		Type         string  `json:"type"`
		StartTime    float64 `json:"start_time"`
		EndTime      float64 `json:"end_time"`
		Alternatives []struct {
			Content    string  `json:"content"`
			Confidence float64 `json:"confidence"`
			Speaker    string  `json:"speaker"`
		} `json:"alternatives"`
	} `json:"results"`
}

// ---- session ----

// session is a live Speechmatics streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Speechmatics.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("speechmatics: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("speechmatics: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// SetKeywords reports that Speechmatics cannot change additional_vocab on a
// running recognition. The session continues with the vocabulary from
// StreamConfig.
func (s *session) SetKeywords(keywords []types.KeywordBoost) error {
	return fmt.Errorf("speechmatics: %w", stt.ErrKeywordUpdateUnsupported)
}

// Close terminates the session. Pending audio is flushed, EndOfStream is sent,
// and both loops are awaited before the connection is torn down.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop sends queued audio as binary AddAudio messages, counting sequence
// numbers so EndOfStream can reference the last chunk.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	seq := 0
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			seq++
		case <-s.done:
			// Drain remaining audio, then tell the server the stream is over.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						s.sendEndOfStream(ctx, seq)
						return
					}
					if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
					seq++
				default:
					s.sendEndOfStream(ctx, seq)
					return
				}
			}
		}
	}
}

func (s *session) sendEndOfStream(ctx context.Context, lastSeq int) {
	payload, err := json.Marshal(endOfStream{Message: "EndOfStream", LastSeqNo: lastSeq})
	if err != nil {
		return
	}
	_ = s.conn.Write(ctx, websocket.MessageText, payload)
}

// readLoop receives JSON messages from Speechmatics and dispatches transcripts
// to the partials and finals channels. It exits on EndOfTranscript, a server
// error, or connection teardown.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var sm serverMessage
		if err := json.Unmarshal(msg, &sm); err != nil {
			continue
		}

		switch sm.Message {
		case "AddPartialTranscript":
			if t, ok := toTranscript(sm, false); ok {
				select {
				case s.partials <- t:
				case <-s.done:
				}
			}
		case "AddTranscript":
			if t, ok := toTranscript(sm, true); ok {
				select {
				case s.finals <- t:
				case <-s.done:
				}
			}
		case "EndOfTranscript":
			return
		case "Error":
			slog.Warn("speechmatics session error",
				"type", sm.Type,
				"reason", sm.Reason,
			)
			return
		}
	}
}

// toTranscript converts a transcript server message into a types.Transcript.
// Returns (zero, false) for messages with no usable text.
func toTranscript(sm serverMessage, isFinal bool) (types.Transcript, bool) {
	text := strings.TrimSpace(sm.Metadata.Transcript)
	if text == "" {
		return types.Transcript{}, false
	}

	words := make([]types.WordDetail, 0, len(sm.Results))
	speaker := ""
	confSum := 0.0
	confN := 0
	for _, r := range sm.Results {
		if r.Type != "word" || len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		words = append(words, types.WordDetail{
			Word:       alt.Content,
			Start:      time.Duration(r.StartTime * float64(time.Second)),
			End:        time.Duration(r.EndTime * float64(time.Second)),
			Confidence: alt.Confidence,
		})
		confSum += alt.Confidence
		confN++
		// "UU" marks an unattributed word; only real labels propagate.
		if speaker == "" && alt.Speaker != "" && alt.Speaker != "UU" {
			speaker = alt.Speaker
		}
	}

	confidence := 0.0
	if confN > 0 {
		confidence = confSum / float64(confN)
	}

	return types.Transcript{
		Text:       text,
		IsFinal:    isFinal,
		Confidence: confidence,
		Words:      words,
		SpeakerID:  speaker,
		Timestamp:  time.Duration(sm.Metadata.StartTime * float64(time.Second)),
	}, true
}
