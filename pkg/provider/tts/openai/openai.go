// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Unlike the ElevenLabs WebSocket stream, the OpenAI speech endpoint is
// request/response per text fragment: each fragment from the text channel is
// synthesised with a separate POST and the response body is relayed to the
// audio channel in chunks as it downloads. With response_format=pcm the API
// returns 24 kHz mono signed 16-bit little-endian samples.
package openai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/corvoxlabs/corvox/pkg/provider/tts"
	"github.com/corvoxlabs/corvox/pkg/types"
)

const (
	defaultModel = oai.SpeechModelGPT4oMiniTTS
	defaultVoice = "alloy"

	// SampleRate is the fixed output rate of the OpenAI speech API in PCM mode.
	SampleRate = 24000

	// readChunkSize is how much of the response body is relayed per audio
	// channel send. Small enough that playback can start before the full
	// fragment has downloaded.
	readChunkSize = 4096
)

// builtinVoices is the fixed voice catalogue of the OpenAI speech API.
var builtinVoices = []string{
	"alloy", "ash", "ballad", "coral", "echo", "fable",
	"nova", "onyx", "sage", "shimmer", "verse",
}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  oai.SpeechModel
}

// config holds optional configuration for the provider.
type config struct {
	model   string
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the speech model (e.g., "tts-1", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible gateways and local inference servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	model := defaultModel
	if cfg.model != "" {
		model = oai.SpeechModel(cfg.model)
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// SynthesizeStream implements tts.Provider. Each text fragment becomes one
// speech request; a failed fragment is logged and skipped so a transient API
// error drops one sentence instead of killing the whole turn.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	params, err := p.buildParams(voice)
	if err != nil {
		return nil, err
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if fragment == "" {
					continue
				}
				if err := p.synthesizeFragment(ctx, params, fragment, audioCh); err != nil {
					if ctx.Err() != nil {
						return
					}
					slog.Warn("openai speech request failed",
						"model", string(p.model),
						"voice", params.Voice,
						"error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// synthesizeFragment issues one speech request and relays the PCM body to
// audioCh in readChunkSize pieces.
func (p *Provider) synthesizeFragment(ctx context.Context, params oai.AudioSpeechNewParams, fragment string, audioCh chan<- []byte) error {
	params.Input = fragment

	res, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai: speech: %w", err)
	}
	defer res.Body.Close()

	for {
		buf := make([]byte, readChunkSize)
		n, err := res.Body.Read(buf)
		if n > 0 {
			select {
			case audioCh <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai: read speech body: %w", err)
		}
	}
}

// buildParams maps a voice profile onto speech request params. The fragment
// text is filled in per request.
func (p *Provider) buildParams(voice types.VoiceProfile) (oai.AudioSpeechNewParams, error) {
	name := voice.ID
	if name == "" {
		name = defaultVoice
	}
	if !isBuiltinVoice(name) {
		return oai.AudioSpeechNewParams{}, fmt.Errorf("openai: unknown voice %q", name)
	}

	params := oai.AudioSpeechNewParams{
		Model:          p.model,
		Voice:          oai.AudioSpeechNewParamsVoice(name),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor != 0 && voice.SpeedFactor != 1.0 {
		params.Speed = param.NewOpt(voice.SpeedFactor)
	}
	// Style instructions are only honoured by the gpt-4o-mini-tts model.
	if instr := voice.Metadata["instructions"]; instr != "" && p.model == oai.SpeechModelGPT4oMiniTTS {
		params.Instructions = param.NewOpt(instr)
	}
	return params, nil
}

// ListVoices implements tts.Provider. The OpenAI speech API has a fixed
// catalogue, so the list is static.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	profiles := make([]types.VoiceProfile, 0, len(builtinVoices))
	for _, name := range builtinVoices {
		profiles = append(profiles, types.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "openai",
		})
	}
	return profiles, nil
}

// CloneVoice implements tts.Provider. The OpenAI speech API offers no voice
// cloning, so this always fails with tts.ErrCloneUnsupported.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	return nil, fmt.Errorf("openai: %w", tts.ErrCloneUnsupported)
}

// isBuiltinVoice reports whether name is one of the fixed OpenAI voices.
func isBuiltinVoice(name string) bool {
	for _, v := range builtinVoices {
		if v == name {
			return true
		}
	}
	return false
}

var _ tts.Provider = (*Provider)(nil)
