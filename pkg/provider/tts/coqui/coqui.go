// Package coqui synthesises speech on a self-hosted Coqui TTS server. It is
// the offline alternative to the hosted providers: no API key, audio never
// leaves the machine, which suits robot deployments without internet access.
//
// Coqui servers have no streaming socket; every utterance is one HTTP round
// trip that returns a whole WAV file. SynthesizeStream therefore batches the
// incoming sentence stream: it gathers fragments into full sentences, keeps a
// few synthesis requests in flight at once, and re-serialises the PCM so the
// playback path still receives audio in spoken order.
//
// Two server flavours are spoken, selected with WithAPIMode:
//
//   - APIModeStandard (default): the stock Coqui TTS server image. Synthesis
//     is GET /api/tts with query parameters; the voice catalogue comes from
//     GET /details.
//   - APIModeXTTS: the XTTS v2 API server. Synthesis is POST /tts_to_audio/
//     with a JSON body; voices come from GET /studio_speakers and new voices
//     can be cloned from reference audio via POST /clone_speaker.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/corvoxlabs/corvox/pkg/audio"
	"github.com/corvoxlabs/corvox/pkg/provider/tts"
	"github.com/corvoxlabs/corvox/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// XTTS v2 API server.
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	cloneSpeakerEndpoint   = "/clone_speaker"

	// Stock Coqui TTS server.
	apiTTSEndpoint  = "/api/tts"
	detailsEndpoint = "/details"

	// inflightLimit caps concurrent synthesis requests. The lookahead hides
	// server latency behind the sentence currently being spoken; pushing it
	// higher mostly just loads the GPU for turns that may get barged in on.
	inflightLimit = 4

	// audioBufDepth is the buffer of the returned PCM channel.
	audioBufDepth = 256

	// chunkBytes is the slice size PCM is handed out in. Small enough that an
	// interrupt takes effect between chunks rather than after a whole sentence.
	chunkBytes = 4096
)

// ---- APIMode ----

// APIMode names the server flavour the provider talks to.
type APIMode string

const (
	// APIModeXTTS targets the XTTS v2 API server, which adds studio voices
	// and voice cloning on top of plain synthesis.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the stock Coqui TTS server. The default.
	// Cloning is not available on this server.
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent with every synthesis request.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout bounds each HTTP call to the server. Defaults to 30s; local
// GPU boxes are usually far faster, but first-request model loads are not.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode selects the server flavour. See APIModeStandard and APIModeXTTS.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputSampleRate resamples synthesised mono PCM to the given rate
// before it is handed out. Zero (the default) keeps the model's native rate
// and leaves rate conversion to the playback path.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// ---- Provider ----

// Provider talks to a self-hosted Coqui TTS server. Safe for concurrent use;
// each SynthesizeStream call runs its own request pipeline.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int // 0 = native model rate
}

// New returns a Provider for the server at serverURL, such as
// "http://localhost:5002". The mode defaults to APIModeStandard.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

// ttsRequest is the POST /tts_to_audio/ body (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// speakerCatalog is the GET /studio_speakers payload: a map keyed by voice
// name. Only the keys matter here, values stay undecoded.
type speakerCatalog map[string]json.RawMessage

// cloneSpeakerResponse is the POST /clone_speaker reply.
type cloneSpeakerResponse struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// detailsResponse is the GET /details reply on the stock server. Speakers is
// empty for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// synthResult is one sentence's synthesis outcome.
type synthResult struct {
	pcm []byte
	err error
}

// ---- SynthesizeStream ----

// SynthesizeStream turns the incoming sentence stream into PCM. Fragments are
// gathered until a sentence boundary ('.', '!' or '?' before whitespace or
// end of stream), each full sentence becomes one synthesis request, and up to
// inflightLimit requests run concurrently while the results are emitted in
// sentence order. WAV headers are stripped; the channel carries raw PCM.
//
// The returned channel closes once all text is synthesised, on the first
// synthesis failure, or when ctx is cancelled. The caller must drain it.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	// The stock server accepts an empty speaker for single-speaker models;
	// XTTS always needs a reference voice.
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID must not be empty in XTTS mode")
	}

	audioCh := make(chan []byte, audioBufDepth)

	go func() {
		defer close(audioCh)

		sentences := make(chan string, inflightLimit)
		go gatherSentences(ctx, text, sentences)

		// Each sentence gets a single-slot result channel; the queue keeps
		// them in submission order so playback order survives the fan-out.
		pending := make(chan chan synthResult, inflightLimit)
		go p.dispatch(ctx, sentences, pending, voice)

		for {
			select {
			case slot, ok := <-pending:
				if !ok {
					return
				}
				select {
				case res := <-slot:
					if res.err != nil {
						// Drop the rest of the turn. Callers distinguish
						// cancellation from server failure via ctx.Err().
						return
					}
					if !emitChunked(ctx, audioCh, res.pcm) {
						return
					}
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// gatherSentences buffers text fragments and forwards complete sentences.
// Whatever is left when the input closes goes out as a final partial sentence.
func gatherSentences(ctx context.Context, text <-chan string, sentences chan<- string) {
	defer close(sentences)
	var buf strings.Builder
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				if tail := strings.TrimSpace(buf.String()); tail != "" {
					select {
					case sentences <- tail:
					case <-ctx.Done():
					}
				}
				return
			}
			buf.WriteString(fragment)
			for {
				s := buf.String()
				idx := findSentenceBoundary(s)
				if idx < 0 {
					break
				}
				sentence := strings.TrimSpace(s[:idx+1])
				buf.Reset()
				buf.WriteString(s[idx+1:])
				if sentence == "" {
					continue
				}
				select {
				case sentences <- sentence:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch starts one synthesis request per sentence, bounded by the capacity
// of pending, and queues each request's result slot in submission order.
func (p *Provider) dispatch(ctx context.Context, sentences <-chan string, pending chan<- chan synthResult, voice types.VoiceProfile) {
	defer close(pending)
	for {
		select {
		case sentence, ok := <-sentences:
			if !ok {
				return
			}
			slot := make(chan synthResult, 1)
			select {
			case pending <- slot:
			case <-ctx.Done():
				return
			}
			go func(s string, out chan<- synthResult) {
				pcm, err := p.synthesize(ctx, s, voice)
				out <- synthResult{pcm: pcm, err: err}
			}(sentence, slot)
		case <-ctx.Done():
			return
		}
	}
}

// emitChunked hands pcm to out in chunkBytes slices. Reports false when ctx
// was cancelled mid-emit.
func emitChunked(ctx context.Context, out chan<- []byte, pcm []byte) bool {
	for len(pcm) > 0 {
		end := min(chunkBytes, len(pcm))
		select {
		case out <- pcm[:end]:
		case <-ctx.Done():
			return false
		}
		pcm = pcm[end:]
	}
	return true
}

// synthesize runs one sentence through whichever server flavour is configured
// and returns bare PCM with the WAV container stripped.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	var (
		wav []byte
		err error
	)
	if p.apiMode == APIModeStandard {
		wav, err = p.requestStandard(ctx, sentence, voice)
	} else {
		wav, err = p.requestXTTS(ctx, sentence, voice)
	}
	if err != nil {
		return nil, err
	}
	return p.extractPCM(wav)
}

// requestXTTS posts one sentence to the XTTS server and returns the WAV reply.
func (p *Provider) requestXTTS(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	body := ttsRequest{
		Text:       sentence,
		SpeakerWav: voice.ID,
		Language:   p.language,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: POST %s returned status %d", ttsEndpoint, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// requestStandard fetches one sentence from the stock server, which takes its
// parameters in the query string.
func (p *Provider) requestStandard(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", apiTTSEndpoint, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// extractPCM strips the RIFF container from a server reply and, when an
// output rate is configured, resamples mono audio to it.
func (p *Provider) extractPCM(wav []byte) ([]byte, error) {
	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	pcm := wav[info.dataOffset:]
	if p.outputRate > 0 && info.sampleRate != p.outputRate && info.channels == 1 {
		pcm = audio.ResampleMono16(pcm, info.sampleRate, p.outputRate)
	}
	return pcm, nil
}

// ---- ListVoices ----

// ListVoices returns the server's voice catalogue, sorted by voice ID. XTTS
// servers report their studio speakers; the stock server reports one voice
// per model speaker, or the model itself when it has a single voice.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	if p.apiMode == APIModeStandard {
		return p.listVoicesStandard(ctx)
	}
	return p.listVoicesXTTS(ctx)
}

func (p *Provider) listVoicesXTTS(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+studioSpeakersEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", studioSpeakersEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", studioSpeakersEndpoint, resp.StatusCode)
	}

	var catalog speakerCatalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("coqui: decode studio speakers: %w", err)
	}

	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]types.VoiceProfile, 0, len(names))
	for _, name := range names {
		profiles = append(profiles, types.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{
				"type": "studio",
			},
		})
	}
	return profiles, nil
}

func (p *Provider) listVoicesStandard(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+detailsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", detailsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", detailsEndpoint, resp.StatusCode)
	}

	var details detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("coqui: decode details response: %w", err)
	}

	if len(details.Speakers) > 0 {
		speakers := append([]string(nil), details.Speakers...)
		sort.Strings(speakers)

		profiles := make([]types.VoiceProfile, 0, len(speakers))
		for _, spk := range speakers {
			profiles = append(profiles, types.VoiceProfile{
				ID:       spk,
				Name:     spk,
				Provider: "coqui",
				Metadata: map[string]string{
					"type":       "speaker",
					"model_name": details.ModelName,
				},
			})
		}
		return profiles, nil
	}

	// Single-speaker model: the model name stands in for the voice ID.
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []types.VoiceProfile{
		{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{
				"type":       "single-speaker",
				"model_name": name,
			},
		},
	}, nil
}

// ---- CloneVoice ----

// CloneVoice registers a new speaker on the XTTS server from WAV reference
// samples and returns its profile. The stock server cannot clone; in
// APIModeStandard the call fails with tts.ErrCloneUnsupported.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	if p.apiMode == APIModeStandard {
		return nil, fmt.Errorf("coqui: standard API mode: %w", tts.ErrCloneUnsupported)
	}
	if len(samples) == 0 {
		return nil, errors.New("coqui: CloneVoice requires at least one audio sample")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, sample := range samples {
		filename := fmt.Sprintf("sample_%02d.wav", i)
		fw, err := mw.CreateFormFile("wav_files", filename)
		if err != nil {
			return nil, fmt.Errorf("coqui: create form file %s: %w", filename, err)
		}
		if _, err := fw.Write(sample); err != nil {
			return nil, fmt.Errorf("coqui: write form file %s: %w", filename, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("coqui: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+cloneSpeakerEndpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("coqui: create clone-speaker request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST %s: %w", cloneSpeakerEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: POST %s returned status %d", cloneSpeakerEndpoint, resp.StatusCode)
	}

	var cloned cloneSpeakerResponse
	if err := json.NewDecoder(resp.Body).Decode(&cloned); err != nil {
		return nil, fmt.Errorf("coqui: decode clone-speaker response: %w", err)
	}
	if cloned.Name == "" {
		return nil, errors.New("coqui: clone-speaker response missing name")
	}

	return &types.VoiceProfile{
		ID:       cloned.Name,
		Name:     cloned.Name,
		Provider: "coqui",
		Metadata: map[string]string{
			"type": "cloned",
		},
	}, nil
}

// ---- WAV handling ----

// findSentenceBoundary returns the index of the first '.', '!' or '?' that
// ends the string or is followed by whitespace, or -1. The whitespace rule
// keeps "3.14" intact; abbreviations like "Dr." still split, which is
// acceptable for spoken output.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// wavFormat is what the playback path needs from a RIFF header.
type wavFormat struct {
	dataOffset int
	sampleRate int
	channels   int
}

// parseWAV walks the RIFF chunks of wav and returns the location of the PCM
// payload plus the format from the "fmt " chunk. Coqui models differ in their
// header layout, so the data chunk is located by walking rather than assuming
// the common 44-byte offset.
func parseWAV(wav []byte) (wavFormat, error) {
	if len(wav) < 12 {
		return wavFormat{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavFormat{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavFormat{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var info wavFormat
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.dataOffset = offset + 8
			if !foundFmt {
				// data before fmt: fall back to the XTTS default format.
				info.sampleRate = 22050
				info.channels = 1
			}
			return info, nil
		}

		// Chunks are word-aligned; odd sizes carry a pad byte.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavFormat{}, errors.New("coqui: WAV response missing data chunk")
}

// findWAVDataOffset reports where the PCM payload starts inside a RIFF file.
func findWAVDataOffset(wav []byte) (int, error) {
	info, err := parseWAV(wav)
	if err != nil {
		return 0, err
	}
	return info.dataOffset, nil
}
