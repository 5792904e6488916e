package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/corvoxlabs/corvox/pkg/provider/tts"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// speechRequest mirrors the JSON body the SDK posts to /audio/speech.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
	Instructions   string  `json:"instructions"`
}

// newSpeechServer returns a test server that echoes "PCM:"+input as the audio
// body and records every request it receives.
func newSpeechServer(t *testing.T, mu *sync.Mutex, reqs *[]speechRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req speechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode speech request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		*reqs = append(*reqs, req)
		mu.Unlock()

		if strings.Contains(req.Input, "fail") {
			// 400 is not retried by the SDK, unlike 5xx.
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("PCM:" + req.Input))
	}))
}

func mustProvider(t *testing.T, baseURL string, opts ...Option) *Provider {
	t.Helper()
	opts = append([]Option{WithBaseURL(baseURL)}, opts...)
	p, err := New("test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// ── SynthesizeStream ─────────────────────────────────────────────────────────

func TestSynthesizeStream_EchoesFragments(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []speechRequest
	)
	srv := newSpeechServer(t, &mu, &reqs)
	defer srv.Close()

	p := mustProvider(t, srv.URL)

	text := make(chan string, 2)
	text <- "Hello."
	text <- "World."
	close(text)

	audioCh, err := p.SynthesizeStream(context.Background(), text, types.VoiceProfile{ID: "alloy"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var audio []byte
	for chunk := range audioCh {
		audio = append(audio, chunk...)
	}
	if got := string(audio); got != "PCM:Hello.PCM:World." {
		t.Errorf("unexpected audio %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if reqs[0].Voice != "alloy" {
		t.Errorf("expected voice 'alloy', got %q", reqs[0].Voice)
	}
	if reqs[0].ResponseFormat != "pcm" {
		t.Errorf("expected response_format 'pcm', got %q", reqs[0].ResponseFormat)
	}
	if reqs[0].Model != string(defaultModel) {
		t.Errorf("expected model %q, got %q", defaultModel, reqs[0].Model)
	}
}

func TestSynthesizeStream_SkipsFailedFragment(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []speechRequest
	)
	srv := newSpeechServer(t, &mu, &reqs)
	defer srv.Close()

	p := mustProvider(t, srv.URL)

	text := make(chan string, 2)
	text <- "fail"
	text <- "recovered"
	close(text)

	audioCh, err := p.SynthesizeStream(context.Background(), text, types.VoiceProfile{ID: "nova"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var audio []byte
	for chunk := range audioCh {
		audio = append(audio, chunk...)
	}
	if got := string(audio); got != "PCM:recovered" {
		t.Errorf("expected only the recovered fragment, got %q", got)
	}
}

func TestSynthesizeStream_UnknownVoice(t *testing.T) {
	p := mustProvider(t, "http://localhost:0")

	text := make(chan string)
	_, err := p.SynthesizeStream(context.Background(), text, types.VoiceProfile{ID: "borealis"})
	if err == nil {
		t.Fatal("expected error for unknown voice")
	}
}

func TestSynthesizeStream_ContextCancelClosesChannel(t *testing.T) {
	p := mustProvider(t, "http://localhost:0")

	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string) // never closed

	audioCh, err := p.SynthesizeStream(ctx, text, types.VoiceProfile{ID: "alloy"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	cancel()

	select {
	case _, ok := <-audioCh:
		if ok {
			t.Error("expected closed channel, got audio")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio channel not closed after context cancel")
	}
}

// ── Param construction ───────────────────────────────────────────────────────

func TestBuildParams_DefaultVoice(t *testing.T) {
	p := mustProvider(t, "http://localhost:0")

	params, err := p.buildParams(types.VoiceProfile{})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if string(params.Voice) != "alloy" {
		t.Errorf("expected default voice 'alloy', got %q", params.Voice)
	}
	if params.ResponseFormat != oai.AudioSpeechNewParamsResponseFormatPCM {
		t.Errorf("expected pcm response format, got %q", params.ResponseFormat)
	}
	if params.Speed.Valid() {
		t.Errorf("expected speed unset, got %f", params.Speed.Value)
	}
}

func TestBuildParams_SpeedFactor(t *testing.T) {
	p := mustProvider(t, "http://localhost:0")

	params, err := p.buildParams(types.VoiceProfile{ID: "echo", SpeedFactor: 1.2})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if !params.Speed.Valid() || params.Speed.Value != 1.2 {
		t.Errorf("expected speed 1.2, got %+v", params.Speed)
	}

	params, err = p.buildParams(types.VoiceProfile{ID: "echo", SpeedFactor: 1.0})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Speed.Valid() {
		t.Errorf("expected unit speed omitted, got %f", params.Speed.Value)
	}
}

func TestBuildParams_Instructions(t *testing.T) {
	profile := types.VoiceProfile{
		ID:       "sage",
		Metadata: map[string]string{"instructions": "Speak warmly and slowly."},
	}

	p := mustProvider(t, "http://localhost:0")
	params, err := p.buildParams(profile)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if !params.Instructions.Valid() || params.Instructions.Value != "Speak warmly and slowly." {
		t.Errorf("expected instructions set for gpt-4o-mini-tts, got %+v", params.Instructions)
	}

	// tts-1 rejects instructions, so they must be dropped.
	p = mustProvider(t, "http://localhost:0", WithModel("tts-1"))
	params, err = p.buildParams(profile)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Instructions.Valid() {
		t.Errorf("expected instructions omitted for tts-1, got %q", params.Instructions.Value)
	}
}

func TestBuildParams_UnknownVoice(t *testing.T) {
	p := mustProvider(t, "http://localhost:0")
	if _, err := p.buildParams(types.VoiceProfile{ID: "no-such-voice"}); err == nil {
		t.Error("expected error for unknown voice")
	}
}

// ── Voice catalogue ──────────────────────────────────────────────────────────

func TestListVoices_StaticCatalogue(t *testing.T) {
	p := mustProvider(t, "http://localhost:0")

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != len(builtinVoices) {
		t.Fatalf("expected %d voices, got %d", len(builtinVoices), len(voices))
	}

	found := false
	for _, v := range voices {
		if v.Provider != "openai" {
			t.Errorf("expected provider 'openai', got %q", v.Provider)
		}
		if v.ID == "alloy" {
			found = true
		}
	}
	if !found {
		t.Error("expected 'alloy' in the voice catalogue")
	}
}

func TestCloneVoice_Unsupported(t *testing.T) {
	p := mustProvider(t, "http://localhost:0")

	_, err := p.CloneVoice(context.Background(), [][]byte{[]byte("sample")})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, tts.ErrCloneUnsupported) {
		t.Errorf("expected ErrCloneUnsupported, got %v", err)
	}
}

// ── Constructor ──────────────────────────────────────────────────────────────

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
}

func TestNew_WithModel(t *testing.T) {
	p, err := New("key", WithModel("tts-1-hd"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if string(p.model) != "tts-1-hd" {
		t.Errorf("expected model 'tts-1-hd', got %q", p.model)
	}
}
