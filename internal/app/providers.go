package app

import (
	"context"
	"fmt"

	"github.com/corvoxlabs/corvox/internal/config"
	"github.com/corvoxlabs/corvox/pkg/memory"
	"github.com/corvoxlabs/corvox/pkg/provider/embeddings"
	"github.com/corvoxlabs/corvox/pkg/provider/llm"
	"github.com/corvoxlabs/corvox/pkg/provider/stt"
	"github.com/corvoxlabs/corvox/pkg/provider/tts"
	"github.com/corvoxlabs/corvox/pkg/provider/vad"
	"github.com/corvoxlabs/corvox/pkg/provider/vision"
)

// Providers holds one interface value per provider slot. Nil means the slot
// is not configured. Populated by main via the config registry; tests fill it
// with mocks directly.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine

	// GateLLM is the small classifier behind the addressing gate. Nil with
	// the gate enabled falls back to the gate's open/closed policy.
	GateLLM llm.Provider

	// Embeddings vectorises text for the memory store.
	Embeddings embeddings.Provider

	// Memory is the long-term store; nil disables recall and storage.
	Memory memory.Store

	// Vision answers the camera capture tool; nil disables it.
	Vision vision.Provider
}

// BuildProviders instantiates every configured provider through the registry.
// The core voice path (STT, LLM, TTS, VAD) is mandatory; gate, memory, and
// vision are built only when their config blocks enable them.
func BuildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*Providers, error) {
	p := &Providers{}
	var err error

	if p.STT, err = reg.CreateSTT(cfg.STT); err != nil {
		return nil, fmt.Errorf("app: stt provider: %w", err)
	}
	if p.LLM, err = reg.CreateLLM(cfg.LLM); err != nil {
		return nil, fmt.Errorf("app: llm provider: %w", err)
	}
	if p.TTS, err = reg.CreateTTS(cfg.TTS); err != nil {
		return nil, fmt.Errorf("app: tts provider: %w", err)
	}
	if p.VAD, err = reg.CreateVAD(cfg.VAD); err != nil {
		return nil, fmt.Errorf("app: vad engine: %w", err)
	}

	if cfg.Gate.IsEnabled() {
		if cfg.Gate.Provider == "" && cfg.Gate.Model == "" {
			// No dedicated classifier configured: the conversation model
			// doubles as the classifier.
			p.GateLLM = p.LLM
		} else if p.GateLLM, err = reg.CreateGateLLM(cfg.Gate); err != nil {
			return nil, fmt.Errorf("app: gate classifier: %w", err)
		}
	}

	if cfg.Memory.Enabled {
		if p.Embeddings, err = reg.CreateEmbeddings(cfg.Memory.Embeddings); err != nil {
			return nil, fmt.Errorf("app: embeddings provider: %w", err)
		}
		if p.Memory, err = reg.CreateMemory(ctx, cfg.Memory, p.Embeddings); err != nil {
			return nil, fmt.Errorf("app: memory store: %w", err)
		}
	}

	if cfg.Robot.Enabled && cfg.Vision.Provider != "" {
		if p.Vision, err = reg.CreateVision(cfg.Vision); err != nil {
			return nil, fmt.Errorf("app: vision provider: %w", err)
		}
	}

	return p, nil
}
