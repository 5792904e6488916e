package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/corvoxlabs/corvox/pkg/memory"
	"github.com/corvoxlabs/corvox/pkg/provider/embeddings"
	"github.com/corvoxlabs/corvox/pkg/provider/llm"
	"github.com/corvoxlabs/corvox/pkg/provider/stt"
	"github.com/corvoxlabs/corvox/pkg/provider/tts"
	"github.com/corvoxlabs/corvox/pkg/provider/vad"
	"github.com/corvoxlabs/corvox/pkg/provider/vision"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// concern. It is safe for concurrent use.
//
// Factories receive the concern's own config block, so a factory can read
// tuning fields (language, voice, model path) without a second lookup.
type Registry struct {
	mu         sync.RWMutex
	stt        map[string]func(STTConfig) (stt.Provider, error)
	llm        map[string]func(LLMConfig) (llm.Provider, error)
	tts        map[string]func(TTSConfig) (tts.Provider, error)
	vad        map[string]func(VADConfig) (vad.Engine, error)
	embeddings map[string]func(EmbeddingsConfig) (embeddings.Provider, error)
	vision     map[string]func(VisionConfig) (vision.Provider, error)
	memory     map[string]func(context.Context, MemoryConfig, embeddings.Provider) (memory.Store, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:        make(map[string]func(STTConfig) (stt.Provider, error)),
		llm:        make(map[string]func(LLMConfig) (llm.Provider, error)),
		tts:        make(map[string]func(TTSConfig) (tts.Provider, error)),
		vad:        make(map[string]func(VADConfig) (vad.Engine, error)),
		embeddings: make(map[string]func(EmbeddingsConfig) (embeddings.Provider, error)),
		vision:     make(map[string]func(VisionConfig) (vision.Provider, error)),
		memory:     make(map[string]func(context.Context, MemoryConfig, embeddings.Provider) (memory.Store, error)),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(STTConfig) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(LLMConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(TTSConfig) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(EmbeddingsConfig) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterVision registers a vision provider factory under name.
func (r *Registry) RegisterVision(name string, factory func(VisionConfig) (vision.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vision[name] = factory
}

// RegisterMemory registers a memory store factory under name. Memory
// factories receive a context because backends dial out and migrate at
// construction time, and the embeddings provider the store should vectorise
// with.
func (r *Registry) RegisterMemory(name string, factory func(context.Context, MemoryConfig, embeddings.Provider) (memory.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory[name] = factory
}

// CreateSTT instantiates an STT provider using the factory registered under
// cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSTT(cfg STTConfig) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateLLM instantiates an LLM provider using the factory registered under
// cfg.Provider.
func (r *Registry) CreateLLM(cfg LLMConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateGateLLM instantiates the gate's classifier through the LLM factories.
// The gate block carries its own provider/model so a deployment can pair a
// large conversation model with a small, fast classifier.
func (r *Registry) CreateGateLLM(cfg GateConfig) (llm.Provider, error) {
	return r.CreateLLM(LLMConfig{
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		BaseURL:  cfg.BaseURL,
	})
}

// CreateTTS instantiates a TTS provider using the factory registered under
// cfg.Provider.
func (r *Registry) CreateTTS(cfg TTSConfig) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateVAD instantiates a VAD engine using the factory registered under
// cfg.Provider.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under cfg.Provider.
func (r *Registry) CreateEmbeddings(cfg EmbeddingsConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateVision instantiates a vision provider using the factory registered
// under cfg.Provider.
func (r *Registry) CreateVision(cfg VisionConfig) (vision.Provider, error) {
	r.mu.RLock()
	factory, ok := r.vision[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vision/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateMemory instantiates a memory store using the factory registered under
// cfg.Backend.
func (r *Registry) CreateMemory(ctx context.Context, cfg MemoryConfig, embedder embeddings.Provider) (memory.Store, error) {
	r.mu.RLock()
	factory, ok := r.memory[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: memory/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg, embedder)
}
