// Package persona loads and validates the assistant's persona definition.
//
// A persona is a YAML document describing who the assistant is: its name, the
// system prompt that shapes its replies, the greeting it speaks when a peer
// connects, the lexicon of terms the transcript corrector should recognise,
// and the TTS voice it speaks with. One persona is loaded at startup and
// shared read-only across sessions.
package persona

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/corvoxlabs/corvox/pkg/types"
)

// DefaultName is used when the persona file does not set one.
const DefaultName = "Corvox"

// Persona is the assistant's identity, loaded from YAML.
type Persona struct {
	// Name is what the assistant answers to. The gate's fast path and the
	// STT keyword boosts both derive from it.
	Name string `yaml:"name"`

	// SystemPrompt is the head system message of every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is spoken over the TTS path once the data channel opens.
	// Empty disables the introduction turn.
	Greeting string `yaml:"greeting"`

	// Lexicon lists terms the STT output should be corrected toward:
	// proper nouns, product names, gesture vocabulary. The assistant's
	// name is always included implicitly.
	Lexicon []string `yaml:"lexicon"`

	// Voice selects the TTS voice for this persona. Overrides the tts
	// config block's voice when set.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig is the persona's TTS voice selection.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Speed adjusts speaking rate (0.5–2.0, 0 means provider default).
	Speed float64 `yaml:"speed"`
}

// Load reads and validates a persona YAML file from disk.
func Load(path string) (*Persona, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persona: open %q: %w", path, err)
	}
	defer f.Close()

	p, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("persona: parse %q: %w", path, err)
	}
	return p, nil
}

// LoadFromReader parses persona YAML from an [io.Reader]. The reader is
// consumed entirely; the caller is responsible for closing it.
func LoadFromReader(r io.Reader) (*Persona, error) {
	var p Persona
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode persona yaml: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Default returns the built-in persona used when no persona file is
// configured.
func Default() *Persona {
	p := &Persona{
		Name: DefaultName,
		SystemPrompt: "You are " + DefaultName + ", a helpful voice assistant. " +
			"Keep replies short and conversational — they are spoken aloud.",
		Greeting: "Hello! I'm " + DefaultName + ". How can I help?",
	}
	p.applyDefaults()
	return p
}

func (p *Persona) applyDefaults() {
	if strings.TrimSpace(p.Name) == "" {
		p.Name = DefaultName
	}
	if p.Voice.Speed == 0 {
		p.Voice.Speed = 1.0
	}
}

// Validate checks the persona for values that would misbehave downstream.
func (p *Persona) Validate() error {
	var errs []error
	if strings.TrimSpace(p.SystemPrompt) == "" {
		errs = append(errs, errors.New("persona: system_prompt must not be empty"))
	}
	if p.Voice.Speed < 0.5 || p.Voice.Speed > 2.0 {
		errs = append(errs, fmt.Errorf("persona: voice.speed %.2f outside [0.5, 2.0]", p.Voice.Speed))
	}
	for i, term := range p.Lexicon {
		if strings.TrimSpace(term) == "" {
			errs = append(errs, fmt.Errorf("persona: lexicon[%d] is blank", i))
		}
	}
	return errors.Join(errs...)
}

// Entities returns the correction vocabulary: the lexicon plus the
// assistant's name, deduplicated case-insensitively. The transcript
// corrector and the STT keyword boosts both consume this list.
func (p *Persona) Entities() []string {
	seen := make(map[string]struct{}, len(p.Lexicon)+1)
	out := make([]string, 0, len(p.Lexicon)+1)
	for _, term := range append([]string{p.Name}, p.Lexicon...) {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		key := strings.ToLower(term)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, term)
	}
	return out
}

// KeywordBoosts renders the entity list as STT keyword hints. The
// assistant's own name gets a stronger boost than the rest of the lexicon.
func (p *Persona) KeywordBoosts() []types.KeywordBoost {
	entities := p.Entities()
	boosts := make([]types.KeywordBoost, 0, len(entities))
	for i, term := range entities {
		boost := 1.5
		if i == 0 { // the name is always first
			boost = 2.0
		}
		boosts = append(boosts, types.KeywordBoost{Keyword: term, Boost: boost})
	}
	return boosts
}

// VoiceProfile renders the persona's voice selection for the TTS provider.
func (p *Persona) VoiceProfile() types.VoiceProfile {
	return types.VoiceProfile{
		ID:          p.Voice.ID,
		Name:        p.Name,
		SpeedFactor: p.Voice.Speed,
	}
}
