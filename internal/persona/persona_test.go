package persona

import (
	"strings"
	"testing"
)

func TestLoadFromReader(t *testing.T) {
	doc := `
name: Astra
system_prompt: You are Astra, a ship-board assistant.
greeting: Hello crew.
lexicon:
  - warp core
  - Astra
  - bridge
voice:
  id: voice-123
  speed: 1.2
`
	p, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if p.Name != "Astra" {
		t.Errorf("Name = %q, want Astra", p.Name)
	}
	if p.Voice.ID != "voice-123" || p.Voice.Speed != 1.2 {
		t.Errorf("Voice = %+v", p.Voice)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	doc := "name: X\nsystem_prompt: hi\nsytem_prompt: typo\n"
	if _, err := LoadFromReader(strings.NewReader(doc)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReaderValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty system prompt", "name: X\n"},
		{"speed too high", "system_prompt: hi\nvoice:\n  speed: 3.0\n"},
		{"blank lexicon entry", "system_prompt: hi\nlexicon:\n  - ok\n  - \"  \"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromReader(strings.NewReader(tt.doc)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDefaultsApplied(t *testing.T) {
	p, err := LoadFromReader(strings.NewReader("system_prompt: hi\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if p.Name != DefaultName {
		t.Errorf("Name = %q, want %q", p.Name, DefaultName)
	}
	if p.Voice.Speed != 1.0 {
		t.Errorf("Voice.Speed = %v, want 1.0", p.Voice.Speed)
	}
}

func TestEntitiesDeduplicatesAndIncludesName(t *testing.T) {
	p := &Persona{Name: "Astra", Lexicon: []string{"astra", "Bridge", "bridge", " warp core "}}
	got := p.Entities()
	want := []string{"Astra", "Bridge", "warp core"}
	if len(got) != len(want) {
		t.Fatalf("Entities = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entities[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestKeywordBoostsNameStrongest(t *testing.T) {
	p := &Persona{Name: "Astra", Lexicon: []string{"bridge"}}
	boosts := p.KeywordBoosts()
	if len(boosts) != 2 {
		t.Fatalf("got %d boosts, want 2", len(boosts))
	}
	if boosts[0].Keyword != "Astra" || boosts[0].Boost <= boosts[1].Boost {
		t.Errorf("name boost should lead and be strongest: %+v", boosts)
	}
}

func TestDefaultPersonaValid(t *testing.T) {
	p := Default()
	if err := p.Validate(); err != nil {
		t.Fatalf("default persona invalid: %v", err)
	}
	if p.Greeting == "" {
		t.Error("default persona should greet")
	}
}
