package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/corvoxlabs/corvox/internal/config"
)

// loadTwice parses the same YAML into two independent configs, mimicking two
// watcher loads of an unchanged file.
func loadTwice(t *testing.T, yaml string) (*config.Config, *config.Config) {
	t.Helper()
	a, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return a, b
}

func TestDiff_IdenticalContentIsEmpty(t *testing.T) {
	t.Parallel()
	old, new := loadTwice(t, sampleYAML)

	d := config.Diff(old, new)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical content, got blocks %v", d.ChangedBlocks)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := loadTwice(t, minimalYAML)
	new.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want debug", d.NewLogLevel)
	}
	if len(d.ChangedBlocks) != 0 {
		t.Errorf("log level is not a block change, got %v", d.ChangedBlocks)
	}
}

func TestDiff_ProviderBlockChanged(t *testing.T) {
	t.Parallel()
	old, new := loadTwice(t, minimalYAML)
	new.STT.Model = "nova-3"
	new.Turn.StabiliseMs = 400

	d := config.Diff(old, new)
	if !slices.Contains(d.ChangedBlocks, "stt") {
		t.Errorf("expected stt in changed blocks, got %v", d.ChangedBlocks)
	}
	if !slices.Contains(d.ChangedBlocks, "turn") {
		t.Errorf("expected turn in changed blocks, got %v", d.ChangedBlocks)
	}
	if slices.Contains(d.ChangedBlocks, "llm") {
		t.Errorf("llm did not change, got %v", d.ChangedBlocks)
	}
}

func TestDiff_GatePointerDoesNotFalsePositive(t *testing.T) {
	t.Parallel()
	// Both configs carry an explicit enabled: true — distinct pointers,
	// same value.
	yaml := minimalYAML + `
gate:
  enabled: true
`
	old, new := loadTwice(t, yaml)

	d := config.Diff(old, new)
	if slices.Contains(d.ChangedBlocks, "gate") {
		t.Errorf("identical gate blocks reported as changed: %v", d.ChangedBlocks)
	}
}

func TestDiff_GateToggleDetected(t *testing.T) {
	t.Parallel()
	old, _ := loadTwice(t, minimalYAML)
	new, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
gate:
  enabled: false
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d := config.Diff(old, new)
	if !slices.Contains(d.ChangedBlocks, "gate") {
		t.Errorf("gate toggle not detected, got %v", d.ChangedBlocks)
	}
}

func TestDiff_MCPServerAdded(t *testing.T) {
	t.Parallel()
	old, _ := loadTwice(t, minimalYAML)
	new, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
mcp:
  servers:
    - name: tools
      command: /bin/mcp-tools
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d := config.Diff(old, new)
	if !slices.Contains(d.ChangedBlocks, "mcp") {
		t.Errorf("added MCP server not detected, got %v", d.ChangedBlocks)
	}
}

func TestDiff_TopLevelFieldsChanged(t *testing.T) {
	t.Parallel()
	old, new := loadTwice(t, minimalYAML)
	new.MaxSessions = 8
	new.PersonaFile = "other.yaml"

	d := config.Diff(old, new)
	if !slices.Contains(d.ChangedBlocks, "max_sessions") {
		t.Errorf("expected max_sessions in changed blocks, got %v", d.ChangedBlocks)
	}
	if !slices.Contains(d.ChangedBlocks, "persona_file") {
		t.Errorf("expected persona_file in changed blocks, got %v", d.ChangedBlocks)
	}
}
