package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/corvoxlabs/corvox/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per concern.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram", "speechmatics", "whisper", "whisper-native"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":        {"elevenlabs", "openai", "coqui"},
	"vad":        {"energy", "silero"},
	"embeddings": {"openai", "ollama"},
	"vision":     {"openai"},
	"memory":     {"postgres", "noop"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown YAML keys are rejected so typos surface at
// startup instead of silently falling back to defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued fields with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 4
	}
	if cfg.PersonaFile == "" {
		cfg.PersonaFile = "persona.yaml"
	}

	if cfg.STT.InterimBudgetMs == 0 {
		cfg.STT.InterimBudgetMs = 1500
	}

	if cfg.LLM.ContextTokens == 0 {
		cfg.LLM.ContextTokens = 8192
	}

	if cfg.VAD.Provider == "" {
		cfg.VAD.Provider = "energy"
	}
	if cfg.VAD.SilenceMs == 0 {
		cfg.VAD.SilenceMs = 600
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = 0.5
	}

	if cfg.Turn.StabiliseMs == 0 {
		cfg.Turn.StabiliseMs = 300
	}
	if cfg.Turn.HardDeadlineMs == 0 {
		cfg.Turn.HardDeadlineMs = 1500
	}

	if cfg.Gate.BudgetMs == 0 {
		cfg.Gate.BudgetMs = 400
	}
	if cfg.Gate.HistoryTurns == 0 {
		cfg.Gate.HistoryTurns = 4
	}

	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = "postgres"
	}
	if cfg.Memory.K == 0 {
		cfg.Memory.K = 3
	}
	if cfg.Memory.RecallBudgetMs == 0 {
		cfg.Memory.RecallBudgetMs = 50
	}

	if cfg.Robot.CommandTimeoutMs == 0 {
		cfg.Robot.CommandTimeoutMs = 300
	}
	if cfg.Robot.CaptureTimeoutMs == 0 {
		cfg.Robot.CaptureTimeoutMs = 1000
	}

	if cfg.Observer.SnapshotMs == 0 {
		cfg.Observer.SnapshotMs = 500
	}
	if cfg.Observer.WindowTurns == 0 {
		cfg.Observer.WindowTurns = 100
	}
	if cfg.Observer.TableTurns == 0 {
		cfg.Observer.TableTurns = 20
	}

	for i := range cfg.MCP.Servers {
		if cfg.MCP.Servers[i].Transport == "" {
			cfg.MCP.Servers[i].Transport = mcp.TransportStdio
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("max_sessions %d must be at least 1", cfg.MaxSessions))
	}
	if cfg.TLS != nil {
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			errs = append(errs, errors.New("tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.STT.Provider)
	validateProviderName("llm", cfg.LLM.Provider)
	validateProviderName("tts", cfg.TTS.Provider)
	validateProviderName("vad", cfg.VAD.Provider)
	validateProviderName("embeddings", cfg.Memory.Embeddings.Provider)
	validateProviderName("vision", cfg.Vision.Provider)
	validateProviderName("memory", cfg.Memory.Backend)

	// A conversation needs all three cascade stages.
	if cfg.STT.Provider == "" {
		errs = append(errs, errors.New("stt.provider is required"))
	}
	if cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required"))
	}
	if cfg.TTS.Provider == "" {
		errs = append(errs, errors.New("tts.provider is required"))
	}

	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range (0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.Provider == "silero" && cfg.VAD.ModelPath == "" {
		errs = append(errs, errors.New("vad.model_path is required when vad.provider is silero"))
	}

	if cfg.Turn.StabiliseMs >= cfg.Turn.HardDeadlineMs {
		errs = append(errs, fmt.Errorf("turn.stabilise_ms %d must be less than turn.hard_deadline_ms %d",
			cfg.Turn.StabiliseMs, cfg.Turn.HardDeadlineMs))
	}

	if cfg.Gate.IsEnabled() {
		// An unset gate provider falls back to the llm block, so a model
		// without a provider is the one incoherent combination.
		if cfg.Gate.Provider == "" && cfg.Gate.Model != "" && cfg.LLM.Provider == "" {
			errs = append(errs, errors.New("gate.model is set but neither gate.provider nor llm.provider is configured"))
		}
	}

	if cfg.Memory.Enabled {
		if cfg.Memory.Backend == "postgres" && cfg.Memory.ConnString == "" {
			errs = append(errs, errors.New("memory.conn_string is required when memory is enabled"))
		}
		if cfg.Memory.Embeddings.Provider == "" {
			errs = append(errs, errors.New("memory.embeddings.provider is required when memory is enabled"))
		}
		if cfg.Memory.K < 1 {
			errs = append(errs, fmt.Errorf("memory.k %d must be at least 1", cfg.Memory.K))
		}
	}

	if cfg.Robot.Enabled {
		if cfg.Robot.Address == "" {
			errs = append(errs, errors.New("robot.address is required when robot is enabled"))
		}
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
