package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Live session graphs are immutable, so most changes only affect sessions
// created after the reload; the server logs ChangedBlocks so an operator can
// see what the next session will pick up. LogLevel is the exception — it
// applies to the running process immediately.
type ConfigDiff struct {
	// LogLevelChanged is true when the log level differs; NewLogLevel holds
	// the value to apply.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ChangedBlocks lists the top-level blocks whose content differs
	// (e.g., "stt", "turn", "persona_file"). Order follows the schema.
	ChangedBlocks []string
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.ChangedBlocks) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	changed := func(name string, same bool) {
		if !same {
			d.ChangedBlocks = append(d.ChangedBlocks, name)
		}
	}

	changed("listen_addr", old.ListenAddr == new.ListenAddr)
	changed("max_sessions", old.MaxSessions == new.MaxSessions)
	changed("persona_file", old.PersonaFile == new.PersonaFile)
	changed("tls", tlsEqual(old.TLS, new.TLS))
	changed("stt", old.STT == new.STT)
	changed("llm", old.LLM == new.LLM)
	changed("tts", old.TTS == new.TTS)
	changed("vad", old.VAD == new.VAD)
	changed("turn", old.Turn == new.Turn)
	changed("gate", gateEqual(old.Gate, new.Gate))
	changed("memory", old.Memory == new.Memory)
	changed("robot", old.Robot == new.Robot)
	changed("vision", old.Vision == new.Vision)
	changed("observer", old.Observer == new.Observer)
	changed("mcp", mcpEqual(old.MCP, new.MCP))

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// gateEqual compares gate blocks by value. The Enabled field is a pointer,
// so plain struct equality would report two loads of the same file as
// different.
func gateEqual(a, b GateConfig) bool {
	if a.IsEnabled() != b.IsEnabled() {
		return false
	}
	a.Enabled, b.Enabled = nil, nil
	return a == b
}

func mcpEqual(a, b MCPConfig) bool {
	return slices.EqualFunc(a.Servers, b.Servers, func(x, y MCPServerConfig) bool {
		return x.Name == y.Name &&
			x.Transport == y.Transport &&
			x.Command == y.Command &&
			slices.Equal(x.Args, y.Args) &&
			x.URL == y.URL &&
			maps.Equal(x.Env, y.Env)
	})
}
