// Command corvox is the main entry point for the Corvox voice server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/corvoxlabs/corvox/internal/app"
	"github.com/corvoxlabs/corvox/internal/config"
	"github.com/corvoxlabs/corvox/internal/observe"
	"github.com/corvoxlabs/corvox/pkg/memory"
	memnoop "github.com/corvoxlabs/corvox/pkg/memory/noop"
	mempg "github.com/corvoxlabs/corvox/pkg/memory/postgres"
	"github.com/corvoxlabs/corvox/pkg/provider/embeddings"
	ollamaembed "github.com/corvoxlabs/corvox/pkg/provider/embeddings/ollama"
	oaembed "github.com/corvoxlabs/corvox/pkg/provider/embeddings/openai"
	"github.com/corvoxlabs/corvox/pkg/provider/llm"
	"github.com/corvoxlabs/corvox/pkg/provider/llm/anyllm"
	"github.com/corvoxlabs/corvox/pkg/provider/stt"
	"github.com/corvoxlabs/corvox/pkg/provider/stt/deepgram"
	"github.com/corvoxlabs/corvox/pkg/provider/stt/speechmatics"
	"github.com/corvoxlabs/corvox/pkg/provider/stt/whisper"
	"github.com/corvoxlabs/corvox/pkg/provider/tts"
	"github.com/corvoxlabs/corvox/pkg/provider/tts/coqui"
	"github.com/corvoxlabs/corvox/pkg/provider/tts/elevenlabs"
	oatts "github.com/corvoxlabs/corvox/pkg/provider/tts/openai"
	"github.com/corvoxlabs/corvox/pkg/provider/vad"
	"github.com/corvoxlabs/corvox/pkg/provider/vad/energy"
	"github.com/corvoxlabs/corvox/pkg/provider/vad/silero"
	"github.com/corvoxlabs/corvox/pkg/provider/vision"
	oavision "github.com/corvoxlabs/corvox/pkg/provider/vision/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "corvox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "corvox: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("corvox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first: the meter provider must be global before any
	// instrument is created.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "corvox",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Watch the config file so a log-level edit applies without a restart.
	// Everything else in the diff only affects sessions created after a
	// restart; the watcher logs what changed so the operator knows.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.Empty() {
			return
		}
		if len(diff.ChangedBlocks) > 0 {
			slog.Info("config file changed", "blocks", diff.ChangedBlocks)
		}
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level updated", "level", diff.NewLogLevel)
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives its concern's config block and constructs the
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Every chat backend goes through any-llm: optional APIKey + optional
	// BaseURL, same pattern for all of them.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.LLMConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.STTConfig) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("speechmatics", func(entry config.STTConfig) (stt.Provider, error) {
		var opts []speechmatics.Option
		if entry.BaseURL != "" {
			opts = append(opts, speechmatics.WithEndpoint(entry.BaseURL))
		}
		if entry.Language != "" {
			opts = append(opts, speechmatics.WithLanguage(entry.Language))
		}
		return speechmatics.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.STTConfig) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// whisper-native runs whisper.cpp in-process; Model is the GGML model path.
	reg.RegisterSTT("whisper-native", func(entry config.STTConfig) (stt.Provider, error) {
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		return whisper.NewNative(entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.TTSConfig) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.TTSConfig) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		return oatts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.TTSConfig) (tts.Provider, error) {
		return coqui.New(entry.BaseURL)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterVAD("silero", func(entry config.VADConfig) (vad.Engine, error) {
		var opts []silero.Option
		if entry.SilenceMs > 0 {
			opts = append(opts, silero.WithMinSilence(entry.Hangover()))
		}
		return silero.New(entry.ModelPath, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.EmbeddingsConfig) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// ── Vision ────────────────────────────────────────────────────────────────

	reg.RegisterVision("openai", func(entry config.VisionConfig) (vision.Provider, error) {
		var opts []oavision.Option
		if entry.BaseURL != "" {
			opts = append(opts, oavision.WithBaseURL(entry.BaseURL))
		}
		return oavision.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Memory ────────────────────────────────────────────────────────────────

	reg.RegisterMemory("postgres", func(ctx context.Context, entry config.MemoryConfig, embedder embeddings.Provider) (memory.Store, error) {
		return mempg.NewStore(ctx, entry.ConnString, embedder)
	})

	reg.RegisterMemory("noop", func(context.Context, config.MemoryConfig, embeddings.Provider) (memory.Store, error) {
		return memnoop.New(), nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Corvox — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.STT.Provider, cfg.STT.Model)
	printProvider("LLM", cfg.LLM.Provider, cfg.LLM.Model)
	printProvider("TTS", cfg.TTS.Provider, cfg.TTS.Model)
	printProvider("VAD", cfg.VAD.Provider, "")
	if cfg.Memory.Enabled {
		printProvider("Memory", cfg.Memory.Backend, cfg.Memory.Embeddings.Provider)
	} else {
		printProvider("Memory", "", "")
	}
	if cfg.Robot.Enabled {
		printProvider("Robot", cfg.Robot.Address, "")
	} else {
		printProvider("Robot", "", "")
	}
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.MaxSessions)
	if cfg.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
