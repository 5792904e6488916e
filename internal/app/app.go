// Package app wires all Corvox subsystems into a running voice server.
//
// The App struct owns the full lifecycle: New creates and connects the shared
// subsystems (persona, MCP host, robot hardware, observer substrate), Run
// serves signalling and admits peer sessions, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithPersona,
// WithMCPHost, WithToolSource). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvoxlabs/corvox/internal/config"
	"github.com/corvoxlabs/corvox/internal/hardware"
	"github.com/corvoxlabs/corvox/internal/health"
	"github.com/corvoxlabs/corvox/internal/mcp"
	"github.com/corvoxlabs/corvox/internal/mcp/mcphost"
	"github.com/corvoxlabs/corvox/internal/observe"
	"github.com/corvoxlabs/corvox/internal/persona"
	rtc "github.com/corvoxlabs/corvox/internal/transport/webrtc"
)

// shutdownGrace bounds how long Run waits for sessions and the HTTP server
// after its context is cancelled.
const shutdownGrace = 10 * time.Second

// App owns all shared subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	persona  *persona.Persona
	mcpHost  mcp.Host
	hw       *hardware.Client
	eyes     *hardware.EyeSync
	tools    []mcp.ToolSource
	metrics  *observe.Metrics
	sessions *SessionManager

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPersona injects a persona instead of loading cfg.PersonaFile.
func WithPersona(p *persona.Persona) Option {
	return func(a *App) { a.persona = p }
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithToolSource appends an extra tool source to every session's router.
func WithToolSource(src mcp.ToolSource) Option {
	return func(a *App) { a.tools = append(a.tools, src) }
}

// New creates an App by wiring the shared subsystems together. The providers
// struct comes from main (populated via the config registry).
//
// New performs all initialisation synchronously: persona loading, MCP server
// registration, and the robot hardware dial + health check.
func New(ctx context.Context, cfg *config.Config, providers *Providers, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       log,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initPersona(); err != nil {
		return nil, fmt.Errorf("app: init persona: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}
	if err := a.initHardware(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init hardware: %w", err)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Persona:   a.persona,
		Tools:     a.tools,
		Eyes:      a.eyes,
		Metrics:   a.metrics,
		Log:       log,
	})

	return a, nil
}

// initPersona loads the persona file unless one was injected.
func (a *App) initPersona() error {
	if a.persona != nil {
		return nil
	}
	if a.cfg.PersonaFile == "" {
		a.persona = persona.Default()
		return nil
	}
	p, err := persona.Load(a.cfg.PersonaFile)
	if err != nil {
		return err
	}
	a.persona = p
	a.log.Info("persona loaded", "name", p.Name, "lexicon", len(p.Lexicon))
	return nil
}

// initMCP sets up the MCP host and registers the configured servers.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		if len(a.cfg.MCP.Servers) == 0 {
			return nil
		}
		host := mcphost.New(a.log)
		a.mcpHost = host
		a.closers = append(a.closers, host.Close)
	}

	for _, srv := range a.cfg.MCP.Servers {
		err := a.mcpHost.RegisterServer(ctx, mcp.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			Args:      srv.Args,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		a.log.Info("registered MCP server", "name", srv.Name)
	}

	a.tools = append(a.tools, a.mcpHost)
	return nil
}

// initHardware dials the robot daemon, health-checks it, and builds the tool
// surface the LLM sees.
func (a *App) initHardware(ctx context.Context) error {
	if !a.cfg.Robot.Enabled {
		return nil
	}

	client, err := hardware.Dial(a.cfg.Robot.Address, a.log)
	if err != nil {
		return err
	}
	a.hw = client
	a.closers = append(a.closers, client.Close)

	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("hardware health check: %w", err)
	}

	toolset := hardware.NewToolset(client, hardware.NewExpressionRateLimiter(), a.providers.Vision, a.log)
	a.eyes = hardware.NewEyeSync(client, a.log)
	// Hardware tools come first so a name collision with an MCP tool
	// resolves toward the robot.
	a.tools = append([]mcp.ToolSource{toolset}, a.tools...)

	a.log.Info("robot hardware connected", "address", a.cfg.Robot.Address)
	return nil
}

// Sessions exposes the session manager, mainly for tests.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler assembles the HTTP surface: signalling, health, and metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	signal := rtc.NewSignalHandler(a.sessions, a.log)
	mux.Handle("POST /offer", signal)
	mux.Handle("PATCH /offer", signal)

	mux.HandleFunc("GET /health", a.handleHealth)

	checkers := []health.Checker{}
	if a.hw != nil {
		checkers = append(checkers, health.Checker{Name: "hardware", Check: a.hw.Health})
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

// handleHealth serves the compact status document.
func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	doc := struct {
		Status   string            `json:"status"`
		Sessions int               `json:"sessions"`
		Persona  string            `json:"persona"`
		Provider map[string]string `json:"providers"`
		Robot    bool              `json:"robot"`
		Memory   bool              `json:"memory"`
	}{
		Status:   "ok",
		Sessions: a.sessions.Count(),
		Persona:  a.persona.Name,
		Provider: map[string]string{
			"stt": a.cfg.STT.Provider,
			"llm": a.cfg.LLM.Provider,
			"tts": a.cfg.TTS.Provider,
			"vad": a.cfg.VAD.Provider,
		},
		Robot:  a.cfg.Robot.Enabled,
		Memory: a.cfg.Memory.Enabled,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// Run serves signalling until ctx is cancelled, then drains sessions and
// shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.cfg.TLS != nil {
			a.log.Info("signalling listening", "addr", srv.Addr, "tls", true)
			err = srv.ListenAndServeTLS(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		} else {
			a.log.Info("signalling listening", "addr", srv.Addr, "tls", false)
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve signalling: %w", err)
	case <-ctx.Done():
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := a.sessions.CloseAll(graceCtx); err != nil {
		a.log.Warn("session drain incomplete", "error", err)
	}
	if err := srv.Shutdown(graceCtx); err != nil {
		a.log.Warn("http shutdown incomplete", "error", err)
	}
	return ctx.Err()
}

// Shutdown releases the shared subsystems in reverse-init order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.CloseAll(ctx); err != nil {
			a.log.Warn("session drain incomplete", "error", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers is the failure-path cleanup for a partially constructed App.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
