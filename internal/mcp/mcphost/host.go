// Package mcphost provides a concrete implementation of the [mcp.Host]
// interface over the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk).
//
// It connects to MCP servers via stdio or streamable-HTTP transports and
// maintains a concurrent-safe in-memory tool registry keyed by tool name.
//
// Typical usage:
//
//	h := mcphost.New(log)
//
//	err := h.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "home",
//	    Transport: mcp.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-home-server",
//	})
//
//	tools := h.Definitions()
//	out, err := h.Execute(ctx, "lights_on", json.RawMessage(`{"room":"lab"}`))
//
//	h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/corvoxlabs/corvox/internal/mcp"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// defaultToolDeadlineMs bounds an MCP tool call when the server declares no
// latency hint of its own. Voice turns cannot absorb multi-second stalls.
const defaultToolDeadlineMs = 2000

// toolEntry holds the metadata for a single registered tool.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string
}

// serverConn holds a live connection to an external MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Host is a concrete implementation of [mcp.Host].
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry  // key: tool name
	servers map[string]serverConn // key: server name

	// client is reused across all server connections. The official SDK
	// allows a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	log *slog.Logger
}

var _ mcp.Host = (*Host)(nil)

// New creates and returns a ready-to-use Host.
func New(log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "corvox-mcphost", Version: "1.0.0"},
		nil,
	)
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client:  client,
		log:     log.With("component", "mcphost"),
	}
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue into the host. If a server with the same Name is already
// registered, the old connection is closed and replaced along with its tools.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp host: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case mcp.TransportStdio:
		if cfg.Command == "" {
			return fmt.Errorf("mcp host: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp host: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: failed to connect to server %q: %w", cfg.Name, err)
	}

	// Discover tools using the iterator.
	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}

	h.servers[cfg.Name] = serverConn{session: session}

	for _, t := range discovered {
		h.tools[t.Name] = toolEntry{
			def:        buildToolDefinition(t),
			serverName: cfg.Name,
		}
	}

	h.log.Info("mcp server registered",
		"server", cfg.Name,
		"transport", string(cfg.Transport),
		"tools", len(discovered))

	return nil
}

// buildToolDefinition converts an SDK Tool into a [types.ToolDefinition].
func buildToolDefinition(t mcpsdk.Tool) types.ToolDefinition {
	return types.ToolDefinition{
		Name:          t.Name,
		Description:   t.Description,
		Parameters:    schemaToMap(t.InputSchema),
		MaxDurationMs: defaultToolDeadlineMs,
	}
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Definitions returns every registered tool, sorted by name for stable prompt
// ordering across turns.
func (h *Host) Definitions() []types.ToolDefinition {
	h.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	h.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Handles reports whether the named tool came from a registered MCP server.
func (h *Host) Handles(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tools[name]
	return ok
}

// Execute calls the named tool and returns its concatenated text output.
//
// A tool-level failure reported by the server (IsError in the MCP result) is
// returned as a Go error so the tool router can surface it as a failed tool
// result without special-casing MCP.
func (h *Host) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	conn, connOK := h.servers[entry.serverName]
	h.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("mcp host: tool %q not found", name)
	}
	if !connOK {
		return "", fmt.Errorf("mcp host: server %q not connected for tool %q", entry.serverName, name)
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", fmt.Errorf("mcp host: invalid args JSON for tool %q: %w", name, err)
		}
	}

	result, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("mcp host: call to tool %q failed: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	if result.IsError {
		return "", fmt.Errorf("mcp host: tool %q reported an error: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down all server connections and clears the tool registry.
// After Close returns the Host must not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp host: error closing server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)

	return firstErr
}
