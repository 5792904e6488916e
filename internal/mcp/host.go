// Package mcp defines the interface for a Model Context Protocol (MCP) host.
//
// The host manages connections to one or more MCP servers, exposes their tool
// catalogue as [types.ToolDefinition] values, and executes tool calls on
// behalf of the assistant. The LLM tool router treats the host as one
// [ToolSource] among others (the robot hardware toolset being another), so
// external MCP tools and built-in tools share a single dispatch path.
//
// Lifecycle:
//
//  1. Call [Host.RegisterServer] for each configured MCP server.
//  2. Merge [Host.Definitions] into the tool list offered to the LLM.
//  3. Route matching tool calls through [Host.Execute].
//  4. Call [Host.Close] on shutdown to release all sessions.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/corvoxlabs/corvox/pkg/types"
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the unique human-readable identifier for this server,
	// used in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable launched when Transport is
	// [TransportStdio]. Ignored otherwise.
	Command string

	// Args are the arguments passed to Command.
	Args []string

	// URL is the endpoint address used when Transport is
	// [TransportStreamableHTTP]. Ignored for stdio transport.
	URL string

	// Env holds additional environment variables injected into the server
	// process when Transport is [TransportStdio]. May be nil.
	Env map[string]string
}

// ToolSource is the contract the LLM tool router dispatches against. A source
// advertises tool definitions and executes the calls it handles, returning
// the textual result to feed back into the model context.
//
// Application-level tool failures are returned as errors; the router converts
// them into tool-result messages rather than aborting the turn.
type ToolSource interface {
	// Definitions returns the tools this source advertises.
	Definitions() []types.ToolDefinition

	// Handles reports whether this source executes the named tool.
	Handles(name string) bool

	// Execute runs the named tool with JSON-encoded args and returns its
	// textual output.
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Host is a [ToolSource] backed by external MCP servers.
//
// Implementations must be safe for concurrent use.
type Host interface {
	ToolSource

	// RegisterServer connects to the MCP server described by cfg and
	// imports its tool catalogue. Registering a server with a Name that is
	// already present replaces the old connection and its tools.
	//
	// Returns an error if the transport cannot be established or the
	// initial tool listing fails.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// Close shuts down all server connections. The Host must not be used
	// after Close returns.
	Close() error
}
