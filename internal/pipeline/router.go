package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/internal/mcp"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// DefaultToolDeadline bounds a tool invocation whose definition declares no
// deadline of its own.
const DefaultToolDeadline = 300 * time.Millisecond

// ToolRouter merges several tool sources (robot hardware, MCP servers) into
// one dispatch surface for the LLM stage. Tool failures are confined to the
// returned [frame.ToolResult]; a tool fault never escapes as a stage error.
type ToolRouter struct {
	sources []mcp.ToolSource
	log     *slog.Logger
}

// NewToolRouter builds a router over the given sources; nil entries are
// skipped. Sources are consulted in order, so earlier sources win name
// collisions.
func NewToolRouter(log *slog.Logger, sources ...mcp.ToolSource) *ToolRouter {
	if log == nil {
		log = slog.Default()
	}
	r := &ToolRouter{log: log.With("component", "tools")}
	for _, s := range sources {
		if s != nil {
			r.sources = append(r.sources, s)
		}
	}
	return r
}

// Definitions returns the merged tool catalogue. On a name collision the
// earlier source's definition is kept.
func (r *ToolRouter) Definitions() []types.ToolDefinition {
	seen := make(map[string]bool)
	var defs []types.ToolDefinition
	for _, s := range r.sources {
		for _, d := range s.Definitions() {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			defs = append(defs, d)
		}
	}
	return defs
}

// Empty reports whether no source advertises any tool.
func (r *ToolRouter) Empty() bool {
	for _, s := range r.sources {
		if len(s.Definitions()) > 0 {
			return false
		}
	}
	return true
}

// Dispatch executes one tool call under its declared deadline and returns
// the resolving result frame. Unknown tools and execution faults resolve
// through the Err field.
func (r *ToolRouter) Dispatch(ctx context.Context, call types.ToolCall, turnID uint64) frame.ToolResult {
	result := frame.ToolResult{
		Base:   frame.NewBase(),
		CallID: call.ID,
		TurnID: turnID,
	}

	var src mcp.ToolSource
	var deadline time.Duration
	for _, s := range r.sources {
		if s.Handles(call.Name) {
			src = s
			break
		}
	}
	if src == nil {
		result.Err = fmt.Sprintf("unknown tool %q", call.Name)
		return result
	}

	for _, d := range src.Definitions() {
		if d.Name == call.Name && d.MaxDurationMs > 0 {
			deadline = time.Duration(d.MaxDurationMs) * time.Millisecond
		}
	}
	if deadline <= 0 {
		deadline = DefaultToolDeadline
	}

	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	out, err := src.Execute(tctx, call.Name, json.RawMessage(call.Arguments))
	if err != nil {
		r.log.Warn("tool failed",
			"tool", call.Name,
			"elapsed", time.Since(start),
			"error", err,
		)
		result.Err = err.Error()
		return result
	}
	result.Value = out
	return result
}
