package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mcpmock "github.com/corvoxlabs/corvox/internal/mcp/mock"
	"github.com/corvoxlabs/corvox/pkg/types"
)

func TestToolRouter_Dispatch(t *testing.T) {
	t.Parallel()

	src := &mcpmock.Source{
		Tools:   []types.ToolDefinition{{Name: "robot_wave"}},
		Results: map[string]string{"robot_wave": "ok"},
	}
	r := NewToolRouter(nil, src)

	res := r.Dispatch(context.Background(), types.ToolCall{
		ID:        "call_1",
		Name:      "robot_wave",
		Arguments: `{"hand":"left"}`,
	}, 7)

	if res.Err != "" {
		t.Fatalf("Err = %q", res.Err)
	}
	if res.Value != "ok" || res.CallID != "call_1" || res.TurnID != 7 {
		t.Errorf("result = %+v", res)
	}
	calls := src.Calls()
	if len(calls) != 1 || calls[0].Name != "robot_wave" || string(calls[0].Args) != `{"hand":"left"}` {
		t.Errorf("recorded calls = %+v", calls)
	}
}

func TestToolRouter_UnknownToolResolvesViaErr(t *testing.T) {
	t.Parallel()

	r := NewToolRouter(nil, &mcpmock.Source{})
	res := r.Dispatch(context.Background(), types.ToolCall{ID: "c", Name: "no_such_tool"}, 1)
	if res.Err == "" {
		t.Fatal("unknown tool produced no Err")
	}
	if res.CallID != "c" {
		t.Errorf("CallID = %q", res.CallID)
	}
}

func TestToolRouter_ExecutionFaultResolvesViaErr(t *testing.T) {
	t.Parallel()

	src := &mcpmock.Source{
		Tools: []types.ToolDefinition{{Name: "robot_led"}},
		Errs:  map[string]error{"robot_led": errors.New("servo offline")},
	}
	r := NewToolRouter(nil, src)

	res := r.Dispatch(context.Background(), types.ToolCall{ID: "c", Name: "robot_led"}, 1)
	if res.Err != "servo offline" {
		t.Errorf("Err = %q, want the execution fault", res.Err)
	}
	if res.Value != "" {
		t.Errorf("Value = %q on a failed call", res.Value)
	}
}

func TestToolRouter_DeclaredDeadlineEnforced(t *testing.T) {
	t.Parallel()

	src := &mcpmock.Source{
		Tools: []types.ToolDefinition{{Name: "slow_scan", MaxDurationMs: 30}},
		ExecuteFn: func(ctx context.Context, _ string, _ json.RawMessage) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "never", nil
			}
		},
	}
	r := NewToolRouter(nil, src)

	start := time.Now()
	res := r.Dispatch(context.Background(), types.ToolCall{ID: "c", Name: "slow_scan"}, 1)
	if res.Err == "" {
		t.Fatal("overrunning tool resolved without Err")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("dispatch took %v, deadline not enforced", elapsed)
	}
}

func TestToolRouter_EarlierSourceWinsCollisions(t *testing.T) {
	t.Parallel()

	first := &mcpmock.Source{
		Tools:   []types.ToolDefinition{{Name: "status", Description: "hardware"}},
		Results: map[string]string{"status": "from hardware"},
	}
	second := &mcpmock.Source{
		Tools:   []types.ToolDefinition{{Name: "status", Description: "mcp"}, {Name: "lookup"}},
		Results: map[string]string{"status": "from mcp", "lookup": "found"},
	}
	r := NewToolRouter(nil, first, second)

	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("merged definitions = %d, want 2", len(defs))
	}
	for _, d := range defs {
		if d.Name == "status" && d.Description != "hardware" {
			t.Errorf("collision resolved to %q, want the earlier source", d.Description)
		}
	}

	res := r.Dispatch(context.Background(), types.ToolCall{ID: "c", Name: "status"}, 1)
	if res.Value != "from hardware" {
		t.Errorf("dispatch answered %q, want the earlier source", res.Value)
	}
	if res = r.Dispatch(context.Background(), types.ToolCall{ID: "c2", Name: "lookup"}, 1); res.Value != "found" {
		t.Errorf("second source's unique tool answered %q", res.Value)
	}
}

func TestToolRouter_Empty(t *testing.T) {
	t.Parallel()

	if !NewToolRouter(nil).Empty() {
		t.Error("router with no sources is not Empty")
	}
	if !NewToolRouter(nil, nil, &mcpmock.Source{}).Empty() {
		t.Error("router over toolless sources is not Empty")
	}
	withTools := NewToolRouter(nil, &mcpmock.Source{Tools: []types.ToolDefinition{{Name: "x"}}})
	if withTools.Empty() {
		t.Error("router with a tool reports Empty")
	}
}
