package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/internal/mcp"
	mcpmock "github.com/corvoxlabs/corvox/internal/mcp/mock"
	"github.com/corvoxlabs/corvox/internal/session"
	"github.com/corvoxlabs/corvox/pkg/memory"
	memmock "github.com/corvoxlabs/corvox/pkg/memory/mock"
	"github.com/corvoxlabs/corvox/pkg/provider/llm"
	llmmock "github.com/corvoxlabs/corvox/pkg/provider/llm/mock"
	"github.com/corvoxlabs/corvox/pkg/types"
)

func newLLMStage(t *testing.T, provider *llmmock.Provider, tools ...*mcpmock.Source) (*LLMStage, *recorder, *session.Session, *TurnControl) {
	t.Helper()
	sess := session.New(0, 0)
	sess.Context.SetSystemHead("You are a voice assistant.")
	control := NewTurnControl()

	sources := make([]mcp.ToolSource, len(tools))
	for i, src := range tools {
		sources[i] = src
	}
	router := NewToolRouter(nil, sources...)

	stage := NewLLMStage(LLMStageConfig{
		Provider: provider,
		Context:  sess.Context,
		Session:  sess,
		Router:   router,
		Control:  control,
	}, nil)
	rec := &recorder{}
	if err := stage.Start(context.Background(), rec.emit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return stage, rec, sess, control
}

func deltas(rec *recorder) []frame.AssistantTextDelta {
	var out []frame.AssistantTextDelta
	for _, f := range rec.all() {
		if v, ok := f.(frame.AssistantTextDelta); ok {
			out = append(out, v)
		}
	}
	return out
}

func assistantFinals(rec *recorder) []frame.AssistantTextFinal {
	var out []frame.AssistantTextFinal
	for _, f := range rec.all() {
		if v, ok := f.(frame.AssistantTextFinal); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestLLMStage_StreamsDeltasThenFinal(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hel"},
			{Text: "lo!"},
			{FinishReason: "stop"},
		},
	}
	stage, rec, sess, _ := newLLMStage(t, provider)

	if err := stage.Process(context.Background(), commitFrame("say hello", 1)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	d := deltas(rec)
	if len(d) != 2 || d[0].Text != "Hel" || d[1].Text != "lo!" {
		t.Errorf("deltas = %+v", d)
	}
	finals := assistantFinals(rec)
	if len(finals) != 1 || finals[0].Text != "Hello!" || finals[0].TurnID != 1 {
		t.Fatalf("finals = %+v", finals)
	}
	if got := len(rec.metrics("llm_ttfb")); got != 1 {
		t.Errorf("llm_ttfb metrics = %d, want exactly 1", got)
	}

	// Context: system head, user, assistant.
	msgs := sess.Context.Messages()
	if len(msgs) != 3 || msgs[1].Role != "user" || msgs[2].Role != "assistant" || msgs[2].Content != "Hello!" {
		t.Errorf("context = %+v", msgs)
	}
	hist := sess.History()
	if len(hist) != 1 || !hist[0].IsAssistant {
		t.Errorf("history = %+v", hist)
	}
}

func TestLLMStage_PerTurnRecallTimedAndInjected(t *testing.T) {
	t.Parallel()

	store := &memmock.Store{
		RecallResult: []memory.Snippet{{Text: "the user's dog is called Biscuit"}},
	}
	var sawRecallBlock bool
	provider := &llmmock.Provider{
		StreamFn: func(_ int, req llm.CompletionRequest) []llm.Chunk {
			for _, m := range req.Messages[1:] {
				if m.Role == "system" && strings.Contains(m.Content, "Biscuit") {
					sawRecallBlock = true
				}
			}
			return []llm.Chunk{{Text: "Biscuit, of course."}, {FinishReason: "stop"}}
		},
	}

	sess := session.New(0, 0)
	sess.Context.SetSystemHead("You are a voice assistant.")
	control := NewTurnControl()
	stage := NewLLMStage(LLMStageConfig{
		Provider:     provider,
		Context:      sess.Context,
		Session:      sess,
		Router:       NewToolRouter(nil),
		Control:      control,
		Memory:       store,
		User:         "alice",
		MemoryK:      2,
		RecallBudget: 100 * time.Millisecond,
	}, nil)
	rec := &recorder{}
	if err := stage.Start(context.Background(), rec.emit); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := stage.Process(context.Background(), commitFrame("what's my dog called", 1)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	metrics := rec.metrics("recall")
	if len(metrics) != 1 {
		t.Fatalf("recall metrics = %d, want exactly 1", len(metrics))
	}
	if metrics[0].TurnID != 1 || metrics[0].Value < 0 {
		t.Errorf("recall metric = %+v", metrics[0])
	}
	if !sawRecallBlock {
		t.Error("recalled memories never reached the completion request")
	}

	// The block is request-scoped: the stored context must not carry it.
	for _, m := range sess.Context.Messages()[1:] {
		if m.Role == "system" {
			t.Errorf("recall block leaked into the stored context: %q", m.Content)
		}
	}
}

func TestLLMStage_NoRecallMetricWhenMemoryDisabled(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hello."}, {FinishReason: "stop"}},
	}
	stage, rec, _, _ := newLLMStage(t, provider)

	if err := stage.Process(context.Background(), commitFrame("hello", 1)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(rec.metrics("recall")); got != 0 {
		t.Errorf("recall metrics = %d with memory disabled, want 0", got)
	}
}

func TestLLMStage_ToolCallRoundTrip(t *testing.T) {
	t.Parallel()

	src := &mcpmock.Source{
		Tools:   []types.ToolDefinition{{Name: "robot_wave"}},
		Results: map[string]string{"robot_wave": "waved"},
	}
	provider := &llmmock.Provider{
		StreamFn: func(call int, req llm.CompletionRequest) []llm.Chunk {
			if call == 0 {
				if len(req.Tools) != 1 {
					return []llm.Chunk{{FinishReason: "error"}}
				}
				return []llm.Chunk{{
					ToolCalls: []types.ToolCall{{
						ID:        "call_1",
						Name:      "robot_wave",
						Arguments: `{"hand":"right"}`,
					}},
					FinishReason: "tool_calls",
				}}
			}
			// Follow-up round: the tool result is in the context.
			for _, m := range req.Messages {
				if m.Role == "tool" && m.ToolCallID == "call_1" && m.Content == "waved" {
					return []llm.Chunk{{Text: "Done."}, {FinishReason: "stop"}}
				}
			}
			return []llm.Chunk{{FinishReason: "error"}}
		},
	}
	stage, rec, _, _ := newLLMStage(t, provider, src)

	if err := stage.Process(context.Background(), commitFrame("wave at them", 1)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	var calls []frame.ToolCall
	var results []frame.ToolResult
	for _, f := range rec.all() {
		switch v := f.(type) {
		case frame.ToolCall:
			calls = append(calls, v)
		case frame.ToolResult:
			results = append(results, v)
		}
	}
	if len(calls) != 1 || len(results) != 1 {
		t.Fatalf("calls = %d, results = %d, want 1 and 1", len(calls), len(results))
	}
	if calls[0].CallID != results[0].CallID {
		t.Errorf("call/result IDs differ: %q vs %q", calls[0].CallID, results[0].CallID)
	}
	if results[0].Value != "waved" || results[0].Err != "" {
		t.Errorf("result = %+v", results[0])
	}

	finals := assistantFinals(rec)
	if len(finals) != 1 || finals[0].Text != "Done." {
		t.Fatalf("finals = %+v", finals)
	}
	if got := len(rec.metrics("llm_ttfb")); got != 1 {
		t.Errorf("llm_ttfb metrics across tool rounds = %d, want exactly 1", got)
	}
	if got := len(provider.StreamCalls); got != 2 {
		t.Errorf("stream calls = %d, want 2", got)
	}
}

func TestLLMStage_ToolFaultFedBackAsErrorContent(t *testing.T) {
	t.Parallel()

	src := &mcpmock.Source{
		Tools: []types.ToolDefinition{{Name: "robot_led"}},
		Errs:  map[string]error{"robot_led": context.DeadlineExceeded},
	}
	provider := &llmmock.Provider{
		StreamFn: func(call int, req llm.CompletionRequest) []llm.Chunk {
			if call == 0 {
				return []llm.Chunk{{
					ToolCalls:    []types.ToolCall{{ID: "c1", Name: "robot_led", Arguments: `{}`}},
					FinishReason: "tool_calls",
				}}
			}
			for _, m := range req.Messages {
				if m.Role == "tool" && m.Content == "error: context deadline exceeded" {
					return []llm.Chunk{{Text: "The LED is not responding."}, {FinishReason: "stop"}}
				}
			}
			return []llm.Chunk{{FinishReason: "error"}}
		},
	}
	stage, rec, _, _ := newLLMStage(t, provider, src)

	if err := stage.Process(context.Background(), commitFrame("turn on the led", 1)); err != nil {
		t.Fatalf("tool fault escaped as stage error: %v", err)
	}
	finals := assistantFinals(rec)
	if len(finals) != 1 || finals[0].Text != "The LED is not responding." {
		t.Fatalf("finals = %+v", finals)
	}
}

func TestLLMStage_MidStreamFailureRollsBack(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "I was about to"},
			{FinishReason: "error"},
		},
	}
	stage, rec, sess, _ := newLLMStage(t, provider)

	before := sess.Context.Len()
	err := stage.Process(context.Background(), commitFrame("tell me a story", 1))
	if err == nil {
		t.Fatal("mid-stream failure returned nil")
	}
	if kind := engine.KindOf(err); kind != frame.KindProviderUnavailable {
		t.Errorf("error kind = %v", kind)
	}
	if got := len(assistantFinals(rec)); got != 0 {
		t.Errorf("failed turn emitted %d finals", got)
	}
	// User message survives, partial assistant does not.
	if got := sess.Context.Len(); got != before+1 {
		t.Errorf("context len = %d, want %d", got, before+1)
	}
}

func TestLLMStage_InterruptDropsPartialKeepsUser(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Once "}, {Text: "upon "}, {Text: "a "}, {Text: "time "},
			{Text: "there "}, {Text: "was "}, {Text: "a "}, {Text: "robot"},
			{FinishReason: "stop"},
		},
		ChunkDelay: 20 * time.Millisecond,
	}
	stage, rec, sess, control := newLLMStage(t, provider)

	go func() {
		// Interrupt once the stream is under way.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && len(deltas(rec)) < 2 {
			time.Sleep(5 * time.Millisecond)
		}
		control.Interrupt()
	}()

	before := sess.Context.Len()
	if err := stage.Process(context.Background(), commitFrame("tell me a story", 1)); err != nil {
		t.Fatalf("interrupted turn returned error: %v", err)
	}

	if got := len(assistantFinals(rec)); got != 0 {
		t.Errorf("interrupted turn emitted %d finals", got)
	}
	if got := sess.Context.Len(); got != before+1 {
		t.Errorf("context len = %d, want user message only (%d)", got, before+1)
	}
}
