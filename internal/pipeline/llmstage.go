package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/internal/session"
	"github.com/corvoxlabs/corvox/pkg/memory"
	"github.com/corvoxlabs/corvox/pkg/provider/llm"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// maxToolRounds caps the request/tool/re-request cycle within one turn so a
// confused model cannot loop forever.
const maxToolRounds = 4

// memoryStoreTimeout bounds the fire-and-forget store of an utterance.
const memoryStoreTimeout = 2 * time.Second

// LLMStage drives the language model for each gate-passed turn. It recalls
// memories relevant to the utterance under the recall budget, streams deltas
// downstream as they arrive, dispatches tool calls through the router
// mid-turn, and keeps the context manager as the single source of truth for
// the conversation window.
//
// On interrupt the in-flight stream is cancelled through the turn control and
// the aborted partial is rolled back out of the context, so the next turn
// never sees half a reply.
type LLMStage struct {
	provider    llm.Provider
	cm          *session.ContextManager
	sess        *session.Session
	router      *ToolRouter
	control     *TurnControl
	memory       memory.Store // nil when memory is disabled
	user         string
	storeAssist  bool
	memoryK      int
	recallBudget time.Duration
	temperature  float64
	maxTokens    int
	log          *slog.Logger

	emit engine.Emit
	defs []types.ToolDefinition
}

// LLMStageConfig collects the stage's construction parameters.
type LLMStageConfig struct {
	Provider       llm.Provider
	Context        *session.ContextManager
	Session        *session.Session
	Router         *ToolRouter
	Control        *TurnControl
	Memory         memory.Store
	User           string
	StoreAssistant bool
	MemoryK        int
	RecallBudget   time.Duration
	Temperature    float64
	MaxTokens      int
}

// NewLLMStage builds the stage.
func NewLLMStage(cfg LLMStageConfig, log *slog.Logger) *LLMStage {
	if log == nil {
		log = slog.Default()
	}
	return &LLMStage{
		provider:    cfg.Provider,
		cm:          cfg.Context,
		sess:        cfg.Session,
		router:      cfg.Router,
		control:     cfg.Control,
		memory:       cfg.Memory,
		user:         cfg.User,
		storeAssist:  cfg.StoreAssistant,
		memoryK:      cfg.MemoryK,
		recallBudget: cfg.RecallBudget,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		log:          log.With("stage", "llm"),
	}
}

var _ engine.Stage = (*LLMStage)(nil)

// Name implements [engine.Stage].
func (s *LLMStage) Name() string { return "llm" }

// Start snapshots the tool catalogue for the session's lifetime.
func (s *LLMStage) Start(_ context.Context, emit engine.Emit) error {
	s.emit = emit
	if s.router != nil && !s.router.Empty() {
		s.defs = s.router.Definitions()
	}
	return nil
}

// Process generates the reply for a committed turn; other frames pass through.
func (s *LLMStage) Process(ctx context.Context, f frame.Frame) error {
	final, ok := f.(frame.STTFinal)
	if !ok {
		s.emit(f)
		return nil
	}
	return s.respond(ctx, final)
}

func (s *LLMStage) respond(ctx context.Context, final frame.STTFinal) error {
	recalled := s.recall(ctx, final)
	s.remember(final.Text)

	s.cm.Append(types.Message{Role: "user", Content: final.Text})
	checkpoint := s.cm.Len()

	turnCtx := s.control.BeginTurn(ctx, final.TurnID)
	start := time.Now()

	var reply strings.Builder
	ttfbRecorded := false

	for round := 0; round < maxToolRounds; round++ {
		req := llm.CompletionRequest{
			Messages:    s.prompt(recalled),
			Tools:       s.defs,
			Temperature: s.temperature,
			MaxTokens:   s.maxTokens,
		}
		ch, err := s.provider.StreamCompletion(turnCtx, req)
		if err != nil {
			s.cm.TruncateTo(checkpoint)
			return engine.Unavailable(fmt.Errorf("llm stream: %w", err))
		}

		text, calls, streamErr := s.consume(turnCtx, ch, final.TurnID, start, &ttfbRecorded)

		if turnCtx.Err() != nil {
			// Interrupted: drop the aborted partial, keep the user message.
			drainChunks(ch)
			s.cm.TruncateTo(checkpoint)
			s.log.Debug("turn aborted mid-stream", "turn", final.TurnID)
			return nil
		}
		if streamErr != nil {
			s.cm.TruncateTo(checkpoint)
			return engine.Unavailable(streamErr)
		}

		if text != "" {
			reply.WriteString(text)
		}

		if len(calls) == 0 {
			s.finish(final.TurnID, reply.String())
			return nil
		}

		s.cm.Append(types.Message{Role: "assistant", Content: text, ToolCalls: calls})
		for _, call := range calls {
			s.emit(frame.ToolCall{
				Base:   frame.NewBase(),
				Name:   call.Name,
				Args:   []byte(call.Arguments),
				CallID: call.ID,
				TurnID: final.TurnID,
			})
			result := s.router.Dispatch(turnCtx, call, final.TurnID)
			s.emit(result)

			content := result.Value
			if result.Err != "" {
				content = "error: " + result.Err
			}
			s.cm.Append(types.Message{Role: "tool", Content: content, ToolCallID: call.ID})
		}
	}

	// Tool-round budget exhausted: speak whatever text accumulated.
	s.log.Warn("tool round limit reached", "turn", final.TurnID)
	s.finish(final.TurnID, reply.String())
	return nil
}

// consume reads one completion stream, emitting deltas and the first-token
// metric. It returns the round's text, any requested tool calls, and a
// non-nil error for a mid-stream provider failure.
func (s *LLMStage) consume(ctx context.Context, ch <-chan llm.Chunk, turnID uint64, start time.Time, ttfbRecorded *bool) (string, []types.ToolCall, error) {
	var text strings.Builder
	var calls []types.ToolCall

	for {
		select {
		case <-ctx.Done():
			return text.String(), calls, nil
		case chunk, ok := <-ch:
			if !ok {
				return text.String(), calls, nil
			}
			if chunk.Text != "" {
				if !*ttfbRecorded {
					*ttfbRecorded = true
					s.emit(frame.Metric{
						Base:   frame.NewBase(),
						Stage:  s.Name(),
						Kind:   "llm_ttfb",
						Value:  float64(time.Since(start).Milliseconds()),
						TurnID: turnID,
						T:      time.Now(),
					})
				}
				text.WriteString(chunk.Text)
				s.emit(frame.AssistantTextDelta{
					Base:   frame.NewBase(),
					Text:   chunk.Text,
					TurnID: turnID,
					T:      time.Now(),
				})
			}
			calls = append(calls, chunk.ToolCalls...)

			switch chunk.FinishReason {
			case "":
				continue
			case "error":
				return text.String(), calls, fmt.Errorf("llm stream failed mid-turn")
			default:
				return text.String(), calls, nil
			}
		}
	}
}

// finish commits the completed reply to the context and session history and
// signals end-of-text downstream.
func (s *LLMStage) finish(turnID uint64, text string) {
	s.emit(frame.AssistantTextFinal{
		Base:   frame.NewBase(),
		Text:   text,
		TurnID: turnID,
		T:      time.Now(),
	})
	if text != "" {
		s.cm.Append(types.Message{Role: "assistant", Content: text})
		s.sess.AddTranscript(types.TranscriptEntry{
			Text:        text,
			IsAssistant: true,
			TurnID:      turnID,
			Timestamp:   time.Now(),
		})
		if s.storeAssist {
			s.remember(text)
		}
	}
}

// recall fetches memories relevant to the utterance under the recall budget
// and records how long the lookup took. Returns the rendered prompt block,
// or "" when memory is disabled or nothing surfaced in time.
func (s *LLMStage) recall(ctx context.Context, final frame.STTFinal) string {
	if s.memory == nil || s.memoryK <= 0 {
		return ""
	}
	start := time.Now()
	snippets := memory.RecallWithBudget(ctx, s.memory, s.user, final.Text, s.memoryK, s.recallBudget)
	s.emit(frame.Metric{
		Base:   frame.NewBase(),
		Stage:  s.Name(),
		Kind:   "recall",
		Value:  float64(time.Since(start).Milliseconds()),
		TurnID: final.TurnID,
		T:      time.Now(),
	})
	return memory.PromptBlock(snippets)
}

// prompt snapshots the context for one request, splicing the turn's recalled
// memories in behind the system head. The recall block lives only in the
// request, never in the stored context, so stale memories cannot pile up
// behind the elision-exempt head.
func (s *LLMStage) prompt(recalled string) []types.Message {
	msgs := s.cm.Messages()
	if recalled == "" {
		return msgs
	}
	block := types.Message{Role: "system", Content: recalled}
	if len(msgs) > 0 && msgs[0].Role == "system" {
		out := make([]types.Message, 0, len(msgs)+1)
		out = append(out, msgs[0], block)
		return append(out, msgs[1:]...)
	}
	return append([]types.Message{block}, msgs...)
}

// remember stores an utterance in long-term memory, fire-and-forget.
func (s *LLMStage) remember(text string) {
	if s.memory == nil || strings.TrimSpace(text) == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), memoryStoreTimeout)
		defer cancel()
		if err := s.memory.Store(ctx, s.user, text); err != nil {
			s.log.Debug("memory store failed", "error", err)
		}
	}()
}

// Stop implements [engine.Stage].
func (s *LLMStage) Stop(string) {}

// drainChunks discards the remainder of an abandoned stream so the
// provider's goroutine can exit.
func drainChunks(ch <-chan llm.Chunk) {
	go func() {
		for range ch {
		}
	}()
}
