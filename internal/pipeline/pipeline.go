// Package pipeline assembles the per-session voice graph:
//
//	peer audio → vad ─┐
//	peer audio → stt ─┴→ aggregator → gate → llm → tts → resample → peer
//
// Each arrow is a bounded [frame.Queue]; each box is an [engine.Stage] run by
// its own [engine.Runner]. The graph is immutable once running. Observers
// (metrics store, data-channel publisher, robot eye sync) subscribe to the
// shared bus and never feed frames back in.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/internal/gate"
	"github.com/corvoxlabs/corvox/internal/mcp"
	"github.com/corvoxlabs/corvox/internal/persona"
	"github.com/corvoxlabs/corvox/internal/session"
	"github.com/corvoxlabs/corvox/internal/transcript"
	"github.com/corvoxlabs/corvox/pkg/audio"
	"github.com/corvoxlabs/corvox/pkg/memory"
	"github.com/corvoxlabs/corvox/pkg/provider/llm"
	"github.com/corvoxlabs/corvox/pkg/provider/stt"
	"github.com/corvoxlabs/corvox/pkg/provider/tts"
	"github.com/corvoxlabs/corvox/pkg/provider/vad"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// Queue capacities. Audio ingress is ~200 ms deep and blocking; interims are
// replaceable and drop the oldest under pressure.
const (
	audioQueueDepth   = 8
	interimQueueDepth = 16
	eventQueueDepth   = 4
	turnQueueDepth    = 4
	deltaQueueDepth   = 64
	outQueueDepth     = 16
)

// Config carries everything the assembler needs to build one session graph.
type Config struct {
	Persona *persona.Persona

	// Providers.
	VAD vad.Engine
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// GateClassifier is the small model behind the addressing gate. Nil
	// with Gate.Enabled falls back to the gate's open/closed policy.
	GateClassifier llm.Provider

	// Memory is the long-term store; nil disables recall and storage.
	Memory memory.Store

	// Tools are the LLM tool sources (robot hardware, MCP host). Nil
	// entries are skipped; an empty router offers the model no tools.
	Tools []mcp.ToolSource

	// User identifies the human for memory recall and storage.
	User string

	// VAD / turn detection.
	VADConfig    vad.Config
	Hangover     time.Duration
	Stabilise    time.Duration
	HardDeadline time.Duration

	// STT.
	Language      string
	Diarize       bool
	InterimBudget time.Duration
	ExtraKeywords []string // gesture lexicon etc., boosted below persona terms

	// Gate.
	Gate gate.Config

	// LLM.
	Temperature   float64
	MaxTokens     int
	ContextTokens int

	// Memory tuning.
	MemoryK        int
	RecallBudget   time.Duration
	StoreAssistant bool

	// TTS / audio out.
	TTSSampleRate  int
	MinSentenceLen int
	OutputFormat   audio.Format
}

// Pipeline is one session's assembled graph plus its shared state.
type Pipeline struct {
	graph   *engine.Graph
	bus     *engine.Bus
	sess    *session.Session
	control *TurnControl
	greet   string

	inVAD  *frame.Queue
	inSTT  *frame.Queue
	deltas *frame.Queue
	out    *frame.Queue

	log *slog.Logger
}

// New assembles a session graph. ctx bounds startup work such as the memory
// recall for the system head; it is not the session's run context.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Pipeline, error) {
	if cfg.Persona == nil {
		cfg.Persona = persona.Default()
	}
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil || cfg.VAD == nil {
		return nil, fmt.Errorf("pipeline: vad, stt, llm, and tts providers are all required")
	}
	if log == nil {
		log = slog.Default()
	}

	if cfg.VADConfig.SampleRate <= 0 {
		cfg.VADConfig.SampleRate = 16000
	}
	if cfg.VADConfig.FrameSizeMs <= 0 {
		cfg.VADConfig.FrameSizeMs = 20
	}

	sess := session.New(cfg.ContextTokens, 0)
	control := NewTurnControl()
	log = log.With("session", sess.ID)

	// System head: persona prompt plus recalled memory snippets.
	var store memory.Store
	if cfg.Memory != nil {
		store = session.NewGuard(cfg.Memory, log)
	}
	head := session.BuildSystemHead(ctx, cfg.Persona, store, cfg.User, cfg.User, cfg.MemoryK, cfg.RecallBudget)
	sess.Context.SetSystemHead(head)

	bus := engine.NewBus(log)
	graph := engine.NewGraph(bus, log)

	p := &Pipeline{
		graph:   graph,
		bus:     bus,
		sess:    sess,
		control: control,
		greet:   cfg.Persona.Greeting,
		log:     log,
	}

	// Edges.
	dropMetric := func(edge string) frame.QueueOption {
		return frame.WithOnDrop(func(frame.Frame) {
			bus.PublishFrame(edge, frame.Metric{
				Base:  frame.NewBase(),
				Stage: edge,
				Kind:  "drop",
				Value: 1,
				T:     time.Now(),
			})
		})
	}

	p.inVAD = frame.NewQueue("peer→vad", audioQueueDepth, frame.Block)
	p.inSTT = frame.NewQueue("peer→stt", audioQueueDepth, frame.Block)
	qEvents := frame.NewQueue("vad→aggregator", eventQueueDepth, frame.Block)
	qInterims := frame.NewQueue("stt→aggregator", interimQueueDepth, frame.DropOldest, dropMetric("stt→aggregator"))
	qTurns := frame.NewQueue("aggregator→gate", turnQueueDepth, frame.Block)
	qGated := frame.NewQueue("gate→llm", turnQueueDepth, frame.Block)
	p.deltas = frame.NewQueue("llm→tts", deltaQueueDepth, frame.Block)
	qTTS := frame.NewQueue("tts→resample", outQueueDepth, frame.Block)
	p.out = frame.NewQueue("resample→peer", outQueueDepth, frame.Block)

	// Stages.
	vadStage := NewVADStage(cfg.VAD, cfg.VADConfig, cfg.Hangover, log)

	corrector := transcript.NewPipeline()
	entities := cfg.Persona.Entities()
	entities = append(entities, cfg.ExtraKeywords...)

	keywords := cfg.Persona.KeywordBoosts()
	for _, kw := range cfg.ExtraKeywords {
		keywords = append(keywords, types.KeywordBoost{Keyword: kw, Boost: 1.2})
	}
	sttStage := NewSTTStage(cfg.STT, stt.StreamConfig{
		SampleRate: cfg.VADConfig.SampleRate,
		Channels:   1,
		Language:   cfg.Language,
		Keywords:   keywords,
		Diarize:    cfg.Diarize,
	}, corrector, entities, cfg.InterimBudget, log)

	aggregator := NewAggregator(sess, control, cfg.Stabilise, cfg.HardDeadline, log)

	gateCfg := cfg.Gate
	if gateCfg.AssistantName == "" {
		gateCfg.AssistantName = cfg.Persona.Name
	}
	gateStage := NewGateStage(gate.New(cfg.GateClassifier, gateCfg, log), sess, log)

	router := NewToolRouter(log, cfg.Tools...)
	llmStage := NewLLMStage(LLMStageConfig{
		Provider:       cfg.LLM,
		Context:        sess.Context,
		Session:        sess,
		Router:         router,
		Control:        control,
		Memory:         store,
		User:           cfg.User,
		StoreAssistant: cfg.StoreAssistant,
		MemoryK:        cfg.MemoryK,
		RecallBudget:   cfg.RecallBudget,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
	}, log)

	voice := cfg.Persona.VoiceProfile()
	ttsStage := NewTTSStage(cfg.TTS, voice, control, cfg.TTSSampleRate, cfg.MinSentenceLen, log)
	resample := NewResampleStage(control, cfg.OutputFormat, log)

	// Runners.
	graph.Add(engine.NewRunner(vadStage, []*frame.Queue{p.inVAD}, []*frame.Queue{qEvents}, bus, log))
	graph.Add(engine.NewRunner(sttStage, []*frame.Queue{p.inSTT}, []*frame.Queue{qInterims}, bus, log))
	graph.Add(engine.NewRunner(aggregator, []*frame.Queue{qEvents, qInterims}, []*frame.Queue{qTurns}, bus, log))
	graph.Add(engine.NewRunner(gateStage, []*frame.Queue{qTurns}, []*frame.Queue{qGated}, bus, log))
	graph.Add(engine.NewRunner(llmStage, []*frame.Queue{qGated}, []*frame.Queue{p.deltas}, bus, log))
	graph.Add(engine.NewRunner(ttsStage, []*frame.Queue{p.deltas}, []*frame.Queue{qTTS}, bus, log))
	graph.Add(engine.NewRunner(resample, []*frame.Queue{qTTS}, []*frame.Queue{p.out}, bus, log))

	return p, nil
}

// Run executes the graph until ctx is cancelled or the graph fails.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.graph.Run(ctx)
}

// Ingest delivers one decoded peer audio chunk to the VAD and STT branches.
// It blocks under queue backpressure, which paces the transport's decoder.
func (p *Pipeline) Ingest(ctx context.Context, in frame.AudioInput) error {
	if err := p.inVAD.Send(ctx, in); err != nil {
		return err
	}
	return p.inSTT.Send(ctx, in)
}

// CloseInput signals end-of-audio; the graph drains and shuts down.
func (p *Pipeline) CloseInput() {
	p.inVAD.Close()
	p.inSTT.Close()
}

// Greet injects the persona greeting as assistant turn 0, synthesized like
// any other reply. No-op for personas without a greeting.
func (p *Pipeline) Greet(ctx context.Context) error {
	if p.greet == "" {
		return nil
	}
	return p.deltas.Send(ctx, frame.AssistantTextFinal{
		Base:   frame.NewBase(),
		Text:   p.greet,
		TurnID: 0,
		T:      time.Now(),
	})
}

// Output returns the queue of peer-ready audio frames (and pass-through
// control frames such as [frame.Interrupt]) for the transport pacer.
func (p *Pipeline) Output() *frame.Queue { return p.out }

// Bus exposes the observer bus for registration before Run.
func (p *Pipeline) Bus() *engine.Bus { return p.bus }

// Session returns the session owning this graph.
func (p *Pipeline) Session() *session.Session { return p.sess }

// Control exposes the turn control, letting the transport interrupt on
// shutdown.
func (p *Pipeline) Control() *TurnControl { return p.control }
