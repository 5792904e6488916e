package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/corvoxlabs/corvox/internal/config"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/internal/gate"
	"github.com/corvoxlabs/corvox/internal/hardware"
	"github.com/corvoxlabs/corvox/internal/mcp"
	"github.com/corvoxlabs/corvox/internal/observe"
	"github.com/corvoxlabs/corvox/internal/persona"
	"github.com/corvoxlabs/corvox/internal/pipeline"
	rtc "github.com/corvoxlabs/corvox/internal/transport/webrtc"
	"github.com/corvoxlabs/corvox/pkg/provider/vad"
)

// DefaultMaxSessions caps concurrent peer sessions when the config does not.
const DefaultMaxSessions = 4

// greetTimeout bounds the introduction turn triggered by the data channel
// opening.
const greetTimeout = 30 * time.Second

// SessionInfo is metadata about one active session.
type SessionInfo struct {
	SessionID string
	StartedAt time.Time
}

// managedSession bundles one peer's pipeline, transport, and observers.
type managedSession struct {
	info   SessionInfo
	pipe   *pipeline.Pipeline
	peer   *rtc.Peer
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionManager admits, tracks, and tears down peer sessions. It is the
// broker behind the signalling handler: an accepted offer becomes a running
// pipeline wired to a peer connection. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	cfg       *config.Config
	providers *Providers
	persona   *persona.Persona
	tools     []mcp.ToolSource
	eyes      *hardware.EyeSync
	metrics   *observe.Metrics
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*managedSession
}

// SessionManagerConfig holds the shared dependencies every session draws on.
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers
	Persona   *persona.Persona

	// Tools are the LLM tool sources shared across sessions (hardware
	// toolset, MCP host). Nil entries are skipped.
	Tools []mcp.ToolSource

	// Eyes mirrors pipeline state onto the robot's eyes; nil without a robot.
	Eyes *hardware.EyeSync

	Metrics *observe.Metrics
	Log     *slog.Logger
}

// NewSessionManager creates a manager with no active sessions.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	p := cfg.Persona
	if p == nil {
		p = persona.Default()
	}
	return &SessionManager{
		cfg:       cfg.Config,
		providers: cfg.Providers,
		persona:   p,
		tools:     cfg.Tools,
		eyes:      cfg.Eyes,
		metrics:   cfg.Metrics,
		log:       log,
		sessions:  make(map[string]*managedSession),
	}
}

// maxSessions returns the configured cap.
func (sm *SessionManager) maxSessions() int {
	if sm.cfg != nil && sm.cfg.MaxSessions > 0 {
		return sm.cfg.MaxSessions
	}
	return DefaultMaxSessions
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Offer admits a new session: it builds the pipeline for the configured
// providers, answers the peer's SDP offer, and starts the session's
// goroutines. Implements the signalling broker.
func (sm *SessionManager) Offer(ctx context.Context, offerSDP string) (string, string, error) {
	sm.mu.Lock()
	if len(sm.sessions) >= sm.maxSessions() {
		sm.mu.Unlock()
		return "", "", rtc.ErrTooManySessions
	}
	// Reserve the slot before the (slow) pipeline and ICE work.
	id := uuid.NewString()
	sm.sessions[id] = nil
	sm.mu.Unlock()

	sess, answer, err := sm.startSession(ctx, id, offerSDP)
	sm.mu.Lock()
	if err != nil {
		delete(sm.sessions, id)
		sm.mu.Unlock()
		return "", "", err
	}
	sm.sessions[id] = sess
	sm.mu.Unlock()

	sm.log.Info("session started", "session_id", id, "active", sm.Count())
	return id, answer, nil
}

// Trickle applies late remote ICE candidates. Implements the signalling broker.
func (sm *SessionManager) Trickle(sessionID string, candidates []rtc.Candidate) error {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	sm.mu.Unlock()
	if !ok || sess == nil {
		return rtc.ErrUnknownSession
	}
	return sess.peer.AddCandidates(candidates)
}

// startSession assembles one session graph and returns it with the SDP answer.
func (sm *SessionManager) startSession(ctx context.Context, id string, offerSDP string) (*managedSession, string, error) {
	log := sm.log.With("session_id", id)

	pipe, err := pipeline.New(ctx, sm.pipelineConfig(), log)
	if err != nil {
		return nil, "", err
	}

	events := rtc.NewEventWriter(log)

	// Observer substrate: OTel metrics + per-turn store feeding the
	// data-channel metrics stream, debounced by the publisher.
	store := observe.NewTurnStore(sm.cfg.Observer.WindowTurns, sm.cfg.Observer.TableTurns)
	publisher := observe.NewPublisher(store, rtc.SnapshotSink(events), sm.cfg.Observer.SnapshotInterval())
	pipe.Bus().Register(observe.NewMetricsObserver(store, sm.metrics, publisher.Notify))
	pipe.Bus().Register(rtc.NewEventObserver(events, sm.cfg.Observer.ForwardPartialsLive))
	if sm.eyes != nil {
		pipe.Bus().Register(sm.eyes)
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	peer, err := rtc.NewPeer(rtc.PeerConfig{
		Log:    log,
		Events: events,
		OnAudio: func(in frame.AudioInput) {
			if err := pipe.Ingest(sessCtx, in); err != nil {
				log.Debug("ingest failed", "error", err)
			}
		},
		OnEventsOpen: func() {
			go func() {
				gctx, gcancel := context.WithTimeout(sessCtx, greetTimeout)
				defer gcancel()
				if err := pipe.Greet(gctx); err != nil {
					log.Warn("greeting failed", "error", err)
				}
			}()
		},
		OnClosed: func(reason string) {
			log.Info("peer gone", "reason", reason)
			cancel()
		},
	})
	if err != nil {
		cancel()
		return nil, "", err
	}

	answer, err := peer.Answer(ctx, offerSDP)
	if err != nil {
		peer.Close("answer_failed")
		cancel()
		return nil, "", err
	}

	pacer, err := rtc.NewPacer(peer, log)
	if err != nil {
		peer.Close("init_failed")
		cancel()
		return nil, "", err
	}

	sess := &managedSession{
		info:   SessionInfo{SessionID: id, StartedAt: time.Now().UTC()},
		pipe:   pipe,
		peer:   peer,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sess.done)

		g, runCtx := errgroup.WithContext(sessCtx)
		g.Go(func() error { return pipe.Run(runCtx) })
		g.Go(func() error { return pacer.Run(runCtx, pipe.Output()) })
		g.Go(func() error { return publisher.Run(runCtx) })

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("session ended with error", "error", err)
		} else {
			log.Info("session ended")
		}

		peer.Close("session_end")
		sm.remove(id)
	}()

	return sess, answer, nil
}

// pipelineConfig translates the server config into one session's graph config.
func (sm *SessionManager) pipelineConfig() pipeline.Config {
	cfg := sm.cfg
	var extra []string
	if sm.eyes != nil {
		// The robot's gesture and emotion vocabulary rides along as STT
		// keyword boosts so spoken commands transcribe reliably.
		extra = hardware.LexiconTerms()
	}

	return pipeline.Config{
		Persona: sm.persona,

		VAD:            sm.providers.VAD,
		STT:            sm.providers.STT,
		LLM:            sm.providers.LLM,
		TTS:            sm.providers.TTS,
		GateClassifier: sm.providers.GateLLM,
		Memory:         sm.providers.Memory,
		Tools:          sm.tools,
		User:           "default",

		VADConfig: vad.Config{
			SampleRate:      16000,
			FrameSizeMs:     20,
			SpeechThreshold: cfg.VAD.Threshold,
		},
		Hangover:     cfg.VAD.Hangover(),
		Stabilise:    cfg.Turn.Stabilise(),
		HardDeadline: cfg.Turn.HardDeadline(),

		Language:      cfg.STT.Language,
		Diarize:       cfg.STT.Diarize,
		InterimBudget: cfg.STT.InterimBudget(),
		ExtraKeywords: extra,

		ContextTokens: cfg.LLM.ContextTokens,

		Gate: gate.Config{
			Enabled:       cfg.Gate.IsEnabled(),
			AssistantName: sm.persona.Name,
			Budget:        cfg.Gate.Budget(),
			FailClosed:    cfg.Gate.FailClosed,
			HistoryWindow: cfg.Gate.HistoryTurns,
		},

		MemoryK:        cfg.Memory.K,
		RecallBudget:   cfg.Memory.RecallBudget(),
		StoreAssistant: cfg.Memory.StoreAssistant,
	}
}

// remove drops a finished session from the table.
func (sm *SessionManager) remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// CloseAll cancels every active session and waits for them to drain, bounded
// by ctx.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	active := make([]*managedSession, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		if s != nil {
			active = append(active, s)
		}
	}
	sm.mu.Unlock()

	for _, s := range active {
		s.cancel()
	}
	for _, s := range active {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
