package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/internal/session"
)

// Default turn-commit timing.
const (
	DefaultStabilise    = 300 * time.Millisecond
	DefaultHardDeadline = 1500 * time.Millisecond
)

// Aggregator turns the stream of speech events and interim hypotheses into
// exactly one [frame.STTFinal] per user turn.
//
// A turn commits after [frame.UserSpeechStopped] once the latest hypothesis
// has sat unchanged for the stabilise window, or unconditionally at the hard
// deadline after speech-stop. Turn IDs are drawn from the session counter and
// are strictly monotonic. Each committed turn also carries a stt_ttfb metric:
// speech onset to the first hypothesis.
//
// Barge-in: [frame.UserSpeechStarted] while assistant audio is playing
// interrupts the active assistant turn and emits [frame.Interrupt].
type Aggregator struct {
	sess         *session.Session
	control      *TurnControl
	stabilise    time.Duration
	hardDeadline time.Duration
	log          *slog.Logger

	emit engine.Emit

	mu             sync.Mutex
	collecting     bool
	pendingCommit  bool
	latestText     string
	latestSpeaker  string
	speechStartAt  time.Time
	firstInterimAt time.Time
	lastInterimAt  time.Time
	stoppedAt      time.Time
	timer          *time.Timer
	stopped        bool
}

// NewAggregator builds the stage. Non-positive durations select defaults.
func NewAggregator(sess *session.Session, control *TurnControl, stabilise, hardDeadline time.Duration, log *slog.Logger) *Aggregator {
	if stabilise <= 0 {
		stabilise = DefaultStabilise
	}
	if hardDeadline <= stabilise {
		hardDeadline = DefaultHardDeadline
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		sess:         sess,
		control:      control,
		stabilise:    stabilise,
		hardDeadline: hardDeadline,
		log:          log.With("stage", "aggregator"),
	}
}

var _ engine.Stage = (*Aggregator)(nil)

// Name implements [engine.Stage].
func (a *Aggregator) Name() string { return "aggregator" }

// Start implements [engine.Stage].
func (a *Aggregator) Start(_ context.Context, emit engine.Emit) error {
	a.emit = emit
	return nil
}

// Process consumes speech events and interims; other frames pass through.
func (a *Aggregator) Process(_ context.Context, f frame.Frame) error {
	switch v := f.(type) {
	case frame.UserSpeechStarted:
		a.onSpeechStarted()
	case frame.UserSpeechStopped:
		a.onSpeechStopped(v.T)
	case frame.STTInterim:
		a.onInterim(v)
	default:
		a.emit(f)
	}
	return nil
}

func (a *Aggregator) onSpeechStarted() {
	if a.control.Speaking() {
		if turnID, ok := a.control.Interrupt(); ok {
			a.log.Info("barge-in", "interrupted_turn", turnID)
			a.emit(frame.Interrupt{Base: frame.NewBase(), Reason: "barge_in", TurnID: turnID})
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.collecting = true
	if a.speechStartAt.IsZero() {
		a.speechStartAt = time.Now()
	}
	// Speech resumed before the pending commit fired: same turn continues.
	a.pendingCommit = false
	a.cancelTimerLocked()
}

func (a *Aggregator) onSpeechStopped(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.collecting {
		return
	}
	a.pendingCommit = true
	a.stoppedAt = t
	if a.stoppedAt.IsZero() {
		a.stoppedAt = time.Now()
	}
	a.scheduleLocked(a.stabilise)
}

func (a *Aggregator) onInterim(v frame.STTInterim) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v.Text != "" {
		a.latestText = v.Text
		a.latestSpeaker = v.SpeakerID
	}
	a.lastInterimAt = time.Now()
	if a.firstInterimAt.IsZero() {
		a.firstInterimAt = a.lastInterimAt
	}
	// Collect even without a preceding speech event: a provider may deliver
	// hypotheses faster than VAD crosses its threshold.
	a.collecting = true
	if a.pendingCommit {
		a.scheduleLocked(a.stabilise)
	}
}

// scheduleLocked (re)arms the commit evaluation timer.
func (a *Aggregator) scheduleLocked(d time.Duration) {
	if a.stopped {
		return
	}
	a.cancelTimerLocked()
	a.timer = time.AfterFunc(d, a.evaluate)
}

func (a *Aggregator) cancelTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// evaluate commits the turn when the hypothesis has stabilised or the hard
// deadline has passed, otherwise re-arms for the remaining window.
func (a *Aggregator) evaluate() {
	a.mu.Lock()
	if !a.pendingCommit || a.stopped {
		a.mu.Unlock()
		return
	}

	now := time.Now()
	sinceStop := now.Sub(a.stoppedAt)
	sinceInterim := now.Sub(a.lastInterimAt)

	stable := a.lastInterimAt.IsZero() || sinceInterim >= a.stabilise
	if !stable && sinceStop < a.hardDeadline {
		next := a.stabilise - sinceInterim
		if remaining := a.hardDeadline - sinceStop; remaining < next {
			next = remaining
		}
		a.scheduleLocked(next)
		a.mu.Unlock()
		return
	}

	text := strings.TrimSpace(a.latestText)
	speaker := a.latestSpeaker
	speechStart := a.speechStartAt
	firstInterim := a.firstInterimAt
	a.collecting = false
	a.pendingCommit = false
	a.latestText = ""
	a.latestSpeaker = ""
	a.speechStartAt = time.Time{}
	a.firstInterimAt = time.Time{}
	a.cancelTimerLocked()
	a.mu.Unlock()

	if text == "" {
		// Silence or noise: no turn to commit.
		return
	}

	turnID := a.sess.NextTurn()
	a.emit(frame.STTFinal{
		Base:      frame.NewBase(),
		Text:      text,
		SpeakerID: speaker,
		TurnID:    turnID,
		T:         now,
	})
	// No speech onset means the provider outran the VAD; there is no
	// first-byte latency to report for such a turn.
	if !speechStart.IsZero() && firstInterim.After(speechStart) {
		a.emit(frame.Metric{
			Base:   frame.NewBase(),
			Stage:  a.Name(),
			Kind:   "stt_ttfb",
			Value:  float64(firstInterim.Sub(speechStart).Milliseconds()),
			TurnID: turnID,
			T:      now,
		})
	}
}

// Stop cancels any pending commit timer.
func (a *Aggregator) Stop(string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.cancelTimerLocked()
}
