package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corvoxlabs/corvox/internal/frame"
)

// Default retry parameters for transient stage failures.
const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 100 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
)

// Runner drives one stage: it fans in frames from the input queues, invokes
// Process, retries transient failures with exponential backoff, broadcasts
// emitted frames to the output queues, and publishes lifecycle events and a
// frame tap to the observer bus.
type Runner struct {
	stage   Stage
	inputs  []*frame.Queue
	outputs []*frame.Queue
	bus     *Bus
	logger  *slog.Logger

	maxAttempts int
	retryDelay  time.Duration
	maxDelay    time.Duration

	firstByteOnce sync.Once
	emitCtx       context.Context
}

// RunnerOption configures a [Runner].
type RunnerOption func(*Runner)

// WithRetry overrides the transient-failure retry budget.
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration) RunnerOption {
	return func(r *Runner) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			r.retryDelay = baseDelay
		}
		if maxDelay > 0 {
			r.maxDelay = maxDelay
		}
	}
}

// NewRunner wires a stage to its queues and the observer bus. logger may be
// nil. Stages with no inputs (sources driven by their own goroutines) get a
// runner that only manages lifecycle and emission.
func NewRunner(stage Stage, inputs, outputs []*frame.Queue, bus *Bus, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		stage:       stage,
		inputs:      inputs,
		outputs:     outputs,
		bus:         bus,
		logger:      logger.With("stage", stage.Name()),
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		maxDelay:    defaultMaxDelay,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes the stage until its inputs close, ctx is cancelled, or a
// fatal error occurs. It always runs Stop exactly once on the way out and
// closes the output queues so downstream runners observe end-of-stream.
func (r *Runner) Run(ctx context.Context) (err error) {
	r.emitCtx = ctx

	stopReason := "eof"
	defer func() {
		if err != nil {
			stopReason = "error"
		} else if ctx.Err() != nil {
			stopReason = "cancelled"
		}
		r.stage.Stop(stopReason)
		for _, out := range r.outputs {
			out.Close()
		}
		r.bus.PublishEvent(Event{Type: EventFinished, Stage: r.stage.Name(), T: time.Now()})
	}()

	if err := r.stage.Start(ctx, r.emit); err != nil {
		return fmt.Errorf("stage %s start: %w", r.stage.Name(), err)
	}
	r.bus.PublishEvent(Event{Type: EventStarted, Stage: r.stage.Name(), T: time.Now()})

	if len(r.inputs) == 0 {
		// Source stage: production happens on goroutines owned by the stage.
		<-ctx.Done()
		return nil
	}

	merged := r.mergeInputs(ctx)
	for {
		select {
		case f, ok := <-merged:
			if !ok {
				return nil
			}
			if err := r.process(ctx, f); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// mergeInputs funnels all input queues into one channel, one forwarder per
// queue. Capacity 1 preserves per-input backpressure; the runtime's pseudo-
// random selection among blocked senders gives each input a fair share, so
// no input waits longer than the others' buffered capacity.
func (r *Runner) mergeInputs(ctx context.Context) <-chan frame.Frame {
	merged := make(chan frame.Frame, 1)
	var wg sync.WaitGroup
	for _, in := range r.inputs {
		wg.Add(1)
		go func(q *frame.Queue) {
			defer wg.Done()
			for {
				f, ok, err := q.Receive(ctx)
				if err != nil || !ok {
					return
				}
				select {
				case merged <- f:
				case <-ctx.Done():
					return
				}
			}
		}(in)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged
}

// process invokes Process with the transient-retry policy.
func (r *Runner) process(ctx context.Context, f frame.Frame) error {
	delay := r.retryDelay
	for attempt := 1; ; attempt++ {
		err := r.stage.Process(ctx, f)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		kind := KindOf(err)
		if kind.Retryable() && attempt < r.maxAttempts {
			r.logger.Warn("transient stage failure, retrying",
				"attempt", attempt,
				"max_attempts", r.maxAttempts,
				"backoff", delay,
				"error", err,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			delay *= 2
			if delay > r.maxDelay {
				delay = r.maxDelay
			}
			continue
		}

		if kind.Retryable() {
			// Retry budget exhausted: escalate to a provider outage.
			kind = frame.KindProviderUnavailable
		}

		r.logger.Error("stage failure",
			"kind", kind.String(),
			"error", err,
		)
		r.bus.PublishEvent(Event{
			Type:   EventErrored,
			Stage:  r.stage.Name(),
			T:      time.Now(),
			Kind:   kind,
			Detail: err.Error(),
		})
		r.bus.PublishFrame(r.stage.Name(), frame.Error{
			Base:   frame.NewBase(),
			Stage:  r.stage.Name(),
			Kind:   kind,
			Detail: err.Error(),
		})

		if kind.Fatal() {
			return fmt.Errorf("stage %s: %w", r.stage.Name(), err)
		}
		// Turn-level failure: the turn aborts, the session continues.
		return nil
	}
}

// emit routes a produced frame: Metric and Error frames go to the bus only;
// everything else is broadcast to the output queues and mirrored to the bus.
func (r *Runner) emit(f frame.Frame) {
	r.firstByteOnce.Do(func() {
		r.bus.PublishEvent(Event{Type: EventFirstByte, Stage: r.stage.Name(), T: time.Now()})
	})

	switch f.(type) {
	case frame.Metric, frame.Error:
		r.bus.PublishFrame(r.stage.Name(), f)
		return
	}

	for _, out := range r.outputs {
		if err := out.Send(r.emitCtx, f); err != nil {
			r.logger.Debug("emit dropped on closed edge",
				"edge", out.Name(),
				"frame", fmt.Sprintf("%T", f),
			)
		}
	}
	r.bus.PublishFrame(r.stage.Name(), f)
}
