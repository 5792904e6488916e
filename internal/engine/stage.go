// Package engine implements the stage runtime: the lifecycle contract every
// pipeline stage satisfies, the per-stage runner goroutine that feeds it, the
// observer bus, and the session graph that owns them all.
//
// A stage consumes typed frames from one or more bounded input queues,
// produces frames through an [Emit] callback, and may also emit
// asynchronously from goroutines it starts itself (provider read loops). The
// runner handles fan-in across inputs, fan-out across outputs, retry of
// transient failures, and observer dispatch, so stage implementations stay
// focused on their single transformation.
//
// Frames emitted by a stage are routed by kind: [frame.Metric] and
// [frame.Error] go to the observer bus only; every other frame is broadcast
// to the stage's output queues and mirrored to the bus as a read-only tap.
// Observers never feed frames back into the graph, which keeps it acyclic.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/corvoxlabs/corvox/internal/frame"
)

// Emit hands a produced frame to the runtime for routing. It is safe to call
// from any goroutine the stage owns, until Stop returns.
type Emit func(frame.Frame)

// Stage is the unit of pipeline processing.
//
// Start allocates resources and may open provider streams; the supplied emit
// remains valid until Stop. Process handles one input frame and returns when
// the frame is fully handled or ctx is cancelled; long waits must respect
// ctx. Stop releases resources and flushes pending state; the runtime
// guarantees it runs on every exit path.
type Stage interface {
	// Name identifies the stage in logs, metrics, and observer events.
	Name() string

	// Start prepares the stage. Returning an error aborts session assembly.
	Start(ctx context.Context, emit Emit) error

	// Process consumes one frame. Frames the stage does not recognise must be
	// forwarded via emit unchanged so control frames reach later stages.
	Process(ctx context.Context, f frame.Frame) error

	// Stop releases resources. reason is a short token such as "eof",
	// "cancelled", or "error". Stop must be idempotent.
	Stop(reason string)
}

// ─── Error classification ────────────────────────────────────────────────────

// StageError attaches a recovery classification to a stage failure. The
// runner retries [frame.KindTransientNetwork] with backoff; every other kind
// surfaces as an observer error event, and [frame.KindInternalInvariant]
// tears the session down.
type StageError struct {
	Kind frame.ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *StageError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable network failure.
func Transient(err error) error {
	return &StageError{Kind: frame.KindTransientNetwork, Err: err}
}

// Unavailable wraps err as a provider outage: the turn aborts, the session
// survives.
func Unavailable(err error) error {
	return &StageError{Kind: frame.KindProviderUnavailable, Err: err}
}

// Invariant wraps err as an internal invariant violation, ending the session.
func Invariant(err error) error {
	return &StageError{Kind: frame.KindInternalInvariant, Err: err}
}

// Deadline wraps err as a deadline overrun, triggering the stage's
// degradation path.
func Deadline(err error) error {
	return &StageError{Kind: frame.KindDeadlineExceeded, Err: err}
}

// KindOf extracts the classification from err. Deadline errors from the
// context package classify as deadline_exceeded; anything unclassified is
// treated as a provider outage, which aborts the turn without killing the
// session.
func KindOf(err error) frame.ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return frame.KindDeadlineExceeded
	}
	return frame.KindProviderUnavailable
}
