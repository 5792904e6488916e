package frame

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Policy selects the overflow behaviour of a [Queue].
type Policy int

const (
	// Block makes Send wait until the consumer frees capacity or the context
	// is cancelled. Used on the audio ingress path, where dropping would
	// corrupt the speech signal.
	Block Policy = iota

	// DropOldest makes Send evict the oldest queued frame to admit the new
	// one. Used for interim transcripts and metrics, which are replaceable.
	DropOldest
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("frame: queue is closed")

// Queue is a bounded FIFO edge between two adjacent stages.
//
// A Queue has exactly one producer and one consumer. The producer calls Send
// and Close; the consumer calls Receive or selects on Out. Both ends honour
// context cancellation, which propagates from the session scope.
type Queue struct {
	name   string
	ch     chan Frame
	policy Policy

	onDrop  func(Frame)
	dropped atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithOnDrop installs a callback invoked with each frame evicted under the
// DropOldest policy. The assembler uses it to record Metric{Kind:"drop"}.
// The callback runs on the producer goroutine and must not block.
func WithOnDrop(fn func(Frame)) QueueOption {
	return func(q *Queue) { q.onDrop = fn }
}

// NewQueue creates a queue named for its edge (e.g. "stt→aggregator") with
// the given capacity and overflow policy. Capacity must be ≥ 1; control
// edges use capacity 1.
func NewQueue(name string, capacity int, policy Policy, opts ...QueueOption) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		name:   name,
		ch:     make(chan Frame, capacity),
		policy: policy,
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Name returns the edge name given at construction.
func (q *Queue) Name() string { return q.name }

// Send enqueues f according to the queue's overflow policy.
//
// Under Block, Send waits for capacity. Under DropOldest, Send evicts the
// oldest queued frame when full; the evicted frame is counted and passed to
// the drop callback. Returns ctx.Err on cancellation and [ErrClosed] after
// Close.
func (q *Queue) Send(ctx context.Context, f Frame) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	if q.policy == Block {
		select {
		case q.ch <- f:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return ErrClosed
		}
	}

	// DropOldest: single producer, so the evict-then-retry pair cannot race
	// with another Send. The consumer draining between the two selects only
	// makes room, which is fine.
	for {
		select {
		case q.ch <- f:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return ErrClosed
		default:
		}
		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop(old)
			}
		default:
		}
	}
}

// Receive dequeues the next frame, waiting until one is available, the
// context is cancelled, or the queue is closed and drained (ok == false).
func (q *Queue) Receive(ctx context.Context) (Frame, bool, error) {
	select {
	case f, ok := <-q.ch:
		return f, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Out exposes the underlying channel for select-based fan-in. The channel is
// closed after Close once drained.
func (q *Queue) Out() <-chan Frame { return q.ch }

// Len returns the number of frames currently buffered.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped returns the number of frames evicted under DropOldest.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close marks the queue closed and closes the underlying channel. Only the
// producer may call Close; it is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		close(q.ch)
	})
}
