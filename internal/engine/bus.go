package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/corvoxlabs/corvox/internal/frame"
)

// EventType enumerates stage lifecycle events published on the bus.
type EventType int

const (
	// EventStarted fires once Start returns successfully.
	EventStarted EventType = iota

	// EventFirstByte fires when the stage emits its first frame after an
	// input trigger. TTFB instrumentation hangs off this event.
	EventFirstByte

	// EventFinished fires when the stage's runner exits cleanly.
	EventFinished

	// EventErrored fires on a non-retryable stage failure.
	EventErrored
)

// String returns the event name used in logs.
func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventFirstByte:
		return "first-byte"
	case EventFinished:
		return "finished"
	case EventErrored:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a stage lifecycle notification.
type Event struct {
	Type  EventType
	Stage string
	T     time.Time

	// Kind and Detail are set for EventErrored.
	Kind   frame.ErrorKind
	Detail string
}

// Observer receives lifecycle events and a read-only tap of every frame a
// stage emits. Implementations must not feed frames back into the graph;
// they publish to the data channel, the metrics store, or logs only.
//
// Delivery is asynchronous and lossy under pressure: each observer has a
// bounded mailbox and the oldest notification is discarded on overflow, so a
// slow observer can never stall the voice path.
type Observer interface {
	// OnEvent delivers a stage lifecycle event.
	OnEvent(ev Event)

	// OnFrame delivers an emitted frame, including Metric and Error frames
	// that never enter the stage queues. The observer must not retain or
	// mutate the frame's byte slices.
	OnFrame(stage string, f frame.Frame)
}

// busItem is one queued notification for a single observer.
type busItem struct {
	isEvent bool
	ev      Event
	stage   string
	f       frame.Frame
}

// Bus fans stage notifications out to registered observers without blocking
// publishers. Register all observers before the graph starts; registration
// is not synchronised with publishing.
type Bus struct {
	logger    *slog.Logger
	mailboxes []chan busItem
	observers []Observer

	// mu orders publish against Close so a send never hits a closed mailbox.
	mu      sync.RWMutex
	stopped bool

	wg   sync.WaitGroup
	once sync.Once
}

// mailboxCap bounds each observer's pending notifications. 256 items is a few
// seconds of a busy session; beyond that the observer is stuck and drops.
const mailboxCap = 256

// NewBus creates an observer bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "bus"),
	}
}

// Register adds an observer and starts its dispatch goroutine. Must be
// called before any Publish.
func (b *Bus) Register(o Observer) {
	mb := make(chan busItem, mailboxCap)
	b.mailboxes = append(b.mailboxes, mb)
	b.observers = append(b.observers, o)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for item := range mb {
			if item.isEvent {
				o.OnEvent(item.ev)
			} else {
				o.OnFrame(item.stage, item.f)
			}
		}
	}()
}

// PublishEvent delivers ev to every observer mailbox.
func (b *Bus) PublishEvent(ev Event) {
	b.publish(busItem{isEvent: true, ev: ev})
}

// PublishFrame delivers the frame tap to every observer mailbox.
func (b *Bus) PublishFrame(stage string, f frame.Frame) {
	b.publish(busItem{stage: stage, f: f})
}

func (b *Bus) publish(item busItem) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}
	for i, mb := range b.mailboxes {
		select {
		case mb <- item:
		default:
			// Mailbox full: evict the oldest so the newest survives.
			select {
			case <-mb:
				b.logger.Debug("observer mailbox overflow, dropped oldest",
					"observer", i)
			default:
			}
			select {
			case mb <- item:
			default:
			}
		}
	}
}

// Close stops accepting notifications, drains the mailboxes, and waits for
// observer goroutines to exit. Safe to call more than once.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.stopped = true
		for _, mb := range b.mailboxes {
			close(mb)
		}
		b.mu.Unlock()
		b.wg.Wait()
	})
}
