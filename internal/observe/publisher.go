package observe

import (
	"context"
	"time"
)

// DefaultPublishInterval is the minimum spacing between two published
// snapshots.
const DefaultPublishInterval = 500 * time.Millisecond

// Publisher pushes [TurnStore] snapshots to a sink — in production the
// session's data channel writer — whenever the store changes, rate-limited
// to one publication per interval. Unchanged snapshots are suppressed.
//
// Call [Publisher.Notify] after each change (non-blocking, coalesced) and
// run [Publisher.Run] on a session goroutine.
type Publisher struct {
	store    *TurnStore
	sink     func(Snapshot)
	interval time.Duration

	trigger     chan struct{}
	lastVersion uint64
}

// NewPublisher creates a publisher over store. interval <= 0 falls back to
// [DefaultPublishInterval]. sink runs on the publisher goroutine and should
// hand off quickly.
func NewPublisher(store *TurnStore, sink func(Snapshot), interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	return &Publisher{
		store:    store,
		sink:     sink,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Notify marks the store dirty. It never blocks; concurrent notifications
// coalesce into one pending trigger.
func (p *Publisher) Notify() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run publishes until ctx is cancelled. The first change publishes
// immediately; further changes inside the interval are deferred and collapse
// into a single trailing publication.
func (p *Publisher) Run(ctx context.Context) error {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		dirty   bool
		lastPub time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.trigger:
			dirty = true
		case <-timerC:
			timerC = nil
		}

		if !dirty {
			continue
		}
		if since := time.Since(lastPub); !lastPub.IsZero() && since < p.interval {
			// Too soon: arm a trailing-edge timer once and wait it out.
			if timerC == nil {
				timer = time.NewTimer(p.interval - since)
				timerC = timer.C
			}
			continue
		}

		snap := p.store.Snapshot()
		if snap.Version == p.lastVersion {
			dirty = false
			continue
		}
		p.sink(snap)
		p.lastVersion = snap.Version
		lastPub = time.Now()
		dirty = false
	}
}
