package observe

import (
	"sync"
)

// Metric kinds recorded per turn. Values are milliseconds for the latency
// kinds and counts for the rest.
const (
	KindSTTTTFB      = "stt_ttfb"
	KindRecall       = "recall"
	KindLLMTTFB      = "llm_ttfb"
	KindTTSTTFB      = "tts_ttfb"
	KindTotal        = "total"
	KindGateSuppress = "gate_suppress"
	KindDrop         = "drop"
)

// Default retention for the turn store.
const (
	// DefaultWindow is how many turns feed the aggregates.
	DefaultWindow = 100

	// DefaultTableSize is how many recent turns appear row-by-row in a
	// snapshot.
	DefaultTableSize = 20
)

// Aggregate summarises one metric kind over the retention window. Turns that
// never recorded the kind do not participate: a missing measurement is
// absence, not zero.
type Aggregate struct {
	Last  float64 `json:"last"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// TurnRow is the per-turn line of a snapshot table.
type TurnRow struct {
	TurnID uint64             `json:"turn_id"`
	Values map[string]float64 `json:"values"`
}

// Snapshot is an immutable copy of the store's state, ready for JSON
// publication on the data channel.
type Snapshot struct {
	// Aggregates maps metric kind to its window summary.
	Aggregates map[string]Aggregate `json:"aggregates"`

	// Turns lists the most recent turns, oldest first.
	Turns []TurnRow `json:"turns"`

	// Version increases on every recorded value. Publishers use it to
	// deduplicate unchanged snapshots; it is not sent to the peer.
	Version uint64 `json:"-"`
}

// TurnStore accumulates per-turn pipeline measurements for one session and
// aggregates them over a sliding window.
//
// Each (turn, kind) cell holds a single value: stages are the single writer
// for their kind, and a rewrite within a turn replaces the cell. Safe for
// concurrent use.
type TurnStore struct {
	mu        sync.RWMutex
	window    int
	tableSize int

	// order lists retained turn IDs oldest first; turns maps them to values.
	order   []uint64
	turns   map[uint64]map[string]float64
	version uint64
}

// NewTurnStore creates a store retaining window turns for aggregation and
// exposing the last tableSize of them per snapshot. Non-positive arguments
// fall back to the defaults.
func NewTurnStore(window, tableSize int) *TurnStore {
	if window <= 0 {
		window = DefaultWindow
	}
	if tableSize <= 0 {
		tableSize = DefaultTableSize
	}
	return &TurnStore{
		window:    window,
		tableSize: tableSize,
		turns:     make(map[uint64]map[string]float64),
	}
}

// Record stores value for the metric kind of turnID, evicting the oldest
// retained turn when the window is full.
func (s *TurnStore) Record(turnID uint64, kind string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vals, ok := s.turns[turnID]
	if !ok {
		vals = make(map[string]float64)
		s.turns[turnID] = vals
		s.order = append(s.order, turnID)
		if len(s.order) > s.window {
			evict := s.order[0]
			s.order = s.order[1:]
			delete(s.turns, evict)
		}
	}
	vals[kind] = value
	s.version++
}

// Version returns the change counter. It increases on every Record.
func (s *TurnStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns an immutable copy of the aggregates and the recent-turn
// table.
func (s *TurnStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Aggregates: make(map[string]Aggregate),
		Version:    s.version,
	}

	// Aggregates across the whole window, walking oldest → newest so Last
	// ends up holding the newest value of each kind.
	for _, id := range s.order {
		for kind, v := range s.turns[id] {
			agg, seen := snap.Aggregates[kind]
			if !seen {
				agg = Aggregate{Min: v, Max: v}
			}
			if v < agg.Min {
				agg.Min = v
			}
			if v > agg.Max {
				agg.Max = v
			}
			agg.Last = v
			agg.Avg += v // running sum; divided below
			agg.Count++
			snap.Aggregates[kind] = agg
		}
	}
	for kind, agg := range snap.Aggregates {
		agg.Avg /= float64(agg.Count)
		snap.Aggregates[kind] = agg
	}

	// Per-turn table: last tableSize turns, oldest first.
	start := len(s.order) - s.tableSize
	if start < 0 {
		start = 0
	}
	for _, id := range s.order[start:] {
		row := TurnRow{TurnID: id, Values: make(map[string]float64, len(s.turns[id]))}
		for kind, v := range s.turns[id] {
			row.Values[kind] = v
		}
		snap.Turns = append(snap.Turns, row)
	}

	return snap
}
