package engine

import (
	"context"
	"testing"
	"time"

	"github.com/corvoxlabs/corvox/internal/frame"
)

func TestGraphRunsChainEndToEnd(t *testing.T) {
	bus := NewBus(nil)
	obs := &collectObserver{}
	bus.Register(obs)
	g := NewGraph(bus, nil)

	src := frame.NewQueue("src", 4, frame.Block)
	mid := frame.NewQueue("mid", 4, frame.Block)
	sink := frame.NewQueue("sink", 4, frame.Block)

	first := &fakeStage{name: "first"}
	second := &fakeStage{name: "second"}
	g.Add(NewRunner(first, []*frame.Queue{src}, []*frame.Queue{mid}, bus, nil))
	g.Add(NewRunner(second, []*frame.Queue{mid}, []*frame.Queue{sink}, bus, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	want := frame.AssistantTextDelta{Base: frame.NewBase(), Text: "hello", TurnID: 1}
	if err := src.Send(ctx, want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	src.Close()

	f, ok, err := sink.Receive(ctx)
	if err != nil || !ok {
		t.Fatalf("Receive at sink: ok=%v err=%v", ok, err)
	}
	if f.(frame.AssistantTextDelta).Text != "hello" {
		t.Errorf("frame did not traverse both stages: %#v", f)
	}

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Both stages announced start and finish on the bus.
	var started, finished int
	for _, typ := range obs.eventTypes() {
		switch typ {
		case EventStarted:
			started++
		case EventFinished:
			finished++
		}
	}
	if started != 2 || finished != 2 {
		t.Errorf("lifecycle events started=%d finished=%d, want 2 and 2", started, finished)
	}
}

func TestGraphCancellationStopsAllRunners(t *testing.T) {
	bus := NewBus(nil)
	g := NewGraph(bus, nil)

	src := frame.NewQueue("src", 1, frame.Block)
	out := frame.NewQueue("out", 1, frame.Block)
	stage := &fakeStage{name: "idle"}
	g.Add(NewRunner(stage, []*frame.Queue{src}, []*frame.Queue{out}, bus, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("graph did not stop after cancellation")
	}

	stage.mu.Lock()
	defer stage.mu.Unlock()
	if len(stage.stops) != 1 {
		t.Fatalf("Stop ran %d times, want exactly once", len(stage.stops))
	}
	if stage.stops[0] != "cancelled" {
		t.Errorf("stop reason = %q, want %q", stage.stops[0], "cancelled")
	}
}
