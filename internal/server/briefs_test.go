package server

import (
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepbrief/internal/agent/core"
	"github.com/mohammad-safakhou/deepbrief/internal/store"
)

func TestRegistryReplaysHistoryToLateSubscribers(t *testing.T) {
	reg := newRunRegistry()
	events := make(chan core.ProgressEvent, 8)
	reg.track("brief-1", events)

	events <- core.ProgressEvent{Phase: core.PhaseInterpreting, Progress: 20}
	events <- core.ProgressEvent{Phase: core.PhaseResearching, Progress: 50}

	run, ok := reg.get("brief-1")
	if !ok {
		t.Fatal("run not tracked")
	}
	// wait until the consume goroutine has drained both events
	deadline := time.Now().Add(time.Second)
	for {
		run.mu.Lock()
		n := len(run.events)
		run.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events not consumed, have %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	history, live := run.subscribe()
	if len(history) != 2 || history[1].Progress != 50 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if live == nil {
		t.Fatal("expected live channel for running brief")
	}

	events <- core.ProgressEvent{Phase: core.PhaseCompleted, Progress: 100}
	close(events)

	select {
	case ev := <-live:
		if ev.Phase != core.PhaseCompleted {
			t.Fatalf("expected completed, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
	// channel closes after the terminal event
	select {
	case _, open := <-live:
		if open {
			t.Fatal("expected closed channel after terminal event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestSubscribeAfterTerminalReturnsHistoryOnly(t *testing.T) {
	run := &liveRun{}
	run.publish(core.ProgressEvent{Phase: core.PhaseInterpreting, Progress: 20})
	run.publish(core.ProgressEvent{Phase: core.PhaseFailed, Progress: 100})

	history, live := run.subscribe()
	if live != nil {
		t.Fatal("expected nil live channel after terminal event")
	}
	if len(history) != 2 || !history[1].Terminal() {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	run := &liveRun{}
	_, live := run.subscribe()
	defer run.unsubscribe(live)

	// fill the subscriber buffer well past capacity; publish must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			run.publish(core.ProgressEvent{Phase: core.PhaseResearching, Progress: 50})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestTerminalEventFor(t *testing.T) {
	ev := terminalEventFor(store.Brief{Status: store.BriefStatusCompleted})
	if ev.Phase != core.PhaseCompleted || ev.Progress != core.ProgressDone {
		t.Fatalf("unexpected event: %+v", ev)
	}
	ev = terminalEventFor(store.Brief{Status: store.BriefStatusFailed, Error: "providers unavailable"})
	if ev.Phase != core.PhaseFailed || ev.Message != "providers unavailable" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	ev = terminalEventFor(store.Brief{Status: store.BriefStatusRunning})
	if ev.Phase != core.PhaseFailed {
		t.Fatalf("lost runs should surface as failed, got %+v", ev)
	}
}
