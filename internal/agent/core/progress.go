package core

import "sync"

// ProgressBroadcaster delivers one run's ordered event stream to a single
// consumer. The orchestrator is the sole writer. Progress never moves
// backwards, and the stream carries exactly one terminal event: anything
// emitted after it is dropped, and the channel closes behind it.
type ProgressBroadcaster struct {
	mu       sync.Mutex
	ch       chan ProgressEvent
	last     int
	finished bool
}

func NewProgressBroadcaster(buffer int) *ProgressBroadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &ProgressBroadcaster{ch: make(chan ProgressEvent, buffer)}
}

// Events is the single-consumer stream. It closes after the terminal event.
func (b *ProgressBroadcaster) Events() <-chan ProgressEvent {
	return b.ch
}

// Emit pushes one event. Progress below the last emitted value is clamped
// up to it, never allowed to regress.
func (b *ProgressBroadcaster) Emit(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	if ev.Progress < b.last {
		ev.Progress = b.last
	}
	b.last = ev.Progress
	b.ch <- ev
	if ev.Terminal() {
		b.finished = true
		close(b.ch)
	}
}

// Finished reports whether the terminal event has been sent.
func (b *ProgressBroadcaster) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}
