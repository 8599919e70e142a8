package orchestrator

import (
	"sync"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
)

// streamAdapter is the single exit point for a run's events. It stamps the
// run id, assigns strictly increasing sequence numbers starting at 1 and
// enforces the terminal contract: the first done or error event closes the
// stream and every later event is dropped.
type streamAdapter struct {
	runID string
	out   chan core.StreamEvent

	mu       sync.Mutex
	seq      uint64
	terminal bool
}

func newStreamAdapter(runID string, buffer int) *streamAdapter {
	if buffer < 0 {
		buffer = 0
	}
	return &streamAdapter{runID: runID, out: make(chan core.StreamEvent, buffer)}
}

// Events returns the consumer side of the stream.
func (a *streamAdapter) Events() <-chan core.StreamEvent { return a.out }

// Emit delivers one event. Safe for concurrent use; the mutex also makes
// sequence assignment and channel send atomic, so consumers observe events
// in sequence order.
func (a *streamAdapter) Emit(ev core.StreamEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminal {
		return
	}
	a.seq++
	ev.RunID = a.runID
	ev.Seq = a.seq
	a.out <- ev
	if ev.IsTerminal() {
		a.terminal = true
		close(a.out)
	}
}

// Closed reports whether a terminal event has been emitted.
func (a *streamAdapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminal
}
