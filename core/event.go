package core

import "time"

// EventType discriminates the StreamEvent variants.
type EventType string

const (
	// EventStatus reports a node transition ("planning started", ...).
	EventStatus EventType = "status"
	// EventChunk carries one streamed answer fragment.
	EventChunk EventType = "chunk"
	// EventChart carries a tabular/series payload produced by a report.
	EventChart EventType = "chart"
	// EventSource carries the citation set once generation completes.
	EventSource EventType = "source"
	// EventDone terminates the stream normally (possibly tagged aborted).
	EventDone EventType = "done"
	// EventError terminates the stream on fatal failure.
	EventError EventType = "error"
)

// ChartPayload is the series data attached to a chart event.
type ChartPayload struct {
	Title  string    `json:"title"`
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

// StreamEvent is one unit of the externally observed event sequence for a
// run. Seq is assigned by the streaming adapter and is strictly increasing
// within a run. Exactly one terminal event (done or error) closes every
// stream; IsTerminal reports it.
type StreamEvent struct {
	RunID     string    `json:"run_id"`
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Node    string `json:"node,omitempty"`    // status
	Message string `json:"message,omitempty"` // status / error detail

	Delta string `json:"delta,omitempty"` // chunk

	Sources []Source      `json:"sources,omitempty"` // source
	Chart   *ChartPayload `json:"chart,omitempty"`   // chart

	Aborted bool `json:"aborted,omitempty"` // done
}

func newStreamEvent(t EventType) StreamEvent {
	return StreamEvent{Type: t, Timestamp: time.Now().UTC()}
}

// NewStatusEvent reports that a node started or finished.
func NewStatusEvent(node, message string) StreamEvent {
	e := newStreamEvent(EventStatus)
	e.Node = node
	e.Message = message
	return e
}

// NewChunkEvent wraps one streamed answer fragment.
func NewChunkEvent(delta string) StreamEvent {
	e := newStreamEvent(EventChunk)
	e.Delta = delta
	return e
}

// NewChartEvent wraps a chart payload.
func NewChartEvent(chart ChartPayload) StreamEvent {
	e := newStreamEvent(EventChart)
	e.Chart = &chart
	return e
}

// NewSourceEvent wraps the citation set referenced by the answer.
func NewSourceEvent(sources []Source) StreamEvent {
	e := newStreamEvent(EventSource)
	e.Sources = sources
	return e
}

// NewDoneEvent terminates a stream. aborted marks cancellation, which is a
// normal completion, not an error.
func NewDoneEvent(aborted bool) StreamEvent {
	e := newStreamEvent(EventDone)
	e.Aborted = aborted
	return e
}

// NewErrorEvent terminates a stream on fatal failure.
func NewErrorEvent(message string) StreamEvent {
	e := newStreamEvent(EventError)
	e.Message = message
	return e
}

// IsTerminal reports whether the event closes the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
