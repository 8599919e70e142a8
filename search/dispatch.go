package search

import (
	"context"
	"time"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
)

// Call pairs a provider with the request it should execute.
type Call struct {
	Provider Provider
	Request  Request
}

// DispatcherOptions holds overrides passed to NewDispatcher.
type DispatcherOptions struct {
	// OverallDeadline bounds the whole fan-out; zero means wait for every
	// branch (each still bounded by its own request timeout).
	OverallDeadline time.Duration
	Logger          logging.Logger
}

// Dispatcher fans a set of retrieval calls out concurrently and joins them
// at a barrier. Every launched branch contributes exactly one Result: a
// branch that times out or fails yields ok=false instead of blocking the
// others. Results come back in call order regardless of completion order.
type Dispatcher struct {
	overallDeadline time.Duration
	logger          logging.Logger
}

// NewDispatcher constructs a Dispatcher with optional overrides.
func NewDispatcher(optFns ...func(o *DispatcherOptions)) *Dispatcher {
	opts := DispatcherOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Dispatcher{overallDeadline: opts.OverallDeadline, logger: opts.Logger}
}

type indexedResult struct {
	idx int
	res Result
}

// Dispatch launches all calls at once and waits for the fan-in barrier.
// The returned slice has one entry per call, in call order. Dispatch never
// returns an error; inspect each Result's OK flag.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []Call) []Result {
	if len(calls) == 0 {
		return nil
	}

	dctx := ctx
	if d.overallDeadline > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, d.overallDeadline)
		defer cancel()
	}

	ch := make(chan indexedResult, len(calls))
	for i, c := range calls {
		go func(idx int, call Call) {
			ch <- indexedResult{idx: idx, res: call.Provider.Search(dctx, call.Request)}
		}(i, c)
	}

	results := make([]Result, len(calls))
	seen := make([]bool, len(calls))
	for received := 0; received < len(calls); {
		select {
		case r := <-ch:
			results[r.idx] = r.res
			seen[r.idx] = true
			received++
		case <-dctx.Done():
			// Overall deadline hit: branches still in flight contribute a
			// failed result so the barrier always releases with a full set.
			for i := range results {
				if !seen[i] {
					results[i] = Result{
						Provider: calls[i].Provider.Kind(),
						OK:       false,
						Err:      "dispatch deadline exceeded",
					}
				}
			}
			d.logger.Warn("search dispatch deadline exceeded: %d/%d branches completed", received, len(calls))
			return results
		}
	}

	return results
}
