package flow

import (
	"context"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
)

// Emitter delivers one stream event toward the client. The orchestrator's
// streaming adapter serializes calls and assigns sequence numbers; flows
// just call it in production order.
type Emitter func(ev core.StreamEvent)

// checkpoint is the cancellation read every node performs at its boundary.
// A tripped token or an expired run deadline resolves to core.ErrRunAborted
// so in-flight work stops and its results are discarded.
func checkpoint(ctx context.Context, token *core.CancelToken) error {
	if token.Cancelled() {
		return core.ErrRunAborted
	}
	if ctx.Err() != nil {
		return core.ErrRunAborted
	}
	return nil
}
