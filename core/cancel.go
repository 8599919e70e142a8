package core

import (
	"errors"
	"sync"
)

// ErrRunAborted is returned by nodes that observe a tripped CancelToken at
// a checkpoint. It is not a failure: the orchestrator resolves it as a
// done event tagged aborted.
var ErrRunAborted = errors.New("run aborted")

// CancelToken is the per-run abort flag. It is write-once: Cancel trips it
// and no operation resets it. Setting it twice has the same effect as once.
// Nodes read it at their checkpoints; in-flight network calls are not
// force-killed but their results are discarded once the token is set.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken creates an untripped token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel trips the token. Idempotent and safe for concurrent use.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has been tripped.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token trips, for select loops.
func (t *CancelToken) Done() <-chan struct{} { return t.done }
