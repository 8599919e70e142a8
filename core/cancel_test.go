package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancelToken_Idempotent(t *testing.T) {
	tok := NewCancelToken()
	assert.False(t, tok.Cancelled())

	tok.Cancel()
	assert.True(t, tok.Cancelled())

	// Second trip is a no-op, not a panic on double close.
	tok.Cancel()
	assert.True(t, tok.Cancelled())
}

func TestCancelToken_ConcurrentCancel(t *testing.T) {
	tok := NewCancelToken()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Cancel()
		}()
	}
	wg.Wait()

	assert.True(t, tok.Cancelled())

	select {
	case <-tok.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

func TestStreamEvent_IsTerminal(t *testing.T) {
	assert.True(t, NewDoneEvent(false).IsTerminal())
	assert.True(t, NewDoneEvent(true).IsTerminal())
	assert.True(t, NewErrorEvent("boom").IsTerminal())
	assert.False(t, NewStatusEvent("triage", "started").IsTerminal())
	assert.False(t, NewChunkEvent("hi").IsTerminal())
	assert.False(t, NewSourceEvent(nil).IsTerminal())
}
