package model

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
)

func fastTier(id string, p Provider, retries int) Tier {
	return Tier{ID: id, Provider: p, MaxRetries: retries, InitialBackoff: time.Millisecond}
}

func drainStream(t *testing.T, s *Stream) (string, error) {
	t.Helper()
	var sb strings.Builder
	var terminal error
	responses, errs := s.Responses, s.Errs
	for responses != nil || errs != nil {
		select {
		case r, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			if r.Partial {
				sb.WriteString(r.Text)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			terminal = err
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not terminate")
		}
	}
	return sb.String(), terminal
}

func TestInvoker_FirstTierSuccess(t *testing.T) {
	a := NewMockProvider("a")
	a.AddResponse("hello", "world")

	inv := NewInvoker([]Tier{fastTier("tier-a", a, 2)})

	res, err := inv.Invoke(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "world", res.Text)
	assert.Equal(t, "tier-a", res.TierID)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, OutcomeSuccess, res.Attempts[0].Outcome)
	assert.Equal(t, 1, res.Attempts[0].Tier)
}

func TestInvoker_FallbackOrdering(t *testing.T) {
	a := NewMockProvider("a")
	a.Enqueue(Behavior{Err: errors.New("malformed request")}) // permanent: one attempt

	b := NewMockProvider("b")
	b.Enqueue(Behavior{Err: ErrRateLimited}) // transient: retried
	b.Enqueue(Behavior{Err: ErrRateLimited})
	b.Enqueue(Behavior{Err: ErrRateLimited})

	c := NewMockProvider("c")
	c.AddResponse("q", "answer from c")

	inv := NewInvoker([]Tier{
		fastTier("tier-a", a, 3),
		fastTier("tier-b", b, 2),
		fastTier("tier-c", c, 2),
	})

	res, err := inv.Invoke(context.Background(), Request{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "answer from c", res.Text)
	assert.Equal(t, "tier-c", res.TierID)

	// Permanent failure skips tier A's remaining retry budget.
	assert.Equal(t, 1, a.Calls())
	// Tier B burns its full transient budget (1 + 2 retries).
	assert.Equal(t, 3, b.Calls())

	require.Len(t, res.Attempts, 5)
	assert.Equal(t, OutcomeError, res.Attempts[0].Outcome)
	assert.Equal(t, "tier-a", res.Attempts[0].ProviderID)
	for _, at := range res.Attempts[1:4] {
		assert.Equal(t, OutcomeRateLimited, at.Outcome)
		assert.Equal(t, "tier-b", at.ProviderID)
		assert.Equal(t, 2, at.Tier)
	}
	assert.Equal(t, OutcomeSuccess, res.Attempts[4].Outcome)
	assert.Equal(t, 3, res.Attempts[4].Tier)
}

func TestInvoker_AllTiersExhausted(t *testing.T) {
	a := NewMockProvider("a")
	a.Enqueue(Behavior{Err: ErrRateLimited})
	a.Enqueue(Behavior{Err: ErrRateLimited})
	b := NewMockProvider("b")
	b.Enqueue(Behavior{Err: errors.New("boom")})

	inv := NewInvoker([]Tier{
		fastTier("tier-a", a, 1),
		fastTier("tier-b", b, 1),
	})

	res, err := inv.Invoke(context.Background(), Request{Prompt: "q"})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, ex.Attempts, 3) // 2 transient on A, 1 permanent on B
}

func TestInvoker_StreamDiscardsFailedTierFragments(t *testing.T) {
	// Tier A streams 3 fragments then dies mid-stream; tier B succeeds.
	// The consumer must see no fragment originated by A.
	a := NewMockProvider("a")
	a.Enqueue(Behavior{Response: "AAAAAA", Err: Transient(errors.New("connection reset")), FailAfterFragments: 3})

	b := NewMockProvider("b")
	b.AddResponse("q", "BBBB")

	inv := NewInvoker([]Tier{
		fastTier("tier-a", a, 0),
		fastTier("tier-b", b, 0),
	})

	s := inv.InvokeStream(context.Background(), Request{Prompt: "q"})
	text, err := drainStream(t, s)
	require.NoError(t, err)
	assert.Equal(t, "BBBB", text)
	assert.NotContains(t, text, "A")

	attempts := s.Attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, "tier-a", attempts[0].ProviderID)
	assert.NotEqual(t, OutcomeSuccess, attempts[0].Outcome)
	assert.Equal(t, OutcomeSuccess, attempts[1].Outcome)
}

func TestInvoker_StreamPreservesFragmentOrder(t *testing.T) {
	a := NewMockProvider("a")
	a.AddResponse("q", "가나다라")

	inv := NewInvoker([]Tier{fastTier("tier-a", a, 0)})

	s := inv.InvokeStream(context.Background(), Request{Prompt: "q"})
	text, err := drainStream(t, s)
	require.NoError(t, err)
	assert.Equal(t, "가나다라", text)
}

func TestInvoker_StreamExhaustedReportsError(t *testing.T) {
	a := NewMockProvider("a")
	a.Enqueue(Behavior{Err: errors.New("down")})

	inv := NewInvoker([]Tier{fastTier("tier-a", a, 0)})

	s := inv.InvokeStream(context.Background(), Request{Prompt: "q"})
	text, err := drainStream(t, s)
	assert.Empty(t, text)
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
}

func TestInvoker_CancelledContextStopsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewMockProvider("a")
	inv := NewInvoker([]Tier{fastTier("tier-a", a, 3)})

	_, err := inv.Invoke(ctx, Request{Prompt: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.Calls())
}

// The invoker logs through the engine logger's printf contract; a failed
// attempt must produce a readable record, not mangled format noise.
func TestInvoker_TierFailureLogIsWellFormed(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "text", Output: &buf})

	p := NewMockProvider("mock")
	p.Enqueue(Behavior{Err: errors.New("boom")})
	inv := NewInvoker([]Tier{fastTier("mock/primary", p, 0)}, func(o *InvokerOptions) {
		o.Logger = logger
	})

	_, err := inv.Invoke(context.Background(), Request{Prompt: "질문"})
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "model tier mock/primary attempt failed: boom")
	assert.NotContains(t, out, "%!")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrRateLimited))
	assert.True(t, IsTransient(ErrTimeout))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(Transient(errors.New("flaky"))))
	assert.False(t, IsTransient(errors.New("malformed request")))
	assert.False(t, IsTransient(nil))
}
