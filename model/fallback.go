package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
)

// AttemptOutcome classifies one provider tier attempt.
type AttemptOutcome string

const (
	// OutcomeSuccess marks a completed generation.
	OutcomeSuccess AttemptOutcome = "success"
	// OutcomeRateLimited marks a provider throttling rejection.
	OutcomeRateLimited AttemptOutcome = "rate_limited"
	// OutcomeTimeout marks an attempt that exceeded its deadline.
	OutcomeTimeout AttemptOutcome = "timeout"
	// OutcomeError marks any other failure.
	OutcomeError AttemptOutcome = "error"
)

// Attempt is one entry of the invocation attempt log. Tier is the 1-based
// ordinal of the fallback level.
type Attempt struct {
	Tier       int            `json:"tier"`
	ProviderID string         `json:"provider_id"`
	Outcome    AttemptOutcome `json:"outcome"`
	Latency    time.Duration  `json:"latency"`
}

// Tier is one ordered fallback level of the invoker.
type Tier struct {
	// ID identifies the tier in attempt logs ("openai/gpt-4o-mini", ...).
	ID string
	// Provider executes the generation.
	Provider Provider
	// MaxRetries is the transient-failure retry budget beyond the first
	// attempt.
	MaxRetries int
	// Timeout bounds each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	// InitialBackoff seeds the exponential backoff between retries.
	InitialBackoff time.Duration
}

// ErrAllProvidersExhausted is the terminal invoker error once every tier's
// retry budget is spent.
var ErrAllProvidersExhausted = errors.New("all provider tiers exhausted")

// ExhaustedError wraps ErrAllProvidersExhausted with the full attempt log
// for diagnosis.
type ExhaustedError struct {
	Attempts []Attempt
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all provider tiers exhausted after %d attempts", len(e.Attempts))
}

// Unwrap lets errors.Is match ErrAllProvidersExhausted.
func (e *ExhaustedError) Unwrap() error { return ErrAllProvidersExhausted }

// InvokerOptions holds overrides passed to NewInvoker.
type InvokerOptions struct {
	Logger logging.Logger
}

// Invoker tries provider tiers strictly in order. Tier k+1 is attempted
// only after tier k exhausts its own retry budget (or fails permanently).
// The zero tier list is legal but every invocation then exhausts.
type Invoker struct {
	tiers  []Tier
	logger logging.Logger
}

// NewInvoker constructs an Invoker over the given fallback chain.
func NewInvoker(tiers []Tier, optFns ...func(o *InvokerOptions)) *Invoker {
	opts := InvokerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Invoker{tiers: tiers, logger: opts.Logger}
}

// Result is the outcome of a successful non-streaming invocation.
type Result struct {
	Text     string
	TierID   string
	Attempts []Attempt
}

// Invoke runs the fallback chain in non-streaming mode and returns the
// final text of the first tier that succeeds. On total failure it returns
// an *ExhaustedError carrying the attempt log; it never returns empty
// output without an error.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	req.Stream = false
	fragments, tierID, attempts, err := inv.run(ctx, req)
	if err != nil {
		return nil, err
	}
	final := fragments[len(fragments)-1]
	return &Result{Text: final.Text, TierID: tierID, Attempts: attempts}, nil
}

// Stream is the handle returned by InvokeStream. Responses carries the
// fragment sequence of the tier that ultimately succeeded, in emission
// order, followed by channel close; Errs carries at most one terminal
// error. Attempts is complete once Responses closes.
type Stream struct {
	Responses <-chan Response
	Errs      <-chan error

	mu       sync.Mutex
	attempts []Attempt
}

// Attempts returns a copy of the attempt log recorded so far.
func (s *Stream) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

// InvokeStream runs the fallback chain in streaming mode. Fragments cross
// the consumer boundary only once their tier has completed successfully:
// a tier's output is staged while it streams and flushed in order on
// success; a tier that fails mid-stream has its staged fragments dropped
// and the next tier restarts generation from scratch. The consumer never
// observes output from a failed tier.
func (inv *Invoker) InvokeStream(ctx context.Context, req Request) *Stream {
	req.Stream = true

	respCh := make(chan Response, 32)
	errCh := make(chan error, 1)
	s := &Stream{Responses: respCh, Errs: errCh}

	go func() {
		defer close(respCh)
		defer close(errCh)

		fragments, _, attempts, err := inv.run(ctx, req)

		s.mu.Lock()
		s.attempts = attempts
		s.mu.Unlock()

		if err != nil {
			errCh <- err
			return
		}
		for _, f := range fragments {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case respCh <- f:
			}
		}
	}()

	return s
}

// run walks the tier chain and returns the fragment sequence of the first
// tier that succeeds plus the full attempt log.
func (inv *Invoker) run(ctx context.Context, req Request) ([]Response, string, []Attempt, error) {
	var attempts []Attempt

	for i, tier := range inv.tiers {
		if ctx.Err() != nil {
			return nil, "", attempts, ctx.Err()
		}

		var fragments []Response
		err := backoff.Retry(func() error {
			start := time.Now()
			frags, attemptErr := inv.attemptOnce(ctx, tier, req)
			latency := time.Since(start)
			attempts = append(attempts, Attempt{
				Tier:       i + 1,
				ProviderID: tier.ID,
				Outcome:    classifyOutcome(attemptErr),
				Latency:    latency,
			})
			if attemptErr == nil {
				fragments = frags
				return nil
			}
			inv.logger.Warn("model tier %s attempt failed: %v", tier.ID, attemptErr)
			if !IsTransient(attemptErr) {
				return backoff.Permanent(attemptErr)
			}
			return attemptErr
		}, newTierBackoff(ctx, tier))

		if err == nil {
			inv.logger.Debug("model tier %s succeeded after %d attempt(s)", tier.ID, len(attempts))
			return fragments, tier.ID, attempts, nil
		}
		// Tier exhausted or failed permanently; advance. A cancelled run
		// stops here instead of burning the remaining tiers.
		if ctx.Err() != nil {
			return nil, "", attempts, ctx.Err()
		}
	}

	return nil, "", attempts, &ExhaustedError{Attempts: attempts}
}

// attemptOnce performs a single provider call, collecting the fragment
// sequence until the final response or first failure.
func (inv *Invoker) attemptOnce(ctx context.Context, tier Tier, req Request) ([]Response, error) {
	actx := ctx
	if tier.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, tier.Timeout)
		defer cancel()
	}

	respCh, errCh := tier.Provider.Complete(actx, req)

	var fragments []Response
	for respCh != nil || errCh != nil {
		select {
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			fragments = append(fragments, r)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		case <-actx.Done():
			return nil, actx.Err()
		}
	}

	if len(fragments) == 0 {
		return nil, errors.New("provider returned no output")
	}
	if final := fragments[len(fragments)-1]; final.Partial {
		return nil, errors.New("stream ended without final response")
	}
	return fragments, nil
}

func newTierBackoff(ctx context.Context, tier Tier) backoff.BackOffContext {
	opts := []backoff.ExponentialBackOffOpts{}
	if tier.InitialBackoff > 0 {
		opts = append(opts, backoff.WithInitialInterval(tier.InitialBackoff))
	}
	bo := backoff.NewExponentialBackOff(opts...)
	retries := tier.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

func classifyOutcome(err error) AttemptOutcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
