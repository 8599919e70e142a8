package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Request captures the normalized model input produced by flows.
type Request struct {
	// Instructions carry the system-level prompt (persona, format rules).
	Instructions string `json:"instructions"`
	// Prompt is the user-facing input including any retrieved context.
	Prompt string `json:"prompt"`
	// Stream requests fragment-by-fragment output.
	Stream bool `json:"stream,omitempty"`
	// Temperature of 0 is passed through as 0 for deterministic calls.
	Temperature float64 `json:"temperature"`
}

// Response is a (partial or final) chunk emitted by a provider. A streaming
// call yields zero or more Partial responses followed by exactly one final
// response carrying the full text.
type Response struct {
	Text         string `json:"text"`
	Partial      bool   `json:"partial"`
	FinishReason string `json:"finish_reason,omitempty"` // "stop", "length", ...
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name     string `json:"name"`     // model identifier
	Provider string `json:"provider"` // "openai", "anthropic", "mock", ...
}

// Provider is the minimal interface a remote text-generation backend must
// satisfy. Complete returns a response channel and an error channel; both
// are closed when the call finishes. Failures are reported on the error
// channel, never by panic.
type Provider interface {
	Complete(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the provider implementation.
	Info() Info
}

// Sentinel failure classes providers surface. Rate limits and timeouts are
// transient; anything else is permanent unless wrapped with Transient.
var (
	// ErrRateLimited marks a provider-side throttling rejection.
	ErrRateLimited = errors.New("rate limited")
	// ErrTimeout marks a provider call that exceeded its deadline.
	ErrTimeout = errors.New("provider timeout")
)

// TransientError marks an error as retryable within a tier.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

// Unwrap exposes the wrapped error to errors.Is / errors.As.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried within the same tier.
// Rate limits and timeouts (including context deadline expiry) qualify;
// malformed requests and other permanent failures do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Behavior scripts one MockProvider call.
type Behavior struct {
	// Response is the full text to emit (streamed rune-by-rune when the
	// request asks for streaming).
	Response string
	// Err, when set, fails the call. With FailAfterFragments > 0 the
	// failure happens mid-stream after that many fragments were emitted.
	Err                error
	FailAfterFragments int
}

// MockProvider is a lightweight in-memory Provider for tests and examples.
// Calls consume scripted behaviors in order; when the script is exhausted
// it falls back to canned responses keyed by prompt, then to a generic
// echo. Safe for concurrent use.
type MockProvider struct {
	mu        sync.Mutex
	info      Info
	script    []Behavior
	responses map[string]string
	calls     int
}

// NewMockProvider constructs a MockProvider.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		info:      Info{Name: name, Provider: "mock"},
		responses: map[string]string{},
	}
}

// AddResponse registers a deterministic canned completion for a prompt.
func (m *MockProvider) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Enqueue appends a scripted behavior consumed by the next call.
func (m *MockProvider) Enqueue(b Behavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, b)
}

// Calls returns how many times Complete was invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) next(prompt string) Behavior {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.script) > 0 {
		b := m.script[0]
		m.script = m.script[1:]
		return b
	}
	if r, ok := m.responses[prompt]; ok {
		return Behavior{Response: r}
	}
	return Behavior{Response: fmt.Sprintf("mock response to: %s", prompt)}
}

// Complete implements Provider; emits optional streaming rune chunks then
// the final response, or fails per the scripted behavior.
func (m *MockProvider) Complete(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	b := m.next(req.Prompt)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if b.Err != nil && b.FailAfterFragments == 0 {
			errCh <- b.Err
			return
		}

		if req.Stream {
			emitted := 0
			for _, r := range b.Response {
				if b.Err != nil && emitted == b.FailAfterFragments {
					errCh <- b.Err
					return
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
					emitted++
				}
			}
			if b.Err != nil {
				// Script asked for more fragments than the response holds;
				// fail at stream end instead.
				errCh <- b.Err
				return
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Partial: false, Text: b.Response, FinishReason: "stop"}:
		}
	}()

	return respCh, errCh
}

// Info implements Provider.
func (m *MockProvider) Info() Info { return m.info }
