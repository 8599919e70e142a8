// Package orchestrator owns the lifecycle of query runs. Each run gets a
// fresh WorkflowState, a cancel token and a sequenced event stream; the
// orchestrator triages the query, drives the selected sub-flow and resolves
// exactly one terminal event per run.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/flow"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
)

// DefaultEventBuffer is the event channel capacity handed to consumers.
const DefaultEventBuffer = 64

// ErrEmptyQuery rejects a run submission with no query text.
var ErrEmptyQuery = errors.New("orchestrator: empty query")

// RunInput describes one query submission.
type RunInput struct {
	Query          string
	ConversationID string // empty starts a new conversation
	UserID         string
	Persona        string // answer style selector, empty means default
}

// Options configures an Orchestrator.
type Options struct {
	// EventBuffer is the capacity of each run's event channel. Emission
	// blocks once the buffer fills, so slow consumers apply backpressure.
	EventBuffer int

	// HistoryWindow bounds how many prior conversation turns are loaded
	// for triage and memory context.
	HistoryWindow int

	// RunDeadline bounds one run's wall clock. Zero disables it. A run
	// that hits the deadline resolves like a cancelled run, with a done
	// event tagged aborted.
	RunDeadline time.Duration

	Logger *logging.EngineLogger
}

type activeRun struct {
	token  *core.CancelToken
	cancel context.CancelFunc
}

// Orchestrator drives runs end to end. Abort is cooperative: AbortRun trips
// the run's token and the flow stops at its next checkpoint; in-flight
// provider calls are not force-killed but their results are discarded.
type Orchestrator struct {
	triage *flow.Triage
	chat   *flow.ChatFlow
	task   *flow.TaskFlow
	store  core.ConversationStore
	logger *logging.EngineLogger

	eventBuffer   int
	historyWindow int
	runDeadline   time.Duration

	mu   sync.Mutex
	runs map[string]*activeRun
}

// New creates an Orchestrator over the triage classifier, both sub-flows
// and a conversation store.
func New(
	triage *flow.Triage,
	chat *flow.ChatFlow,
	task *flow.TaskFlow,
	store core.ConversationStore,
	optFns ...func(o *Options),
) *Orchestrator {
	opts := Options{
		EventBuffer:   DefaultEventBuffer,
		HistoryWindow: flow.DefaultHistoryWindow,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	return &Orchestrator{
		triage:        triage,
		chat:          chat,
		task:          task,
		store:         store,
		logger:        logger.WithComponent("orchestrator"),
		eventBuffer:   opts.EventBuffer,
		historyWindow: opts.HistoryWindow,
		runDeadline:   opts.RunDeadline,
		runs:          map[string]*activeRun{},
	}
}

// StartRun registers a new run and begins executing it in the background.
// It returns the run id and the run's event stream. The stream is closed
// after its single terminal event.
func (o *Orchestrator) StartRun(ctx context.Context, input RunInput) (string, <-chan core.StreamEvent, error) {
	if strings.TrimSpace(input.Query) == "" {
		return "", nil, ErrEmptyQuery
	}

	runID := uuid.NewString()
	conversationID := input.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if o.runDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.runDeadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	token := core.NewCancelToken()
	adapter := newStreamAdapter(runID, o.eventBuffer)

	o.mu.Lock()
	o.runs[runID] = &activeRun{token: token, cancel: cancel}
	o.mu.Unlock()

	state := core.NewWorkflowState(input.Query, input.Persona)
	state.SetMetadata("conversation_id", conversationID)
	if input.UserID != "" {
		state.SetMetadata("user_id", input.UserID)
	}

	go func() {
		defer o.release(runID)
		defer cancel()
		o.execute(runCtx, state, token, conversationID, adapter)
	}()

	return runID, adapter.Events(), nil
}

// AbortRun trips the cancel token of an active run. Unknown or already
// finished run ids are acknowledged silently; abort is idempotent.
func (o *Orchestrator) AbortRun(runID string) {
	o.mu.Lock()
	r := o.runs[runID]
	o.mu.Unlock()
	if r == nil {
		return
	}
	o.logger.WithRun(runID, "").Info("abort requested")
	r.token.Cancel()
}

// ActiveRuns returns the ids of runs that have not yet resolved.
func (o *Orchestrator) ActiveRuns() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) release(runID string) {
	o.mu.Lock()
	delete(o.runs, runID)
	o.mu.Unlock()
}

// execute runs triage and the selected sub-flow, then resolves the terminal
// event. Every exit path emits exactly one of done, done(aborted) or error.
func (o *Orchestrator) execute(
	ctx context.Context,
	state *core.WorkflowState,
	token *core.CancelToken,
	conversationID string,
	adapter *streamAdapter,
) {
	logger := o.logger.WithRun(adapter.runID, conversationID)
	start := time.Now()

	// Pre-flight: a run aborted before any node executed still resolves
	// with a single terminal event and nothing else on the stream.
	if token.Cancelled() || ctx.Err() != nil {
		adapter.Emit(core.NewDoneEvent(true))
		logger.Info("run aborted before start")
		return
	}

	history := o.loadHistory(logger, conversationID)

	userMsg := core.NewMessage("user", state.OriginalQuery())
	state.AppendMessage(userMsg)
	o.persist(logger, conversationID, userMsg)

	adapter.Emit(core.NewStatusEvent("triage", "classifying query"))
	flowType := o.triage.Classify(ctx, state, history)
	if err := state.SetFlowType(flowType); err != nil {
		adapter.Emit(core.NewErrorEvent(err.Error()))
		logger.Error("flow type already set: %v", err)
		return
	}
	adapter.Emit(core.NewStatusEvent("triage", "routed to "+string(flowType)))

	var runErr error
	switch flowType {
	case core.FlowTask:
		runErr = o.task.Run(ctx, state, token, adapter.Emit)
		if runErr == nil {
			o.persistAssistantTurn(logger, conversationID, state)
		}
	default:
		runErr = o.chat.Run(ctx, state, token, conversationID, history, adapter.Emit)
	}

	logger.LogFlowRun(string(flowType), len(state.ExecutionLog()), time.Since(start), runErr)

	switch {
	case runErr == nil:
		adapter.Emit(core.NewDoneEvent(false))
	case errors.Is(runErr, core.ErrRunAborted), ctx.Err() != nil:
		// The run context expires only through the run deadline. An
		// expiry mid-call surfaces as a context error from whichever
		// node was in flight and resolves the same as an abort.
		adapter.Emit(core.NewDoneEvent(true))
	default:
		adapter.Emit(core.NewErrorEvent(runErr.Error()))
	}
}

// loadHistory fetches the prior turns of the conversation, before the
// current user turn is appended. History failures degrade to an empty
// window rather than failing the run.
func (o *Orchestrator) loadHistory(logger *logging.EngineLogger, conversationID string) []core.Message {
	if o.store == nil {
		return nil
	}
	history, err := o.store.GetRecentMessages(conversationID, o.historyWindow)
	if err != nil {
		logger.Warn("history load failed: %v", err)
		return nil
	}
	return history
}

func (o *Orchestrator) persist(logger *logging.EngineLogger, conversationID string, msg core.Message) {
	if o.store == nil {
		return
	}
	if err := o.store.AppendMessage(conversationID, msg); err != nil {
		logger.Warn("conversation append failed: %v", err)
	}
}

// persistAssistantTurn stores the report produced by the task flow, which
// records its answer on the state only.
func (o *Orchestrator) persistAssistantTurn(logger *logging.EngineLogger, conversationID string, state *core.WorkflowState) {
	msgs := state.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			o.persist(logger, conversationID, msgs[i])
			return
		}
	}
}
