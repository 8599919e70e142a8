package flow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/model"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/search"
)

// DefaultHistoryWindow bounds the conversational context to the most
// recent prior turns. Policy constant, overridable via ChatFlowOptions.
const DefaultHistoryWindow = 6

var (
	urlPattern  = regexp.MustCompile(`https?://[^\s]+`)
	newsMarkers = []string{"뉴스", "최신", "오늘", "news", "latest", "today", "breaking"}
)

// SearchDecision is the outcome of the determine_search node.
type SearchDecision struct {
	Kinds     []search.ProviderKind
	TargetURL string // set when scrape is selected
	Entity    string // set when graph is selected
	Reason    string
}

// DetermineSearch decides which providers apply to a query. Vector search
// always applies; web search only for news-style queries; scraping only
// when the query carries an explicit URL; the graph store only when
// detectEntity (optional) recognizes an entity. Deterministic by
// construction.
func DetermineSearch(query string, detectEntity func(string) string) SearchDecision {
	d := SearchDecision{Kinds: []search.ProviderKind{search.KindVector}}
	reasons := []string{"vector: always applicable"}

	if url := urlPattern.FindString(query); url != "" {
		d.Kinds = append(d.Kinds, search.KindScrape)
		d.TargetURL = strings.TrimRight(url, ".,)]\"'")
		reasons = append(reasons, "scrape: explicit url in query")
	}

	lowered := strings.ToLower(query)
	for _, m := range newsMarkers {
		if strings.Contains(lowered, m) {
			d.Kinds = append(d.Kinds, search.KindWeb)
			reasons = append(reasons, fmt.Sprintf("web: news marker %q", m))
			break
		}
	}

	if detectEntity != nil {
		if entity := detectEntity(query); entity != "" {
			d.Kinds = append(d.Kinds, search.KindGraph)
			d.Entity = entity
			reasons = append(reasons, fmt.Sprintf("graph: entity %q", entity))
		}
	}

	d.Reason = strings.Join(reasons, "; ")
	return d
}

// ChatFlowOptions holds overrides passed to NewChatFlow.
type ChatFlowOptions struct {
	HistoryWindow int
	SearchTimeout time.Duration
	TopK          int
	// DetectEntity, when set, enables the graph provider for queries that
	// name a known entity.
	DetectEntity func(query string) string
	Logger       logging.Logger
}

// ChatFlow is the conversational pipeline: determine_search, the parallel
// search group, memory_context, then streamed answer generation with
// citations.
type ChatFlow struct {
	invoker    *model.Invoker
	dispatcher *search.Dispatcher
	providers  map[search.ProviderKind]search.Provider
	store      core.ConversationStore

	historyWindow int
	searchTimeout time.Duration
	topK          int
	detectEntity  func(string) string
	logger        logging.Logger
}

// NewChatFlow constructs the chat pipeline. providers maps each available
// kind to its adapter; kinds the decision selects but the map lacks are
// skipped and logged.
func NewChatFlow(
	invoker *model.Invoker,
	dispatcher *search.Dispatcher,
	providers map[search.ProviderKind]search.Provider,
	store core.ConversationStore,
	optFns ...func(o *ChatFlowOptions),
) *ChatFlow {
	opts := ChatFlowOptions{
		HistoryWindow: DefaultHistoryWindow,
		SearchTimeout: 10 * time.Second,
		TopK:          5,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ChatFlow{
		invoker:       invoker,
		dispatcher:    dispatcher,
		providers:     providers,
		store:         store,
		historyWindow: opts.HistoryWindow,
		searchTimeout: opts.SearchTimeout,
		topK:          opts.TopK,
		detectEntity:  opts.DetectEntity,
		logger:        opts.Logger,
	}
}

// Run executes the chat pipeline against the shared state. history carries
// the prior turns of the conversation (loaded before the current query was
// appended). It returns core.ErrRunAborted when the token trips at a
// checkpoint and a plain error on fatal synthesis failure.
func (f *ChatFlow) Run(ctx context.Context, state *core.WorkflowState, token *core.CancelToken, conversationID string, history []core.Message, emit Emitter) error {
	start := time.Now()

	// determine_search
	if err := checkpoint(ctx, token); err != nil {
		return err
	}
	emit(core.NewStatusEvent("determine_search", "selecting applicable providers"))
	decision := DetermineSearch(state.OriginalQuery(), f.detectEntity)
	state.LogStep("determine_search: %s", decision.Reason)

	// parallel search group: fan out, join, then apply serialized
	calls := f.buildCalls(state, decision)
	if len(calls) > 0 {
		emit(core.NewStatusEvent("search", fmt.Sprintf("dispatching %d providers", len(calls))))
		results := f.dispatcher.Dispatch(ctx, calls)
		for _, res := range results {
			if err := checkpoint(ctx, token); err != nil {
				return err
			}
			applySearchResult(state, res, "")
		}
	}

	// memory_context
	if err := checkpoint(ctx, token); err != nil {
		return err
	}
	emit(core.NewStatusEvent("memory_context", "building conversation window"))
	memCtx := f.buildMemoryContext(state, history)

	// generate_answer
	if err := checkpoint(ctx, token); err != nil {
		return err
	}
	emit(core.NewStatusEvent("generate_answer", "synthesizing answer"))
	if err := f.generateAnswer(ctx, state, token, conversationID, memCtx, emit); err != nil {
		return err
	}

	f.logger.Debug("chat flow completed in %s", time.Since(start))
	return nil
}

func (f *ChatFlow) buildCalls(state *core.WorkflowState, decision SearchDecision) []search.Call {
	var calls []search.Call
	for _, kind := range decision.Kinds {
		p, ok := f.providers[kind]
		if !ok {
			state.LogStep("%s search skipped: provider not configured", kind)
			continue
		}
		req := search.Request{
			Provider: kind,
			Query:    state.OriginalQuery(),
			TopK:     f.topK,
			Timeout:  f.searchTimeout,
		}
		switch kind {
		case search.KindScrape:
			req.TargetURL = decision.TargetURL
		case search.KindGraph:
			req.Query = decision.Entity
		}
		calls = append(calls, search.Call{Provider: p, Request: req})
	}
	return calls
}

// buildMemoryContext formats the bounded conversation window. Only whole
// prior turns enter the window: older turns fall out entirely, never
// truncated mid-turn.
func (f *ChatFlow) buildMemoryContext(state *core.WorkflowState, history []core.Message) string {
	if len(history) > f.historyWindow {
		history = history[len(history)-f.historyWindow:]
	}
	state.LogStep("memory_context: %d prior turns (window %d)", len(history), f.historyWindow)
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range history {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (f *ChatFlow) generateAnswer(ctx context.Context, state *core.WorkflowState, token *core.CancelToken, conversationID, memCtx string, emit Emitter) error {
	req := model.Request{
		Instructions: personaInstructions(state.Persona()),
		Prompt:       buildAnswerPrompt(state.OriginalQuery(), memCtx, state.CollectedData()),
		Temperature:  0.7,
	}
	stream := f.invoker.InvokeStream(ctx, req)

	var final string
	responses, errs := stream.Responses, stream.Errs
	for responses != nil || errs != nil {
		select {
		case r, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			if r.Partial {
				if err := checkpoint(ctx, token); err != nil {
					return err
				}
				emit(core.NewChunkEvent(r.Text))
				continue
			}
			final = r.Text
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				logAttempts(state, "generate_answer", stream.Attempts())
				return fmt.Errorf("answer generation failed: %w", err)
			}
		}
	}
	logAttempts(state, "generate_answer", stream.Attempts())

	emit(core.NewSourceEvent(state.Sources()))

	answer := core.NewMessage("assistant", final)
	state.AppendMessage(answer)
	if f.store != nil && conversationID != "" {
		if err := f.store.AppendMessage(conversationID, answer); err != nil {
			f.logger.Warn("failed to persist assistant turn: %v", err)
		}
	}
	state.LogStep("generate_answer: completed with %d sources", len(state.Sources()))
	return nil
}

// applySearchResult folds one branch result into the shared state. Callers
// invoke it only after the fan-in barrier, under the run's single
// application point; step tags task-flow entries.
func applySearchResult(state *core.WorkflowState, res search.Result, step string) {
	if !res.OK {
		if step != "" {
			state.LogStep("step %s: %s search failed: %s", step, res.Provider, res.Err)
		} else {
			state.LogStep("%s search failed: %s", res.Provider, res.Err)
		}
		return
	}

	items := make([]core.CollectedItem, 0, len(res.Items))
	sources := make([]core.Source, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, core.CollectedItem{
			Provider: string(res.Provider),
			Step:     step,
			Title:    it.Title,
			URL:      it.URL,
			Content:  it.Content,
			Score:    it.Score,
			Metadata: it.Metadata,
		})
		sources = append(sources, core.Source{
			Provider: string(res.Provider),
			Title:    sourceTitle(res.Provider, it),
			URL:      it.URL,
		})
	}
	state.AppendCollected(items...)
	state.AppendSources(sources...)
	if step != "" {
		state.LogStep("step %s: %s search: %d items in %v", step, res.Provider, len(res.Items), res.Elapsed.Round(time.Millisecond))
	} else {
		state.LogStep("%s search: %d items in %v", res.Provider, len(res.Items), res.Elapsed.Round(time.Millisecond))
	}
}

func sourceTitle(kind search.ProviderKind, it search.Item) string {
	if it.Title != "" {
		return it.Title
	}
	if s, ok := it.Metadata["source"].(string); ok && s != "" {
		return s
	}
	return string(kind) + " result"
}

func logAttempts(state *core.WorkflowState, node string, attempts []model.Attempt) {
	for _, at := range attempts {
		state.LogStep("%s: tier %d (%s) %s in %v", node, at.Tier, at.ProviderID, at.Outcome, at.Latency.Round(time.Millisecond))
	}
}
