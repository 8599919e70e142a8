// Package multiagent provides a high-level façade over the query
// orchestration engine. Most applications interact with this package by:
//  1. Loading a config (or starting from config.Default())
//  2. Creating an Engine via New(), optionally overriding the in-process
//     retrieval backends and conversation store
//  3. Submitting queries with StartRun and consuming the event stream
//
// The façade delegates run lifecycles to orchestrator.Orchestrator while
// keeping setup concise. All defaults are safe for local development and
// testing; production deployments supply real retrieval backends, durable
// conversation storage and API-keyed model tiers.
package multiagent

import (
	"context"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/config"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/conversation"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/flow"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/memory"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/model"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/model/anthropic"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/model/openai"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/orchestrator"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/search"
)

// Options configure the Engine. Any unset backend is initialized with an
// in-process implementation; nil Web/Scrape/Graph backends simply leave
// those retrieval kinds unconfigured.
type Options struct {
	// VectorBackend defaults to memory.NewInMemoryIndex().
	VectorBackend search.VectorBackend
	WebBackend    search.WebBackend
	ScrapeBackend search.ScrapeBackend
	GraphBackend  search.GraphBackend

	// DetectEntity, when set, routes entity-bearing queries to the graph
	// backend as well.
	DetectEntity func(query string) string

	// ConversationStore defaults to the in-process store.
	ConversationStore core.ConversationStore

	// Logger defaults to the config's logging section.
	Logger *logging.EngineLogger

	// MockResponder, when set, backs every "mock" tier of the config so
	// tests and examples can script model output.
	MockResponder *model.MockProvider
}

// Engine is the assembled query orchestration stack.
type Engine struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	logger *logging.EngineLogger
}

// New assembles an Engine from the config. A nil cfg uses the built-in
// defaults (single mock model tier, in-process backends).
func New(cfg *config.Config, optFns ...func(o *Options)) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.LoggerConfig())
	}

	tiers, err := buildTiers(cfg.Model.Tiers, opts.MockResponder)
	if err != nil {
		return nil, err
	}
	invoker := model.NewInvoker(tiers, func(o *model.InvokerOptions) {
		o.Logger = logger.WithComponent("invoker")
	})

	store := opts.ConversationStore
	if store == nil {
		store = conversation.NewInMemoryStore()
	}

	providers := buildProviders(cfg, opts, logger)
	dispatcher := search.NewDispatcher(func(o *search.DispatcherOptions) {
		o.OverallDeadline = cfg.Search.OverallDeadline
		o.Logger = logger.WithComponent("dispatcher")
	})

	triage := flow.NewTriage(invoker, logger.WithComponent("triage"))
	chat := flow.NewChatFlow(invoker, dispatcher, providers, store, func(o *flow.ChatFlowOptions) {
		o.HistoryWindow = cfg.Conversation.HistoryWindow
		o.SearchTimeout = cfg.Search.Timeout
		o.TopK = cfg.Search.TopK
		o.DetectEntity = opts.DetectEntity
		o.Logger = logger.WithComponent("chat_flow")
	})
	task := flow.NewTaskFlow(invoker, dispatcher, providers, func(o *flow.TaskFlowOptions) {
		o.SearchTimeout = cfg.Search.Timeout
		o.TopK = cfg.Search.TopK
		o.Logger = logger.WithComponent("task_flow")
	})

	orch := orchestrator.New(triage, chat, task, store, func(o *orchestrator.Options) {
		o.EventBuffer = cfg.Orchestrator.EventBuffer
		o.HistoryWindow = cfg.Conversation.HistoryWindow
		o.RunDeadline = cfg.Orchestrator.RunDeadline
		o.Logger = logger
	})

	return &Engine{cfg: cfg, orch: orch, logger: logger}, nil
}

// StartRun submits a query and returns the run id plus its event stream.
func (e *Engine) StartRun(ctx context.Context, input orchestrator.RunInput) (string, <-chan core.StreamEvent, error) {
	return e.orch.StartRun(ctx, input)
}

// AbortRun cooperatively cancels an active run.
func (e *Engine) AbortRun(runID string) { e.orch.AbortRun(runID) }

// ActiveRuns returns the ids of unresolved runs.
func (e *Engine) ActiveRuns() []string { return e.orch.ActiveRuns() }

// RunSync submits a query and drains the stream, returning all events once
// the run resolves. Convenience for batch callers and tests.
func (e *Engine) RunSync(ctx context.Context, input orchestrator.RunInput) (string, []core.StreamEvent, error) {
	runID, events, err := e.orch.StartRun(ctx, input)
	if err != nil {
		return "", nil, err
	}

	var collected []core.StreamEvent
	for {
		select {
		case <-ctx.Done():
			e.orch.AbortRun(runID)
			return runID, collected, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return runID, collected, nil
			}
			collected = append(collected, ev)
		}
	}
}

func buildTiers(tierCfgs []config.TierConfig, mock *model.MockProvider) ([]model.Tier, error) {
	tiers := make([]model.Tier, 0, len(tierCfgs))
	for _, tc := range tierCfgs {
		var provider model.Provider
		switch tc.Provider {
		case "openai":
			provider = openai.New(func(o *openai.Options) {
				if tc.Model != "" {
					o.Model = tc.Model
				}
				o.APIKey = tc.APIKey
			})
		case "anthropic":
			provider = anthropic.New(func(o *anthropic.Options) {
				if tc.Model != "" {
					o.Model = anthropicsdk.Model(tc.Model)
				}
				o.APIKey = tc.APIKey
			})
		case "mock":
			if mock != nil {
				provider = mock
			} else {
				provider = model.NewMockProvider(tc.Model)
			}
		default:
			return nil, fmt.Errorf("tier %q: unknown provider", tc.ID())
		}

		backoffSeed := tc.InitialBackoff
		if backoffSeed <= 0 {
			backoffSeed = 500 * time.Millisecond
		}
		tiers = append(tiers, model.Tier{
			ID:             tc.ID(),
			Provider:       provider,
			MaxRetries:     tc.MaxRetries,
			Timeout:        tc.Timeout,
			InitialBackoff: backoffSeed,
		})
	}
	return tiers, nil
}

func buildProviders(cfg *config.Config, opts Options, logger *logging.EngineLogger) map[search.ProviderKind]search.Provider {
	searchLogger := logger.WithComponent("search")

	vector := opts.VectorBackend
	if vector == nil {
		vector = memory.NewInMemoryIndex()
	}

	providers := map[search.ProviderKind]search.Provider{
		search.KindVector: search.NewVectorProvider(vector, cfg.Search.TopK, searchLogger),
	}
	if opts.WebBackend != nil {
		providers[search.KindWeb] = search.NewWebProvider(opts.WebBackend, searchLogger)
	}
	if opts.ScrapeBackend != nil {
		providers[search.KindScrape] = search.NewScrapeProvider(opts.ScrapeBackend, searchLogger)
	}
	if opts.GraphBackend != nil {
		providers[search.KindGraph] = search.NewGraphProvider(opts.GraphBackend, searchLogger)
	}
	return providers
}
