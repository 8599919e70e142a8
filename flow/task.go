package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/model"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/search"
)

// ErrPlanningFailed marks the one unrecoverable node of the task sub-flow:
// without a plan there is nothing for downstream steps to execute.
var ErrPlanningFailed = errors.New("planning failed")

// PlanStep is one data-gathering step of a task plan.
type PlanStep struct {
	Name     string
	Provider search.ProviderKind
	Query    string
}

const planningInstructions = `You are a research planner. Break the query into ordered
data-gathering steps, one per line, in the form "provider: sub-query".
Provider must be one of web, vector, scrape, graph. A scrape sub-query
must be a URL. Output only the steps.`

// ParsePlan extracts plan steps from the planner's output. Lines that do
// not name a known provider are skipped; step names are 1-based ordinals.
func ParsePlan(text string) []PlanStep {
	var steps []PlanStep
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789.) \t")
		if line == "" {
			continue
		}
		provider, query, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		// Scrape targets contain "://"; re-join the URL remainder.
		kind := search.ProviderKind(strings.ToLower(strings.TrimSpace(provider)))
		query = strings.TrimSpace(query)
		switch kind {
		case search.KindWeb, search.KindVector, search.KindScrape, search.KindGraph:
		default:
			continue
		}
		if query == "" {
			continue
		}
		steps = append(steps, PlanStep{
			Name:     strconv.Itoa(len(steps) + 1),
			Provider: kind,
			Query:    query,
		})
	}
	return steps
}

// TaskFlowOptions holds overrides passed to NewTaskFlow.
type TaskFlowOptions struct {
	SearchTimeout time.Duration
	TopK          int
	Logger        logging.Logger
}

// TaskFlow is the report pipeline: planning, sequential data gathering,
// then structured report synthesis. Gathering steps run sequentially
// because later steps may depend on earlier results; a failed step is
// recorded and skipped, and the report marks its section as unavailable.
type TaskFlow struct {
	invoker    *model.Invoker
	dispatcher *search.Dispatcher
	providers  map[search.ProviderKind]search.Provider

	searchTimeout time.Duration
	topK          int
	logger        logging.Logger
}

// NewTaskFlow constructs the task pipeline.
func NewTaskFlow(
	invoker *model.Invoker,
	dispatcher *search.Dispatcher,
	providers map[search.ProviderKind]search.Provider,
	optFns ...func(o *TaskFlowOptions),
) *TaskFlow {
	opts := TaskFlowOptions{
		SearchTimeout: 10 * time.Second,
		TopK:          5,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &TaskFlow{
		invoker:       invoker,
		dispatcher:    dispatcher,
		providers:     providers,
		searchTimeout: opts.SearchTimeout,
		topK:          opts.TopK,
		logger:        opts.Logger,
	}
}

// Run executes the task pipeline against the shared state.
func (f *TaskFlow) Run(ctx context.Context, state *core.WorkflowState, token *core.CancelToken, emit Emitter) error {
	// planning: the only unrecoverable node of this flow
	if err := checkpoint(ctx, token); err != nil {
		return err
	}
	emit(core.NewStatusEvent("planning", "generating data-gathering plan"))
	steps, err := f.plan(ctx, state)
	if err != nil {
		return err
	}

	// data_gathering: sequential, step failures recorded and skipped
	failed := make(map[int]bool, len(steps))
	for i, step := range steps {
		if err := checkpoint(ctx, token); err != nil {
			return err
		}
		emit(core.NewStatusEvent("data_gathering", fmt.Sprintf("step %s: %s via %s", step.Name, step.Query, step.Provider)))
		if ok := f.gather(ctx, state, step); !ok {
			failed[i] = true
		}
	}

	// processing
	if err := checkpoint(ctx, token); err != nil {
		return err
	}
	emit(core.NewStatusEvent("processing", "synthesizing report"))
	return f.process(ctx, state, steps, failed, emit)
}

func (f *TaskFlow) plan(ctx context.Context, state *core.WorkflowState) ([]PlanStep, error) {
	res, err := f.invoker.Invoke(ctx, model.Request{
		Instructions: planningInstructions,
		Prompt:       state.OriginalQuery(),
		Temperature:  0,
	})
	if err != nil {
		state.LogStep("planning: model invocation failed (%v)", err)
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	logAttempts(state, "planning", res.Attempts)

	steps := ParsePlan(res.Text)
	if len(steps) == 0 {
		state.LogStep("planning: planner produced no executable steps")
		return nil, fmt.Errorf("%w: empty plan", ErrPlanningFailed)
	}
	state.LogStep("planning: %d steps", len(steps))
	state.SetMetadata("plan_steps", len(steps))
	return steps, nil
}

// gather executes one planned step. It reports whether the step
// contributed data; failures are recorded on the state, never returned.
func (f *TaskFlow) gather(ctx context.Context, state *core.WorkflowState, step PlanStep) bool {
	p, ok := f.providers[step.Provider]
	if !ok {
		state.LogStep("step %s: %s search failed: provider not configured", step.Name, step.Provider)
		return false
	}

	req := search.Request{
		Provider: step.Provider,
		Query:    step.Query,
		TopK:     f.topK,
		Timeout:  f.searchTimeout,
	}
	if step.Provider == search.KindScrape {
		req.TargetURL = step.Query
		req.Query = ""
	}

	results := f.dispatcher.Dispatch(ctx, []search.Call{{Provider: p, Request: req}})
	res := results[0]
	applySearchResult(state, res, step.Name)
	return res.OK && len(res.Items) > 0
}

func (f *TaskFlow) process(ctx context.Context, state *core.WorkflowState, steps []PlanStep, failed map[int]bool, emit Emitter) error {
	collected := state.CollectedData()

	var analysis string
	if len(collected) > 0 {
		res, err := f.invoker.Invoke(ctx, model.Request{
			Instructions: personaInstructions(state.Persona()),
			Prompt:       buildReportPrompt(state.OriginalQuery(), collected),
			Temperature:  0.3,
		})
		if err != nil {
			logAttemptsFromError(state, "processing", err)
			return fmt.Errorf("report synthesis failed: %w", err)
		}
		logAttempts(state, "processing", res.Attempts)
		analysis = res.Text
	} else {
		state.LogStep("processing: no data gathered, emitting skeleton report")
	}

	report := buildReport(state.OriginalQuery(), steps, failed, collected, analysis)
	emit(core.NewChunkEvent(report))

	if chart, ok := buildStepChart(steps, failed, collected); ok {
		emit(core.NewChartEvent(chart))
	}
	emit(core.NewSourceEvent(state.Sources()))

	state.AppendMessage(core.NewMessage("assistant", report))
	state.LogStep("processing: report completed (%d/%d steps with data)", len(steps)-len(failed), len(steps))
	return nil
}

func buildReportPrompt(query string, collected []core.CollectedItem) string {
	var sb strings.Builder
	sb.WriteString("Gathered data:\n")
	for i, item := range collected {
		fmt.Fprintf(&sb, "[%d] (step %s, %s) %s\n", i+1, item.Step, item.Provider, item.Content)
	}
	sb.WriteString("\nSynthesize a structured analysis answering: ")
	sb.WriteString(query)
	return sb.String()
}

// buildReport assembles the final document. Sections of failed steps are
// explicitly marked unavailable instead of failing the whole report.
func buildReport(query string, steps []PlanStep, failed map[int]bool, collected []core.CollectedItem, analysis string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", query)

	for i, step := range steps {
		fmt.Fprintf(&sb, "## %s. %s\n", step.Name, step.Query)
		if failed[i] {
			sb.WriteString("데이터 없음 (data unavailable)\n\n")
			continue
		}
		for _, item := range collected {
			if item.Step != step.Name {
				continue
			}
			fmt.Fprintf(&sb, "- %s\n", excerpt(item.Content, 200))
		}
		sb.WriteString("\n")
	}

	if analysis != "" {
		sb.WriteString("## 종합 분석\n")
		sb.WriteString(analysis)
		sb.WriteString("\n")
	}
	return sb.String()
}

// buildStepChart summarizes retrieved item counts per successful step.
func buildStepChart(steps []PlanStep, failed map[int]bool, collected []core.CollectedItem) (core.ChartPayload, bool) {
	counts := make(map[string]int)
	for _, item := range collected {
		if item.Step != "" {
			counts[item.Step]++
		}
	}

	chart := core.ChartPayload{Title: "retrieved items per step"}
	for i, step := range steps {
		if failed[i] {
			continue
		}
		chart.Labels = append(chart.Labels, step.Name+": "+excerpt(step.Query, 30))
		chart.Values = append(chart.Values, float64(counts[step.Name]))
	}
	return chart, len(chart.Labels) > 0
}

func excerpt(s string, max int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max]) + "..."
}

// logAttemptsFromError recovers the attempt log out of an exhaustion error
// so diagnosis survives in the execution log.
func logAttemptsFromError(state *core.WorkflowState, node string, err error) {
	var ex *model.ExhaustedError
	if errors.As(err, &ex) {
		logAttempts(state, node, ex.Attempts)
	}
}
