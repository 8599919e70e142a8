package flow

import (
	"context"
	"strings"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/model"
)

// taskMarkers are query fragments that signal multi-step data gathering or
// report synthesis. They back the deterministic heuristic used when the
// classifier model is unavailable.
var taskMarkers = []string{
	"비교", "분석", "보고서", "정리해", "조사해",
	"compare", "analysis", "analyze", "report", "aggregate",
	"summarize across", " vs ",
}

const triageInstructions = `You are a routing classifier. Answer with exactly one word:
"task" if the query requires multi-step data gathering or report synthesis
(comparative analysis, multi-source aggregation), otherwise "chat".`

// Triage decides which sub-flow handles a run. Classification is
// deterministic for identical input plus history (temperature 0, strict
// parse) and never fatal: a model failure degrades to the keyword
// heuristic, and an inconclusive heuristic defaults to chat.
type Triage struct {
	invoker *model.Invoker
	logger  logging.Logger
}

// NewTriage constructs the classifier.
func NewTriage(invoker *model.Invoker, logger logging.Logger) *Triage {
	return &Triage{invoker: invoker, logger: logger}
}

// Classify routes the query to chat or task and appends its reasoning
// trace to the state's execution log. The caller records the decision on
// the state.
func (t *Triage) Classify(ctx context.Context, state *core.WorkflowState, history []core.Message) core.FlowType {
	prompt := buildTriagePrompt(state.OriginalQuery(), history)

	res, err := t.invoker.Invoke(ctx, model.Request{
		Instructions: triageInstructions,
		Prompt:       prompt,
		Temperature:  0,
	})
	if err == nil {
		if ft, ok := parseTriageAnswer(res.Text); ok {
			state.LogStep("triage: model classified query as %s", ft)
			return ft
		}
		state.LogStep("triage: unparseable model answer %q, falling back to heuristic", strings.TrimSpace(res.Text))
	} else {
		t.logger.Warn("triage model call failed: %v", err)
		state.LogStep("triage: model call failed (%v), falling back to heuristic", err)
	}

	if marker, ok := matchTaskMarker(state.OriginalQuery()); ok {
		state.LogStep("triage: heuristic matched task marker %q", marker)
		return core.FlowTask
	}
	state.LogStep("triage: defaulting to chat")
	return core.FlowChat
}

func buildTriagePrompt(query string, history []core.Message) string {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Recent turns:\n")
		for _, m := range history {
			sb.WriteString(m.Role)
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Query: ")
	sb.WriteString(query)
	return sb.String()
}

func parseTriageAnswer(text string) (core.FlowType, bool) {
	answer := strings.ToLower(strings.TrimSpace(text))
	answer = strings.Trim(answer, `."'`)
	switch answer {
	case "chat":
		return core.FlowChat, true
	case "task":
		return core.FlowTask, true
	default:
		return core.FlowUnset, false
	}
}

func matchTaskMarker(query string) (string, bool) {
	lowered := strings.ToLower(query)
	for _, m := range taskMarkers {
		if strings.Contains(lowered, m) {
			return m, true
		}
	}
	return "", false
}
