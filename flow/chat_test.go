package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/conversation"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/memory"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/model"
	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/search"
)

// stubSearch implements search.Provider with a fixed result.
type stubSearch struct {
	kind search.ProviderKind
	res  search.Result
}

func (s *stubSearch) Kind() search.ProviderKind { return s.kind }

func (s *stubSearch) Search(context.Context, search.Request) search.Result { return s.res }

func okResult(kind search.ProviderKind, items ...search.Item) search.Result {
	return search.Result{Provider: kind, OK: true, Items: items}
}

func failResult(kind search.ProviderKind, msg string) search.Result {
	return search.Result{Provider: kind, OK: false, Err: msg}
}

// collectEvents returns an Emitter that records every event in order.
func collectEvents() (Emitter, *[]core.StreamEvent) {
	var events []core.StreamEvent
	return func(ev core.StreamEvent) { events = append(events, ev) }, &events
}

func eventTypes(events []core.StreamEvent) []core.EventType {
	types := make([]core.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestDetermineSearch_VectorAlwaysApplies(t *testing.T) {
	d := DetermineSearch("사과의 영양성분은?", nil)

	assert.Equal(t, []search.ProviderKind{search.KindVector}, d.Kinds)
	assert.Contains(t, d.Reason, "vector: always applicable")
}

func TestDetermineSearch_URLSelectsScrape(t *testing.T) {
	d := DetermineSearch("이 문서 요약해줘 https://example.com/report.", nil)

	assert.Equal(t, []search.ProviderKind{search.KindVector, search.KindScrape}, d.Kinds)
	assert.Equal(t, "https://example.com/report", d.TargetURL)
}

func TestDetermineSearch_NewsMarkerSelectsWeb(t *testing.T) {
	d := DetermineSearch("오늘 사과 가격 뉴스 알려줘", nil)

	assert.Contains(t, d.Kinds, search.KindWeb)
	assert.Contains(t, d.Reason, "news marker")
}

func TestDetermineSearch_EntitySelectsGraph(t *testing.T) {
	detect := func(q string) string {
		if strings.Contains(q, "사과") {
			return "사과"
		}
		return ""
	}

	d := DetermineSearch("사과에 대해 알려줘", detect)

	assert.Contains(t, d.Kinds, search.KindGraph)
	assert.Equal(t, "사과", d.Entity)
}

func TestDetermineSearch_Deterministic(t *testing.T) {
	first := DetermineSearch("오늘 뉴스 https://example.com/a", nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, DetermineSearch("오늘 뉴스 https://example.com/a", nil))
	}
}

// End to end over the in-process vector index: plain informational query,
// vector branch only, streamed answer with citation.
func TestChatFlow_StreamsAnswerWithSources(t *testing.T) {
	index := memory.NewInMemoryIndex()
	index.Add(memory.Document{
		ID:       "doc-1",
		Content:  "사과의 영양성분: 식이섬유와 비타민C가 풍부하다",
		Metadata: map[string]any{"source": "농식품 데이터베이스"},
	})
	providers := map[search.ProviderKind]search.Provider{
		search.KindVector: search.NewVectorProvider(index, 5, logging.NoOpLogger{}),
	}

	answer := "사과는 식이섬유와 비타민C가 풍부합니다 [1]"
	inv, _ := newMockInvoker(model.Behavior{Response: answer})
	store := conversation.NewInMemoryStore()
	f := NewChatFlow(inv, search.NewDispatcher(), providers, store)

	state := core.NewWorkflowState("사과의 영양성분은?", "기본")
	emit, events := collectEvents()

	err := f.Run(context.Background(), state, core.NewCancelToken(), "conv-1", nil, emit)
	require.NoError(t, err)

	// Chunks reassemble the exact answer, in order.
	var streamed strings.Builder
	var sourceEvents []core.StreamEvent
	for _, ev := range *events {
		switch ev.Type {
		case core.EventChunk:
			streamed.WriteString(ev.Delta)
		case core.EventSource:
			sourceEvents = append(sourceEvents, ev)
		}
	}
	assert.Equal(t, answer, streamed.String())

	require.Len(t, sourceEvents, 1)
	require.Len(t, sourceEvents[0].Sources, 1)
	assert.Equal(t, "vector", sourceEvents[0].Sources[0].Provider)
	assert.Equal(t, "농식품 데이터베이스", sourceEvents[0].Sources[0].Title)

	// The source event follows every chunk.
	types := eventTypes(*events)
	assert.Equal(t, core.EventSource, types[len(types)-1])

	// Assistant turn lands on the state and in the conversation store.
	msgs := state.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "assistant", msgs[len(msgs)-1].Role)
	assert.Equal(t, answer, msgs[len(msgs)-1].Content)

	persisted, err := store.GetRecentMessages("conv-1", 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, answer, persisted[0].Content)
}

// One branch failing degrades that branch only: the failure is folded into
// the execution log and the answer is built from what did arrive.
func TestChatFlow_FailedBranchDoesNotFailRun(t *testing.T) {
	providers := map[search.ProviderKind]search.Provider{
		search.KindVector: &stubSearch{kind: search.KindVector, res: okResult(search.KindVector, search.Item{Content: "사과 영양 정보", Score: 0.9})},
		search.KindWeb:    &stubSearch{kind: search.KindWeb, res: failResult(search.KindWeb, "upstream 502")},
	}

	inv, _ := newMockInvoker(model.Behavior{Response: "요약 답변 [1]"})
	f := NewChatFlow(inv, search.NewDispatcher(), providers, nil)

	state := core.NewWorkflowState("오늘 사과 뉴스 알려줘", "기본")
	emit, _ := collectEvents()

	err := f.Run(context.Background(), state, core.NewCancelToken(), "", nil, emit)
	require.NoError(t, err)

	assert.Len(t, state.CollectedData(), 1)
	assert.Equal(t, "vector", state.CollectedData()[0].Provider)

	var loggedFailure bool
	for _, entry := range state.ExecutionLog() {
		if strings.Contains(entry, "web search failed: upstream 502") {
			loggedFailure = true
		}
	}
	assert.True(t, loggedFailure)
}

// slowVector blocks until the branch context ends.
type slowVector struct{}

func (slowVector) Query(ctx context.Context, _ string, _ int) ([]search.VectorResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// Mixed branch outcomes: web succeeds, vector exceeds its branch timeout,
// scrape is selected but not configured. Only web data reaches the state
// and the vector timeout is recorded in the execution log.
func TestChatFlow_TimedOutBranchRecordedAndSkipped(t *testing.T) {
	providers := map[search.ProviderKind]search.Provider{
		search.KindWeb: &stubSearch{kind: search.KindWeb, res: okResult(search.KindWeb,
			search.Item{Title: "사과값 급등", URL: "https://news.example.com/apples", Content: "사과 가격 뉴스"})},
		search.KindVector: search.NewVectorProvider(slowVector{}, 5, logging.NoOpLogger{}),
	}

	inv, _ := newMockInvoker(model.Behavior{Response: "사과 가격이 올랐습니다 [1]"})
	f := NewChatFlow(inv, search.NewDispatcher(), providers, nil, func(o *ChatFlowOptions) {
		o.SearchTimeout = 20 * time.Millisecond
	})

	state := core.NewWorkflowState("오늘 사과 가격 뉴스 https://news.example.com/apples", "기본")
	emit, _ := collectEvents()

	err := f.Run(context.Background(), state, core.NewCancelToken(), "", nil, emit)
	require.NoError(t, err)

	collected := state.CollectedData()
	require.NotEmpty(t, collected)
	for _, item := range collected {
		assert.Equal(t, "web", item.Provider)
	}

	log := strings.Join(state.ExecutionLog(), "\n")
	assert.Contains(t, log, "vector search failed: timeout after")
	assert.Contains(t, log, "scrape search skipped: provider not configured")
}

func TestChatFlow_UnconfiguredProviderSkipped(t *testing.T) {
	providers := map[search.ProviderKind]search.Provider{
		search.KindVector: &stubSearch{kind: search.KindVector, res: okResult(search.KindVector)},
	}

	inv, _ := newMockInvoker(model.Behavior{Response: "답변"})
	f := NewChatFlow(inv, search.NewDispatcher(), providers, nil)

	state := core.NewWorkflowState("요약해줘 https://example.com/doc", "기본")
	emit, _ := collectEvents()

	err := f.Run(context.Background(), state, core.NewCancelToken(), "", nil, emit)
	require.NoError(t, err)

	assert.Contains(t, state.ExecutionLog(), "scrape search skipped: provider not configured")
}

func TestChatFlow_TrippedTokenStopsBeforeFirstNode(t *testing.T) {
	inv, provider := newMockInvoker()
	f := NewChatFlow(inv, search.NewDispatcher(), nil, nil)

	token := core.NewCancelToken()
	token.Cancel()

	state := core.NewWorkflowState("사과의 영양성분은?", "기본")
	emit, events := collectEvents()

	err := f.Run(context.Background(), state, token, "", nil, emit)

	assert.ErrorIs(t, err, core.ErrRunAborted)
	assert.Empty(t, *events)
	assert.Zero(t, provider.Calls())
}

func TestChatFlow_SynthesisFailureIsFatal(t *testing.T) {
	inv, _ := newMockInvoker(model.Behavior{Err: errors.New("invalid request")})
	f := NewChatFlow(inv, search.NewDispatcher(), nil, nil)

	state := core.NewWorkflowState("사과의 영양성분은?", "기본")
	emit, _ := collectEvents()

	err := f.Run(context.Background(), state, core.NewCancelToken(), "", nil, emit)

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAllProvidersExhausted)
	assert.NotErrorIs(t, err, core.ErrRunAborted)
}

func TestChatFlow_MemoryContextWindow(t *testing.T) {
	inv, _ := newMockInvoker()
	f := NewChatFlow(inv, search.NewDispatcher(), nil, nil, func(o *ChatFlowOptions) {
		o.HistoryWindow = 2
	})

	history := []core.Message{
		core.NewMessage("user", "첫 번째 질문"),
		core.NewMessage("assistant", "첫 번째 답변"),
		core.NewMessage("user", "두 번째 질문"),
	}
	state := core.NewWorkflowState("세 번째 질문", "기본")

	memCtx := f.buildMemoryContext(state, history)

	// Only the last two whole turns survive the window.
	assert.NotContains(t, memCtx, "첫 번째 질문")
	assert.Contains(t, memCtx, "assistant: 첫 번째 답변")
	assert.Contains(t, memCtx, "user: 두 번째 질문")
}

func TestChatFlow_EmptyHistoryYieldsNoContext(t *testing.T) {
	inv, _ := newMockInvoker()
	f := NewChatFlow(inv, search.NewDispatcher(), nil, nil)

	state := core.NewWorkflowState("사과?", "기본")
	assert.Empty(t, f.buildMemoryContext(state, nil))
}

func TestBuildAnswerPrompt_CitationLabelsAlignWithPositions(t *testing.T) {
	collected := []core.CollectedItem{
		{Provider: "vector", Content: "첫 번째 자료"},
		{Provider: "web", Content: "두 번째 자료"},
	}

	prompt := buildAnswerPrompt("질문", "user: 이전 질문\n", collected)

	assert.Contains(t, prompt, "[1] (vector) 첫 번째 자료")
	assert.Contains(t, prompt, "[2] (web) 두 번째 자료")
	assert.Contains(t, prompt, "Conversation so far:")
	assert.Contains(t, prompt, "Question: 질문")
}

func TestPersonaInstructions_UnknownFallsBackToDefault(t *testing.T) {
	assert.Equal(t, personaInstructions("기본"), personaInstructions("존재하지 않는 페르소나"))
	assert.NotEqual(t, personaInstructions("기본"), personaInstructions("전문가"))
}
