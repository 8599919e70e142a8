package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FlowType identifies which sub-flow triage selected for a run.
type FlowType string

const (
	// FlowUnset is the zero value before triage has run.
	FlowUnset FlowType = ""
	// FlowChat routes the run through the conversational chat sub-flow.
	FlowChat FlowType = "chat"
	// FlowTask routes the run through the multi-step task sub-flow.
	FlowTask FlowType = "task"
)

// ErrFlowTypeSet is returned when a second attempt is made to assign the
// flow type of a run. Triage runs exactly once; the routing decision is
// immutable afterwards.
var ErrFlowTypeSet = errors.New("flow type already set")

// Message is one conversational turn. Role follows the usual
// user/assistant convention.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a generated id and UTC timestamp.
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// CollectedItem is one retrieved record appended by a search branch or a
// data-gathering step. The state layer does not deduplicate; duplicates are
// the producer's concern.
type CollectedItem struct {
	Provider string         `json:"provider"`
	Step     string         `json:"step,omitempty"`
	Title    string         `json:"title,omitempty"`
	URL      string         `json:"url,omitempty"`
	Content  string         `json:"content"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Source is a citation record referenced by position from generated answers.
type Source struct {
	Provider string `json:"provider"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
}

// WorkflowState is the shared state threaded through every node of one run.
// It is created by the orchestrator, handed to sub-flow nodes by reference
// and never shared across runs.
//
// Contract:
//   - OriginalQuery and Persona are immutable after construction
//   - FlowType is write-once (SetFlowType)
//   - Messages, CollectedData, Sources and ExecutionLog are append-only;
//     append order is arrival order, serialized by the internal mutex
//   - Metadata is last-writer-wins per key; a single key's write is atomic
//   - Accessors return defensive copies
type WorkflowState struct {
	mu sync.Mutex

	originalQuery string
	persona       string
	flowType      FlowType

	messages      []Message
	collectedData []CollectedItem
	sources       []Source
	metadata      map[string]any
	executionLog  []string
}

// NewWorkflowState creates the state for a single run.
func NewWorkflowState(query, persona string) *WorkflowState {
	return &WorkflowState{
		originalQuery: query,
		persona:       persona,
		metadata:      map[string]any{},
	}
}

// OriginalQuery returns the immutable user query.
func (s *WorkflowState) OriginalQuery() string { return s.originalQuery }

// Persona returns the immutable answer-style selector.
func (s *WorkflowState) Persona() string { return s.persona }

// FlowType returns the routing decision, FlowUnset before triage.
func (s *WorkflowState) FlowType() FlowType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowType
}

// SetFlowType records the triage decision. A second call returns
// ErrFlowTypeSet regardless of the value.
func (s *WorkflowState) SetFlowType(ft FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flowType != FlowUnset {
		return ErrFlowTypeSet
	}
	s.flowType = ft
	return nil
}

// AppendMessage appends one conversational turn.
func (s *WorkflowState) AppendMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// Messages returns a copy of the turn history in chronological order.
func (s *WorkflowState) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// AppendCollected appends retrieved items in the given order.
func (s *WorkflowState) AppendCollected(items ...CollectedItem) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectedData = append(s.collectedData, items...)
}

// CollectedData returns a copy of all retrieved items in arrival order.
func (s *WorkflowState) CollectedData() []CollectedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CollectedItem, len(s.collectedData))
	copy(out, s.collectedData)
	return out
}

// AppendSources appends citation records.
func (s *WorkflowState) AppendSources(srcs ...Source) {
	if len(srcs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, srcs...)
}

// Sources returns a copy of the citation records in append order.
func (s *WorkflowState) Sources() []Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Source, len(s.sources))
	copy(out, s.sources)
	return out
}

// SetMetadata writes one key. Last writer wins; the write is atomic with
// respect to concurrent writers of the same key.
func (s *WorkflowState) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Metadata returns a shallow copy of the metadata map.
func (s *WorkflowState) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// LogStep appends a step trace entry. Callers invoke it at step completion
// so the log reflects causal completion order, not launch order.
func (s *WorkflowState) LogStep(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executionLog = append(s.executionLog, fmt.Sprintf(format, args...))
}

// ExecutionLog returns a copy of the step trace.
func (s *WorkflowState) ExecutionLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.executionLog))
	copy(out, s.executionLog)
	return out
}
