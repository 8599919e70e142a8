// Package flow implements the three pipelines of the orchestration engine:
// the triage classifier that routes a query, the chat sub-flow (parallel
// retrieval plus streamed conversational synthesis) and the task sub-flow
// (plan, gather sequentially, synthesize a structured report). Flows write
// into the shared core.WorkflowState, emit stream events through the
// orchestrator's serialized emitter and honor the run's CancelToken at
// every node boundary.
package flow
