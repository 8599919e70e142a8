// Package core defines the shared data model of the orchestration engine:
// the per-run WorkflowState, the externally observed StreamEvent sequence,
// the write-once CancelToken and the conversation store contract. All other
// packages depend on core; core depends on nothing above the standard
// library and uuid.
package core
