package core

// ConversationStore persists conversational turns across runs. The engine
// reads a bounded recent window when building model context and appends the
// user query plus the final answer of each run. Implementations must be
// safe for concurrent use.
type ConversationStore interface {
	// GetRecentMessages returns up to limit most recent turns for the
	// conversation in chronological order. Unknown conversations yield an
	// empty slice, not an error.
	GetRecentMessages(conversationID string, limit int) ([]Message, error)

	// AppendMessage appends one turn to the conversation history.
	AppendMessage(conversationID string, msg Message) error
}
