// Package conversation provides the in-process implementation of the
// core.ConversationStore contract. It is volatile and best suited for
// tests and single-node deployments; durable deployments plug in their own
// store behind the same interface.
package conversation

import (
	"sync"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
)

// InMemoryStore keeps conversation histories in a process-local map. Safe
// for concurrent use; returned slices are copies.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]core.Message
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{messages: make(map[string][]core.Message)}
}

// GetRecentMessages implements core.ConversationStore. It returns up to
// limit most recent turns in chronological order; unknown conversations
// yield an empty slice.
func (s *InMemoryStore) GetRecentMessages(conversationID string, limit int) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.messages[conversationID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]core.Message, len(history))
	copy(out, history)
	return out, nil
}

// AppendMessage implements core.ConversationStore.
func (s *InMemoryStore) AppendMessage(conversationID string, msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return nil
}
