package conversation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
)

func TestInMemoryStore_RecentWindow(t *testing.T) {
	s := NewInMemoryStore()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendMessage("c1", core.NewMessage("user", fmt.Sprintf("turn %d", i))))
	}

	recent, err := s.GetRecentMessages("c1", 6)
	require.NoError(t, err)
	require.Len(t, recent, 6)
	// Oldest turns fall out of the window; order stays chronological.
	assert.Equal(t, "turn 4", recent[0].Content)
	assert.Equal(t, "turn 9", recent[5].Content)
}

func TestInMemoryStore_UnknownConversation(t *testing.T) {
	s := NewInMemoryStore()
	recent, err := s.GetRecentMessages("missing", 6)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestInMemoryStore_IsolatedConversations(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.AppendMessage("a", core.NewMessage("user", "hello a")))
	require.NoError(t, s.AppendMessage("b", core.NewMessage("user", "hello b")))

	a, _ := s.GetRecentMessages("a", 10)
	b, _ := s.GetRecentMessages("b", 10)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "hello a", a[0].Content)
	assert.Equal(t, "hello b", b[0].Content)
}
