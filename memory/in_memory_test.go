package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryIndex_FullMatchOutranksTermMatch(t *testing.T) {
	idx := NewInMemoryIndex()
	idx.Add(
		Document{ID: "1", Content: "사과는 과일이다"},
		Document{ID: "2", Content: "사과의 영양성분은 비타민C가 풍부하다"},
	)

	res, err := idx.Query(context.Background(), "사과의 영양성분은", 5)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, 1.0, res[0].Score)
	assert.Contains(t, res[0].Content, "영양성분")
	assert.Equal(t, 0.5, res[1].Score)
}

// A query term carrying a different particle than the document still
// matches through its leading-rune prefix.
func TestInMemoryIndex_TermPrefixBridgesParticles(t *testing.T) {
	idx := NewInMemoryIndex()
	idx.Add(Document{ID: "1", Content: "사과는 과일이다"})

	res, err := idx.Query(context.Background(), "사과의 효능", 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, 0.5, res[0].Score)
}

func TestInMemoryIndex_LimitAndMiss(t *testing.T) {
	idx := NewInMemoryIndex()
	idx.Add(
		Document{ID: "1", Content: "apple nutrition facts"},
		Document{ID: "2", Content: "apple varieties"},
		Document{ID: "3", Content: "banana facts"},
	)

	res, err := idx.Query(context.Background(), "apple", 1)
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = idx.Query(context.Background(), "grape", 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestInMemoryIndex_CancelledContext(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Query(ctx, "apple", 5)
	assert.ErrorIs(t, err, context.Canceled)
}
