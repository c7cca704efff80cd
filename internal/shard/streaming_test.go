package shard

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyxdb/calyx/internal/stream"
	"github.com/calyxdb/calyx/pkg/model"
)

func TestGetNodesByTypePage(t *testing.T) {
	cfg := testConfig(t, 4)
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 25; i++ {
		require.NoError(t, m.InsertNode(keyedNode(fmt.Sprintf("p%d", i), "doc")))
	}
	// a different type must not leak into the pages
	require.NoError(t, m.InsertNode(keyedNode("other", "img")))

	cursor := stream.NewCursor(10)
	seen := make(map[uuid.UUID]bool)
	pages := 0
	for cursor.HasMore {
		page, err := m.GetNodesByTypePage("doc", cursor)
		require.NoError(t, err)
		pages++
		require.LessOrEqual(t, len(page), 10)
		for _, n := range page {
			assert.Equal(t, "doc", n.Type)
			assert.False(t, seen[n.ID], "node %s returned twice", n.ID)
			seen[n.ID] = true
		}
		require.Less(t, pages, 10, "cursor never completed")
	}
	assert.Len(t, seen, 25)
	assert.EqualValues(t, 25, cursor.Position)

	// an exhausted cursor stays empty
	page, err := m.GetNodesByTypePage("doc", cursor)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestStreamNodesByType(t *testing.T) {
	cfg := testConfig(t, 4)
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 12; i++ {
		require.NoError(t, m.InsertNode(keyedNode(fmt.Sprintf("s%d", i), "doc")))
	}

	results := m.StreamNodesByType(context.Background(), "doc", 5)
	nodes, err := results.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 12)

	empty := m.StreamNodesByType(context.Background(), "nope", 5)
	nodes, err = empty.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestStreamEdgesFrom(t *testing.T) {
	cfg := testConfig(t, 2)
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	defer m.Close()

	from := keyedNode("hub", "doc")
	require.NoError(t, m.InsertNode(from))
	for i := 0; i < 5; i++ {
		to := keyedNode(fmt.Sprintf("spoke%d", i), "doc")
		require.NoError(t, m.InsertNode(to))
		require.NoError(t, m.InsertEdge(model.NewEdge(from.ID, to.ID, "links", nil)))
	}

	results := m.StreamEdgesFrom(context.Background(), from.ID, "links")
	edges, err := results.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, edges, 5)
}
