package shard

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyxdb/calyx/pkg/model"
)

func newTestStore(t *testing.T) *LevelStore {
	t.Helper()
	s, err := NewLevelStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLevelStoreNodeCRUD(t *testing.T) {
	s := newTestStore(t)

	node := model.NewNode("person", model.Properties{"name": "ada"})
	require.NoError(t, s.InsertNode(node))

	got, err := s.GetNode(node.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, node.ID, got.ID)
	assert.Equal(t, "person", got.Type)
	assert.Equal(t, "ada", got.Properties["name"])

	updated, err := s.UpdateNode(node.ID, model.Properties{"age": 36.0})
	require.NoError(t, err)
	assert.Equal(t, "ada", updated.Properties["name"])
	assert.Equal(t, 36.0, updated.Properties["age"])

	require.NoError(t, s.DeleteNode(node.ID))
	got, err = s.GetNode(node.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLevelStoreGetMissing(t *testing.T) {
	s := newTestStore(t)

	node, err := s.GetNode(uuid.New())
	require.NoError(t, err)
	assert.Nil(t, node)

	_, err = s.UpdateNode(uuid.New(), model.Properties{"x": 1})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestLevelStoreEdges(t *testing.T) {
	s := newTestStore(t)

	a := model.NewNode("person", nil)
	b := model.NewNode("person", nil)
	c := model.NewNode("person", nil)
	for _, n := range []*model.Node{a, b, c} {
		require.NoError(t, s.InsertNode(n))
	}

	knows := model.NewEdge(a.ID, b.ID, "knows", nil)
	likes := model.NewEdge(a.ID, c.ID, "likes", nil)
	require.NoError(t, s.InsertEdge(knows))
	require.NoError(t, s.InsertEdge(likes))

	got, err := s.GetEdge(knows.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.ID, got.To)

	all, err := s.GetEdgesFrom(a.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyKnows, err := s.GetEdgesFrom(a.ID, "knows")
	require.NoError(t, err)
	require.Len(t, onlyKnows, 1)
	assert.Equal(t, knows.ID, onlyKnows[0].ID)

	require.NoError(t, s.DeleteEdge(knows.ID))
	all, err = s.GetEdgesFrom(a.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLevelStoreNodesByType(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.InsertNode(model.NewNode("doc", nil)))
	}
	require.NoError(t, s.InsertNode(model.NewNode("person", nil)))

	docs, err := s.GetNodesByType("doc", 0)
	require.NoError(t, err)
	assert.Len(t, docs, 10)

	limited, err := s.GetNodesByType("doc", 3)
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	none, err := s.GetNodesByType("ghost", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLevelStoreNodesByTypeOffset(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.InsertNode(model.NewNode("doc", nil)))
	}

	first, err := s.GetNodesByTypeOffset("doc", 0, 4)
	require.NoError(t, err)
	require.Len(t, first, 4)

	second, err := s.GetNodesByTypeOffset("doc", 4, 4)
	require.NoError(t, err)
	require.Len(t, second, 4)

	tail, err := s.GetNodesByTypeOffset("doc", 8, 4)
	require.NoError(t, err)
	require.Len(t, tail, 2)

	seen := make(map[uuid.UUID]bool)
	for _, n := range append(append(first, second...), tail...) {
		assert.False(t, seen[n.ID], "node %s returned on two pages", n.ID)
		seen[n.ID] = true
	}
	assert.Len(t, seen, 10)

	past, err := s.GetNodesByTypeOffset("doc", 50, 4)
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestLevelStoreCompressesLargeValues(t *testing.T) {
	s := newTestStore(t)

	big := ""
	for i := 0; i < 200; i++ {
		big += "lorem ipsum dolor sit amet "
	}
	node := model.NewNode("doc", model.Properties{"body": big})
	require.NoError(t, s.InsertNode(node))

	encoded, err := node.Encode()
	require.NoError(t, err)
	raw, err := s.db.Get(nodeKey(node.ID), nil)
	require.NoError(t, err)
	assert.Less(t, len(raw), len(encoded), "on-disk value must be smaller than the encoding")

	got, err := s.GetNode(node.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, big, got.Properties["body"])
}

func TestLevelStoreStats(t *testing.T) {
	s := newTestStore(t)

	a := model.NewNode("person", nil)
	b := model.NewNode("person", nil)
	require.NoError(t, s.InsertNode(a))
	require.NoError(t, s.InsertNode(b))
	require.NoError(t, s.InsertEdge(model.NewEdge(a.ID, b.ID, "knows", nil)))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.NodeCount)
	assert.Equal(t, int64(1), stats.EdgeCount)
}
