package hierarchy

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGraph(t *testing.T) *Graph {
	t.Helper()
	s := miniredis.RunT(t)
	graph, err := NewGraph("redis://" + s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = graph.Close() })
	return graph
}

func ptr(id int64) *int64 { return &id }

func TestUpsertAndNode(t *testing.T) {
	graph := setupGraph(t)
	ctx := context.Background()

	require.NoError(t, graph.UpsertDocument(ctx, 1, "Stars", nil))
	require.NoError(t, graph.UpsertDocument(ctx, 2, "Orion", ptr(1)))

	node, err := graph.Node(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Orion", node.Title)
	require.NotNil(t, node.ParentID)
	assert.Equal(t, int64(1), *node.ParentID)

	roots, err := graph.Children(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, roots)

	children, err := graph.Children(ctx, ptr(1))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, children)
}

func TestChangeParentMovesBetweenSets(t *testing.T) {
	graph := setupGraph(t)
	ctx := context.Background()
	require.NoError(t, graph.UpsertDocument(ctx, 1, "Stars", nil))
	require.NoError(t, graph.UpsertDocument(ctx, 2, "Planets", nil))
	require.NoError(t, graph.UpsertDocument(ctx, 3, "Mars", ptr(1)))

	require.NoError(t, graph.ChangeParent(ctx, 3, ptr(2)))
	// Repeating the change is a no-op.
	require.NoError(t, graph.ChangeParent(ctx, 3, ptr(2)))

	underStars, err := graph.Children(ctx, ptr(1))
	require.NoError(t, err)
	assert.Empty(t, underStars)
	underPlanets, err := graph.Children(ctx, ptr(2))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, underPlanets)

	require.NoError(t, graph.ChangeParent(ctx, 3, nil))
	roots, err := graph.Children(ctx, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, roots)
}

func TestChangeTitle(t *testing.T) {
	graph := setupGraph(t)
	ctx := context.Background()
	require.NoError(t, graph.UpsertDocument(ctx, 7, "Old", nil))
	require.NoError(t, graph.ChangeTitle(ctx, 7, "New"))

	node, err := graph.Node(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "New", node.Title)
	assert.Nil(t, node.ParentID)
}

func TestMissingNode(t *testing.T) {
	graph := setupGraph(t)
	ctx := context.Background()
	assert.ErrorIs(t, graph.ChangeTitle(ctx, 42, "x"), ErrNodeNotFound)
	assert.ErrorIs(t, graph.ChangeParent(ctx, 42, nil), ErrNodeNotFound)
	_, err := graph.Ancestors(ctx, 42)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestAncestorsNearestFirst(t *testing.T) {
	graph := setupGraph(t)
	ctx := context.Background()
	require.NoError(t, graph.UpsertDocument(ctx, 1, "a", nil))
	require.NoError(t, graph.UpsertDocument(ctx, 2, "b", ptr(1)))
	require.NoError(t, graph.UpsertDocument(ctx, 3, "c", ptr(2)))

	ancestors, err := graph.Ancestors(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ancestors)

	ancestors, err = graph.Ancestors(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, ancestors)
}

func TestAncestorsDetectsCycle(t *testing.T) {
	graph := setupGraph(t)
	ctx := context.Background()
	require.NoError(t, graph.UpsertDocument(ctx, 1, "a", ptr(2)))
	require.NoError(t, graph.UpsertDocument(ctx, 2, "b", ptr(1)))

	_, err := graph.Ancestors(ctx, 1)
	assert.ErrorContains(t, err, "cycle")
}
