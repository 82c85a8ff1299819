package bvh

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/hagall-bvh/geom"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) *Tree[string] {
	tree := New[string]()
	require.NoError(t, tree.Insert("a", cube(0, 0, 0, 1)))
	require.NoError(t, tree.Insert("b", cube(2, 0, 0, 1)))
	require.NoError(t, tree.Insert("c", cube(1, 0, 0, 1)))
	return tree
}

func TestTreeNodes(t *testing.T) {
	tree := newTestTree(t)

	nodes := tree.Nodes()
	require.Len(t, nodes, 5)

	kinds := make(map[Kind]int)
	for i, n := range nodes {
		kinds[n.Kind]++

		if i > 0 {
			require.Greater(t, n.Index, nodes[i-1].Index)
		}
		if n.Index == tree.Root() {
			require.Equal(t, NullNode, n.Parent)
			require.Equal(t, box(0, 0, 0, 3, 1, 1), n.Bounds)
		}
		if n.Kind == KindLeaf {
			require.Equal(t, NullNode, n.Left)
			require.Equal(t, NullNode, n.Right)
		}
	}
	require.Equal(t, 3, kinds[KindLeaf])
	require.Equal(t, 2, kinds[KindInternal])
}

func TestNodeViewJSON(t *testing.T) {
	view := NodeView{
		Index:  3,
		Kind:   KindInternal,
		Bounds: cube(0, 0, 0, 1),
		Parent: NullNode,
		Left:   1,
		Right:  2,
	}

	b, err := json.Marshal(view)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"index": 3,
		"kind": "internal",
		"bounds": {"min": [0, 0, 0], "max": [1, 1, 1]},
		"parent": -1,
		"left": 1,
		"right": 2
	}`, string(b))

	var decoded NodeView
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, view, decoded)
}

func TestTreeHeight(t *testing.T) {
	tree := New[string]()
	require.Equal(t, 0, tree.Height())

	require.NoError(t, tree.Insert("a", cube(0, 0, 0, 1)))
	require.Equal(t, 0, tree.Height())

	require.NoError(t, tree.Insert("b", cube(2, 0, 0, 1)))
	require.Equal(t, 1, tree.Height())

	require.NoError(t, tree.Insert("c", cube(1, 0, 0, 1)))
	require.Equal(t, 2, tree.Height())
}

func TestTreeAreaRatio(t *testing.T) {
	tree := New[int]()
	require.Zero(t, tree.AreaRatio())

	require.NoError(t, tree.Insert(1, cube(0, 0, 0, 1)))
	require.Equal(t, float32(1), tree.AreaRatio())

	require.NoError(t, tree.Insert(2, cube(2, 0, 0, 1)))
	require.True(t, geom.EqualWithEpsilon(tree.AreaRatio(), float32(6+6+14)/14, 0.0001))
}

func TestTreeStats(t *testing.T) {
	tree := New[int](WithInitialCapacity(4))

	for i := 0; i < 4; i++ {
		require.NoError(t, tree.Insert(i, cube(float32(i)*2, 0, 0, 1)))
	}
	require.NoError(t, tree.Remove(0))

	_, err := tree.Update(1, cube(2.25, 0.25, 0.25, 0.5))
	require.NoError(t, err)
	_, err = tree.Update(2, cube(40, 0, 0, 1))
	require.NoError(t, err)

	require.Equal(t, Stats{
		Capacity:     8,
		Allocated:    5,
		Free:         3,
		Peak:         7,
		Leaves:       3,
		Insertions:   4,
		Reinsertions: 1,
		LazyUpdates:  1,
	}, tree.Stats())
}

func TestTreeValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, newTestTree(t).Validate())
	})

	t.Run("stale internal bounds", func(t *testing.T) {
		tree := newTestTree(t)
		tree.arena.nodes[tree.Root()].bounds = cube(0, 0, 0, 1)

		err := tree.Validate()
		require.True(t, errors.IsType(err, ErrTypeInvalidTree))
	})

	t.Run("wrong parent", func(t *testing.T) {
		tree := newTestTree(t)
		tree.arena.nodes[tree.leaves["b"]].parent = tree.leaves["a"]

		err := tree.Validate()
		require.True(t, errors.IsType(err, ErrTypeInvalidTree))
	})

	t.Run("unmapped leaf", func(t *testing.T) {
		tree := newTestTree(t)
		delete(tree.leaves, "c")

		err := tree.Validate()
		require.True(t, errors.IsType(err, ErrTypeInvalidTree))
	})

	t.Run("leaked node", func(t *testing.T) {
		tree := newTestTree(t)
		_, err := tree.arena.allocate()
		require.NoError(t, err)

		err = tree.Validate()
		require.True(t, errors.IsType(err, ErrTypeInvalidTree))
	})
}
