package bvh

import (
	"github.com/aukilabs/hagall-bvh/geom"
)

// NodeView is a read-only copy of an allocated node, meant for debug drawing.
type NodeView struct {
	Index  NodeIndex `json:"index"`
	Kind   Kind      `json:"kind"`
	Bounds geom.AABB `json:"bounds"`
	Parent NodeIndex `json:"parent"`
	Left   NodeIndex `json:"left"`
	Right  NodeIndex `json:"right"`
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "leaf":
		*k = KindLeaf
	case "internal":
		*k = KindInternal
	default:
		*k = KindFree
	}
	return nil
}

// Nodes returns a view of every allocated node, ordered by index.
func (t *Tree[K]) Nodes() []NodeView {
	views := make([]NodeView, 0, t.arena.allocated)
	for i := range t.arena.nodes {
		n := &t.arena.nodes[i]
		if n.kind == KindFree {
			continue
		}

		views = append(views, NodeView{
			Index:  NodeIndex(i),
			Kind:   n.kind,
			Bounds: n.bounds,
			Parent: n.parent,
			Left:   n.left,
			Right:  n.right,
		})
	}
	return views
}

// Root returns the root node index, NullNode when the tree is empty.
func (t *Tree[K]) Root() NodeIndex {
	return t.root
}

// Height returns the number of edges on the longest path from the root to a
// leaf. Empty trees and single leaf trees have a height of 0.
func (t *Tree[K]) Height() int {
	if t.root == NullNode {
		return 0
	}

	type entry struct {
		index NodeIndex
		depth int
	}

	height := 0
	stack := make([]entry, 0, initialStackSize)
	stack = append(stack, entry{index: t.root})

	for len(stack) != 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := &t.arena.nodes[e.index]
		if n.kind != KindInternal {
			height = max(height, e.depth)
			continue
		}

		stack = append(stack,
			entry{index: n.left, depth: e.depth + 1},
			entry{index: n.right, depth: e.depth + 1},
		)
	}
	return height
}

// AreaRatio returns the sum of the surface areas of all the nodes divided by
// the root surface area. Lower is better.
func (t *Tree[K]) AreaRatio() float32 {
	if t.root == NullNode {
		return 0
	}

	rootArea := t.arena.nodes[t.root].bounds.SurfaceArea()
	if rootArea == 0 {
		return 0
	}

	var total float32
	for i := range t.arena.nodes {
		if t.arena.nodes[i].kind == KindFree {
			continue
		}
		total += t.arena.nodes[i].bounds.SurfaceArea()
	}
	return total / rootArea
}

type Stats struct {
	// Number of node slots in the arena.
	Capacity int `json:"capacity"`

	// Number of nodes in use.
	Allocated int `json:"allocated"`

	// Number of nodes on the free list.
	Free int `json:"free"`

	// Highest number of nodes in use at once.
	Peak int `json:"peak"`

	Leaves       int    `json:"leaves"`
	Insertions   uint64 `json:"insertions"`
	Reinsertions uint64 `json:"reinsertions"`
	LazyUpdates  uint64 `json:"lazy_updates"`
}

func (t *Tree[K]) Stats() Stats {
	return Stats{
		Capacity:     t.arena.capacity(),
		Allocated:    t.arena.allocated,
		Free:         t.arena.free,
		Peak:         t.arena.peak,
		Leaves:       len(t.leaves),
		Insertions:   t.insertions,
		Reinsertions: t.reinsertions,
		LazyUpdates:  t.lazyUpdates,
	}
}

// Validate checks the tree structure, the internal node bounds, the key
// mapping and the free list.
func (t *Tree[K]) Validate() error {
	nodes := t.arena.nodes

	reachable := 0
	reachableLeaves := 0

	if t.root != NullNode {
		if nodes[t.root].parent != NullNode {
			return errInvalidTree("root has a parent", t.root)
		}

		stack := make([]NodeIndex, 0, initialStackSize)
		stack = append(stack, t.root)

		for len(stack) != 0 {
			index := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if reachable++; reachable > len(nodes) {
				return errInvalidTree("tree has a cycle", index)
			}

			n := &nodes[index]
			switch n.kind {
			case KindLeaf:
				if n.left != NullNode || n.right != NullNode {
					return errInvalidTree("leaf has children", index)
				}
				if leaf, ok := t.leaves[n.object]; !ok || leaf != index {
					return errInvalidTree("leaf is not mapped to its key", index)
				}
				reachableLeaves++

			case KindInternal:
				if n.left == NullNode || n.right == NullNode {
					return errInvalidTree("internal node is missing a child", index)
				}
				if nodes[n.left].parent != index || nodes[n.right].parent != index {
					return errInvalidTree("child does not point to its parent", index)
				}
				if n.bounds != geom.Merge(nodes[n.left].bounds, nodes[n.right].bounds) {
					return errInvalidTree("internal node bounds are not the merge of its children", index)
				}
				stack = append(stack, n.left, n.right)

			default:
				return errInvalidTree("free node is reachable from the root", index)
			}
		}
	}

	if reachableLeaves != len(t.leaves) {
		return errInvalidTree("key count does not match the reachable leaves", t.root)
	}
	if reachable != t.arena.allocated {
		return errInvalidTree("allocated nodes are not all reachable", t.root)
	}

	free := 0
	for index := t.arena.freeHead; index != NullNode; index = nodes[index].next {
		if nodes[index].kind != KindFree {
			return errInvalidTree("free list holds an allocated node", index)
		}
		if free++; free > len(nodes) {
			return errInvalidTree("free list has a cycle", index)
		}
	}

	if free != t.arena.free || free+reachable != len(nodes) {
		return errInvalidTree("free list does not cover the unused nodes", t.arena.freeHead)
	}
	return nil
}
