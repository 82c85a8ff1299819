package bvh

import (
	"github.com/aukilabs/hagall-bvh/geom"
)

const defaultInitialCapacity = 16

// Option configures a tree.
type Option func(*options)

type options struct {
	initialCapacity int
	growth          int
	maxNodes        int
}

// WithInitialCapacity sets the number of nodes allocated up front.
func WithInitialCapacity(n int) Option {
	return func(o *options) {
		o.initialCapacity = n
	}
}

// WithGrowth sets how many nodes are added each time the arena runs out of
// free nodes. The default doubles the arena.
func WithGrowth(n int) Option {
	return func(o *options) {
		o.growth = n
	}
}

// WithMaxNodes caps the arena size. Inserting past the cap fails with
// ErrTypeAllocationFailure. Zero means no cap.
func WithMaxNodes(n int) Option {
	return func(o *options) {
		o.maxNodes = n
	}
}

// Tree is a dynamic bounding volume hierarchy over axis-aligned boxes.
//
// Leaves hold caller keys. Internal nodes always have two children and their
// bounds are the merge of their children bounds. Insertion picks a sibling
// with a greedy surface area heuristic. Updates are lazy: a leaf whose stored
// box still contains the new box is left untouched.
//
// A tree is not safe for concurrent use. Queries do not modify the tree, so
// callers may run them concurrently under a read lock.
type Tree[K comparable] struct {
	arena  arena[K]
	root   NodeIndex
	leaves map[K]NodeIndex

	insertions   uint64
	reinsertions uint64
	lazyUpdates  uint64
}

func New[K comparable](opts ...Option) *Tree[K] {
	o := options{
		initialCapacity: defaultInitialCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.maxNodes > 0 && o.initialCapacity > o.maxNodes {
		o.initialCapacity = o.maxNodes
	}

	return &Tree[K]{
		arena:  newArena[K](o.initialCapacity, o.growth, o.maxNodes),
		root:   NullNode,
		leaves: make(map[K]NodeIndex),
	}
}

// Insert adds key to the tree with the given bounds.
func (t *Tree[K]) Insert(key K, box geom.AABB) error {
	if !box.IsValid() {
		return errDegenerateBounds(key, box)
	}
	if _, ok := t.leaves[key]; ok {
		return errDuplicateKey(key)
	}

	// A leaf plus the parent it gets paired under, except for the first one.
	needed := 2
	if t.root == NullNode {
		needed = 1
	}
	if err := t.arena.reserve(needed); err != nil {
		return err
	}

	leaf, err := t.arena.allocate()
	if err != nil {
		return err
	}

	n := &t.arena.nodes[leaf]
	n.kind = KindLeaf
	n.bounds = box
	n.object = key
	t.leaves[key] = leaf

	if err := t.insertLeaf(leaf); err != nil {
		return err
	}

	t.insertions++
	return nil
}

// Remove removes key from the tree.
func (t *Tree[K]) Remove(key K) error {
	leaf, ok := t.leaves[key]
	if !ok {
		return errInvalidKey(key)
	}

	t.removeLeaf(leaf)
	t.arena.deallocate(leaf)
	delete(t.leaves, key)
	return nil
}

// Update sets the bounds of key. When the stored bounds already contain box,
// nothing changes and moved is false. Otherwise the leaf is removed and
// inserted again with box as its bounds.
func (t *Tree[K]) Update(key K, box geom.AABB) (moved bool, err error) {
	if !box.IsValid() {
		return false, errDegenerateBounds(key, box)
	}

	leaf, ok := t.leaves[key]
	if !ok {
		return false, errInvalidKey(key)
	}

	if geom.Contains(t.arena.nodes[leaf].bounds, box) {
		t.lazyUpdates++
		return false, nil
	}

	// Removing the leaf frees its parent, so reinserting never has to grow
	// the arena.
	t.removeLeaf(leaf)
	t.arena.nodes[leaf].bounds = box
	if err := t.insertLeaf(leaf); err != nil {
		return false, err
	}

	t.reinsertions++
	return true, nil
}

// Contains reports whether key is in the tree.
func (t *Tree[K]) Contains(key K) bool {
	_, ok := t.leaves[key]
	return ok
}

// Bounds returns the bounds stored for key. They can be larger than the last
// bounds given to Update.
func (t *Tree[K]) Bounds(key K) (geom.AABB, bool) {
	leaf, ok := t.leaves[key]
	if !ok {
		return geom.AABB{}, false
	}
	return t.arena.nodes[leaf].bounds, true
}

// Len returns the number of keys in the tree.
func (t *Tree[K]) Len() int {
	return len(t.leaves)
}

func (t *Tree[K]) insertLeaf(leaf NodeIndex) error {
	nodes := t.arena.nodes

	if t.root == NullNode {
		t.root = leaf
		nodes[leaf].parent = NullNode
		return nil
	}

	// Find the best sibling for the new leaf.
	leafBox := nodes[leaf].bounds
	index := t.root
	for nodes[index].kind == KindInternal {
		n := &nodes[index]

		area := n.bounds.SurfaceArea()
		combinedArea := geom.Merge(n.bounds, leafBox).SurfaceArea()

		// Cost of creating a new parent for this node and the new leaf.
		cost := 2 * combinedArea

		// Minimum cost of pushing the leaf further down the tree.
		inheritanceCost := 2 * (combinedArea - area)

		cost1 := t.descendCost(n.left, leafBox) + inheritanceCost
		cost2 := t.descendCost(n.right, leafBox) + inheritanceCost

		if cost < cost1 && cost < cost2 {
			break
		}

		if cost1 <= cost2 {
			index = n.left
		} else {
			index = n.right
		}
	}

	sibling := index
	oldParent := nodes[sibling].parent

	newParent, err := t.arena.allocate()
	if err != nil {
		return err
	}
	nodes = t.arena.nodes

	p := &nodes[newParent]
	p.kind = KindInternal
	p.parent = oldParent
	p.bounds = geom.Merge(leafBox, nodes[sibling].bounds)
	p.left = sibling
	p.right = leaf

	if oldParent == NullNode {
		t.root = newParent
	} else if nodes[oldParent].left == sibling {
		nodes[oldParent].left = newParent
	} else {
		nodes[oldParent].right = newParent
	}

	nodes[sibling].parent = newParent
	nodes[leaf].parent = newParent

	t.refit(newParent)
	return nil
}

// descendCost is the cost of pairing a box with child or with one of its
// descendants, not counting the ancestors growth.
func (t *Tree[K]) descendCost(child NodeIndex, box geom.AABB) float32 {
	n := &t.arena.nodes[child]
	area := geom.Merge(n.bounds, box).SurfaceArea()
	if n.kind == KindLeaf {
		return area
	}
	return area - n.bounds.SurfaceArea()
}

func (t *Tree[K]) removeLeaf(leaf NodeIndex) {
	nodes := t.arena.nodes

	if leaf == t.root {
		t.root = NullNode
		return
	}

	parent := nodes[leaf].parent
	grandParent := nodes[parent].parent
	sibling := nodes[parent].left
	if sibling == leaf {
		sibling = nodes[parent].right
	}

	if grandParent != NullNode {
		if nodes[grandParent].left == parent {
			nodes[grandParent].left = sibling
		} else {
			nodes[grandParent].right = sibling
		}
		nodes[sibling].parent = grandParent
		t.arena.deallocate(parent)
		t.refit(grandParent)
	} else {
		t.root = sibling
		nodes[sibling].parent = NullNode
		t.arena.deallocate(parent)
	}

	nodes[leaf].parent = NullNode
}

// refit recomputes the bounds of index and all its ancestors.
func (t *Tree[K]) refit(index NodeIndex) {
	nodes := t.arena.nodes
	for index != NullNode {
		n := &nodes[index]
		n.bounds = geom.Merge(nodes[n.left].bounds, nodes[n.right].bounds)
		index = n.parent
	}
}
