package bvh

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/hagall-bvh/geom"
)

// NodeIndex addresses a node in the tree arena. Indices stay valid until the
// node they point to is freed; growing the arena never moves nodes.
type NodeIndex int32

const NullNode NodeIndex = -1

// NodeIndex can address at most this many nodes.
const maxIndexableNodes = math.MaxInt32

// Kind tells which fields of a node are meaningful.
type Kind uint8

const (
	// Unallocated slot, only next is meaningful.
	KindFree Kind = iota

	// Holds one object and no children.
	KindLeaf

	// Holds exactly two children and no object.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindInternal:
		return "internal"
	default:
		return "free"
	}
}

type node[K comparable] struct {
	kind   Kind
	bounds geom.AABB
	object K
	parent NodeIndex
	left   NodeIndex
	right  NodeIndex
	next   NodeIndex
}

// arena is a growable node pool with an embedded free list.
type arena[K comparable] struct {
	nodes     []node[K]
	freeHead  NodeIndex
	free      int
	allocated int
	peak      int

	growth   int
	maxNodes int
	limit    int
}

func newArena[K comparable](capacity, growth, maxNodes int) arena[K] {
	a := arena[K]{
		freeHead: NullNode,
		growth:   growth,
		maxNodes: maxNodes,
		limit:    nodeLimit(maxNodes),
	}
	a.grow(capacity)
	return a
}

func (a *arena[K]) capacity() int {
	return len(a.nodes)
}

// nodeLimit is the arena size past which growing fails: maxNodes when set,
// and never more than a NodeIndex can address.
func nodeLimit(maxNodes int) int {
	if maxNodes > 0 && maxNodes < maxIndexableNodes {
		return maxNodes
	}
	return maxIndexableNodes
}

// grow appends up to n free slots and threads them onto the free list. It
// returns how many slots were added, which is less than n when the arena
// limit is reached.
func (a *arena[K]) grow(n int) int {
	if room := a.limit - len(a.nodes); n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}

	start := len(a.nodes)
	end := start + n
	a.nodes = append(a.nodes, make([]node[K], n)...)

	for i := start; i < end; i++ {
		a.nodes[i] = node[K]{
			kind:   KindFree,
			parent: NullNode,
			left:   NullNode,
			right:  NullNode,
			next:   NodeIndex(i + 1),
		}
	}
	a.nodes[end-1].next = a.freeHead

	a.freeHead = NodeIndex(start)
	a.free += n
	return n
}

func (a *arena[K]) growthStep() int {
	if a.growth > 0 {
		return a.growth
	}
	return max(len(a.nodes), 1)
}

// reserve makes sure the next n allocations succeed.
func (a *arena[K]) reserve(n int) error {
	for a.free < n {
		if a.grow(max(a.growthStep(), n-a.free)) == 0 {
			return errors.New("node arena is full").
				WithType(ErrTypeAllocationFailure).
				WithTag("capacity", len(a.nodes)).
				WithTag("max_nodes", a.maxNodes).
				WithTag("limit", a.limit)
		}
	}
	return nil
}

func (a *arena[K]) allocate() (NodeIndex, error) {
	if err := a.reserve(1); err != nil {
		return NullNode, err
	}

	i := a.freeHead
	n := &a.nodes[i]
	a.freeHead = n.next
	a.free--

	n.next = NullNode
	n.parent = NullNode
	n.left = NullNode
	n.right = NullNode

	a.allocated++
	if a.allocated > a.peak {
		a.peak = a.allocated
	}
	return i, nil
}

func (a *arena[K]) deallocate(i NodeIndex) {
	a.nodes[i] = node[K]{
		kind:   KindFree,
		parent: NullNode,
		left:   NullNode,
		right:  NullNode,
		next:   a.freeHead,
	}
	a.freeHead = i
	a.free++
	a.allocated--
}
