package bvh

import (
	"iter"

	"github.com/aukilabs/hagall-bvh/geom"
)

const initialStackSize = 64

// QueryOverlaps returns the keys whose bounds overlap box, except exclude.
//
// The sequence walks the tree as it is ranged over and is meant to be
// consumed once. The tree must not be modified while ranging.
func (t *Tree[K]) QueryOverlaps(exclude K, box geom.AABB) iter.Seq[K] {
	return t.query(box, func(key K) bool {
		return key != exclude
	})
}

// Query returns the keys whose bounds overlap box.
func (t *Tree[K]) Query(box geom.AABB) iter.Seq[K] {
	return t.query(box, nil)
}

func (t *Tree[K]) query(box geom.AABB, accept func(K) bool) iter.Seq[K] {
	return func(yield func(K) bool) {
		if t.root == NullNode {
			return
		}

		stack := make([]NodeIndex, 0, initialStackSize)
		stack = append(stack, t.root)

		for len(stack) != 0 {
			index := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			n := &t.arena.nodes[index]
			if !geom.Overlaps(n.bounds, box) {
				continue
			}

			if n.kind == KindInternal {
				stack = append(stack, n.right, n.left)
				continue
			}

			if accept != nil && !accept(n.object) {
				continue
			}
			if !yield(n.object) {
				return
			}
		}
	}
}

// RayCastFunc is called for each leaf whose bounds the ray hits, with the
// current maximum hit parameter. Returning 0 stops the ray cast, a positive
// value clips the ray to that parameter and a negative value ignores the
// leaf.
type RayCastFunc[K comparable] func(key K, r geom.Ray, tMax float32) float32

// RayCast walks the leaves whose bounds are hit by the segment r.
func (t *Tree[K]) RayCast(r geom.Ray, fn RayCastFunc[K]) {
	if t.root == NullNode {
		return
	}

	tMax := float32(1)

	stack := make([]NodeIndex, 0, initialStackSize)
	stack = append(stack, t.root)

	for len(stack) != 0 {
		index := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := &t.arena.nodes[index]
		if _, hit := n.bounds.IntersectRay(r, tMax); !hit {
			continue
		}

		if n.kind == KindInternal {
			stack = append(stack, n.right, n.left)
			continue
		}

		value := fn(n.object, r, tMax)
		if value == 0 {
			// The caller ended the ray cast.
			return
		}
		if value > 0 && value < tMax {
			tMax = value
		}
	}
}
