package dagaz

import (
	"slices"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/hagall-bvh/bvh"
	"github.com/aukilabs/hagall-bvh/geom"
	"github.com/aukilabs/hagall-bvh/models"
)

// Height difference under which two overlapping horizontal quads are
// considered the same plane.
const DefaultMergeEpsilon = float32(0.6)

// TreePartition is a spatial partition that keeps quads in a bounding volume
// hierarchy. Unlike a regular grid it has no resolution and never needs to be
// resized when quads are sampled far away from the others.
//
// Quads are merged on insertion: a sample at nearly the same height as an
// existing quad whose footprint it overlaps pulls that quad toward itself
// instead of being added.
type TreePartition struct {
	MergeEpsilon float32

	mutex      sync.RWMutex
	tree       *bvh.Tree[uint32]
	quads      map[uint32]*Quad
	ids        models.SequentialIDGenerator
	mergeCount uint32
}

func NewTreePartition(opts ...bvh.Option) *TreePartition {
	return &TreePartition{
		MergeEpsilon: DefaultMergeEpsilon,
		tree:         bvh.New[uint32](opts...),
		quads:        make(map[uint32]*Quad),
	}
}

func (p *TreePartition) InsertQuad(q Quad) error {
	if !q.Bounds().IsValid() {
		return errors.New("quad extents are negative").
			WithType(bvh.ErrTypeDegenerateBounds).
			WithTag("center", q.Center).
			WithTag("extents", q.Extents)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if id, ok := p.mergeCandidate(q); ok {
		// The stored quad only changes once the tree accepted its new bounds.
		merged := *p.quads[id]
		merged.mergeInto(q)

		if _, err := p.tree.Update(id, merged.Bounds()); err != nil {
			return err
		}
		*p.quads[id] = merged
		p.mergeCount++
		instrumentQuadSample(mergedSample)
		return nil
	}

	id := p.ids.New()
	if err := p.tree.Insert(id, q.Bounds()); err != nil {
		p.ids.Reuse(id)
		return err
	}

	p.quads[id] = &q
	instrumentQuadSample(insertedSample)
	return nil
}

// mergeCandidate returns the quad closest in height to q among the quads
// q should be merged into.
func (p *TreePartition) mergeCandidate(q Quad) (uint32, bool) {
	area := q.Bounds()
	margin := geom.NewVector3f(0, p.MergeEpsilon, 0)
	area.Min = geom.Sub(area.Min, margin)
	area.Max = geom.Add(area.Max, margin)

	var candidate uint32
	var found bool
	var bestDistance float32

	for id := range p.tree.Query(area) {
		existing := p.quads[id]

		distance := existing.Center.Y() - q.Center.Y()
		if distance < 0 {
			distance = -distance
		}
		if distance > p.MergeEpsilon || !doHorizontalPlanesOverlap(*existing, q) {
			continue
		}

		if !found || distance < bestDistance || (distance == bestDistance && id < candidate) {
			candidate = id
			bestDistance = distance
			found = true
		}
	}
	return candidate, found
}

// IntersectQuad returns a copy of the first quad hit by r and the hit
// parameter along r. It returns nil and -1 when nothing is hit.
func (p *TreePartition) IntersectQuad(r geom.Ray) (*Quad, float32) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	var closest *Quad
	closestT := float32(-1)

	p.tree.RayCast(r, func(id uint32, r geom.Ray, tMax float32) float32 {
		q := p.quads[id]

		hit, t := IntersectQuad(r, *q)
		if !hit || t > tMax {
			return -1
		}
		if closest == nil || t < closestT {
			closest = q
			closestT = t
		}
		return t
	})

	if closest == nil {
		instrumentQueryResults(rayQuery, 0)
		return nil, -1
	}

	instrumentQueryResults(rayQuery, 1)
	hit := *closest
	return &hit, closestT
}

// GetRegion returns copies of the quads overlapping the box going from min to
// max, ordered by insertion.
func (p *TreePartition) GetRegion(min geom.Vector3f, max geom.Vector3f) []*Quad {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	region := geom.NewAABB(min, max)

	var ids []uint32
	for id := range p.tree.Query(region) {
		// Stored bounds can be larger than the quad after a merge shrank it.
		if geom.Overlaps(p.quads[id].Bounds(), region) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	quads := make([]*Quad, len(ids))
	for i, id := range ids {
		q := *p.quads[id]
		quads[i] = &q
	}

	instrumentQueryResults(regionQuery, len(quads))
	return quads
}

func (p *TreePartition) GetDebugInfo() SpatialDebugInfo {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	info := SpatialDebugInfo{
		PlaneCount: uint32(len(p.quads)),
		MergeCount: p.mergeCount,
		Height:     uint32(p.tree.Height()),
	}

	nodes := p.tree.Nodes()
	if len(nodes) == 0 {
		return info
	}

	byIndex := make(map[bvh.NodeIndex]bvh.NodeView, len(nodes))
	for _, n := range nodes {
		byIndex[n.Index] = n
	}

	root := byIndex[p.tree.Root()]
	info.Min = root.Bounds.Min
	info.Max = root.Bounds.Max
	info.LeavesPerLevel = make([]uint32, info.Height+1)

	type entry struct {
		index bvh.NodeIndex
		depth int
	}
	stack := []entry{{index: root.Index}}
	for len(stack) != 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := byIndex[e.index]
		if n.Kind == bvh.KindLeaf {
			info.LeavesPerLevel[e.depth]++
			continue
		}
		stack = append(stack,
			entry{index: n.Left, depth: e.depth + 1},
			entry{index: n.Right, depth: e.depth + 1},
		)
	}
	return info
}

// Nodes returns the nodes of the underlying tree for debug drawing.
func (p *TreePartition) Nodes() []bvh.NodeView {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.tree.Nodes()
}

// Stats returns the underlying tree statistics.
func (p *TreePartition) Stats() bvh.Stats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.tree.Stats()
}
