package models

import (
	"iter"
	"slices"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/hagall-bvh/bvh"
	"github.com/aukilabs/hagall-bvh/geom"
)

// Default half size of the box indexed around an entity position, in meters.
const DefaultEntityHalfExtent = 0.5

// SpatialConfig describes how the entities of a session are indexed.
type SpatialConfig struct {
	// The half size of the box indexed around each entity. Pose updates
	// that stay inside the box do not change the index.
	EntityHalfExtent float32

	// The options of the session tree.
	TreeOptions []bvh.Option
}

func (c SpatialConfig) halfExtent() float32 {
	if c.EntityHalfExtent <= 0 {
		return DefaultEntityHalfExtent
	}
	return c.EntityHalfExtent
}

// EntityIndex is a bounding volume hierarchy over the entities of a session,
// keyed by entity id. It is safe for concurrent use.
type EntityIndex struct {
	halfExtent float32

	mutex  sync.RWMutex
	tree   *bvh.Tree[uint32]
	closed bool
}

func NewEntityIndex(c SpatialConfig) *EntityIndex {
	return &EntityIndex{
		halfExtent: c.halfExtent(),
		tree:       bvh.New[uint32](c.TreeOptions...),
	}
}

// Add indexes the entity with the given id at the given pose.
func (i *EntityIndex) Add(id uint32, p Pose) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if err := i.tree.Insert(id, p.Bounds(i.halfExtent)); err != nil {
		return i.fail(err)
	}

	instrumentSpatialIndexOperation(insertOp)
	if !i.closed {
		instrumentSpatialIndexLeaves(1)
	}
	return nil
}

func (i *EntityIndex) Remove(id uint32) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if err := i.tree.Remove(id); err != nil {
		return i.fail(err)
	}

	instrumentSpatialIndexOperation(removeOp)
	if !i.closed {
		instrumentSpatialIndexLeaves(-1)
	}
	return nil
}

// Move updates the pose of an indexed entity. An entity whose position stays
// in its indexed box keeps that box. Otherwise it is reinserted with a new box
// centered on its position. Move reports whether the entity was reinserted.
func (i *EntityIndex) Move(id uint32, p Pose) (bool, error) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	box := p.Bounds(i.halfExtent)
	if stored, ok := i.tree.Bounds(id); ok && geom.Contains(stored, p.Bounds(0)) {
		box = p.Bounds(0)
	}

	moved, err := i.tree.Update(id, box)
	if err != nil {
		return false, i.fail(err)
	}

	if moved {
		instrumentSpatialIndexOperation(reinsertOp)
	} else {
		instrumentSpatialIndexOperation(updateOp)
	}
	return moved, nil
}

// Nearby returns the ids of the entities whose box overlaps the cube of
// half size radius centered on p, except id. Ids are sorted.
func (i *EntityIndex) Nearby(id uint32, p Pose, radius float32) []uint32 {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return sortedIDs(i.tree.QueryOverlaps(id, p.Bounds(radius)))
}

// InRegion returns the sorted ids of the entities whose box overlaps box.
func (i *EntityIndex) InRegion(box geom.AABB) []uint32 {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return sortedIDs(i.tree.Query(box))
}

func (i *EntityIndex) Len() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return i.tree.Len()
}

func (i *EntityIndex) Stats() bvh.Stats {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return i.tree.Stats()
}

func (i *EntityIndex) Nodes() []bvh.NodeView {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return i.tree.Nodes()
}

func (i *EntityIndex) Validate() error {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return i.tree.Validate()
}

// Close stops reporting the indexed entities in the leaves gauge. The index
// remains usable.
func (i *EntityIndex) Close() {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.closed {
		return
	}
	i.closed = true
	instrumentSpatialIndexLeaves(-i.tree.Len())
}

func (i *EntityIndex) fail(err error) error {
	instrumentSpatialIndexError(errors.Type(err))
	return err
}

func sortedIDs(seq iter.Seq[uint32]) []uint32 {
	ids := slices.Collect(seq)
	slices.Sort(ids)
	return ids
}
