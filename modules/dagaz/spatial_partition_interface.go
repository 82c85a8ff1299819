package dagaz

import (
	"github.com/aukilabs/hagall-bvh/bvh"
	"github.com/aukilabs/hagall-bvh/geom"
)

type SpatialDebugInfo struct {
	PlaneCount uint32
	MergeCount uint32
	Min        geom.Vector3f
	Max        geom.Vector3f
	Height     uint32

	// Number of leaves at each depth of the tree, root first.
	LeavesPerLevel []uint32
}

type SpatialPartition interface {
	InsertQuad(q Quad) error
	IntersectQuad(r geom.Ray) (*Quad, float32)
	GetRegion(min geom.Vector3f, max geom.Vector3f) []*Quad

	// debug stuff:
	GetDebugInfo() SpatialDebugInfo
	Nodes() []bvh.NodeView
	Stats() bvh.Stats
}
