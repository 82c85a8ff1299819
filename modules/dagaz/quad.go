package dagaz

import (
	"github.com/aukilabs/hagall-bvh/geom"
	"github.com/aukilabs/hagall-common/messages/dagazpb"
)

// Tolerance used when checking that a ray hit lies inside a quad.
const hitEpsilon = 0.0001

type Quad struct {
	Center  geom.Vector3f
	Extents geom.Vector3f // Half-Extents!

	// implicit
	Normal geom.Vector3f

	MergeCount uint32
}

func NewQuad(center, extents geom.Vector3f) Quad {
	return Quad{
		Center:  center,
		Extents: extents,
		Normal:  calculateNormal(center, extents),
	}
}

func NewQuadFromProtobuf(protoQuad *dagazpb.Quad) Quad {
	q := NewQuad(
		geom.NewVector3fFromProtobuf(protoQuad.GetCenter()),
		geom.NewVector3fFromProtobuf(protoQuad.GetExtents()),
	)
	q.MergeCount = protoQuad.GetMergeCount()
	return q
}

func (q Quad) ToProtobuf() *dagazpb.Quad {
	return &dagazpb.Quad{
		Center:     q.Center.ToProtobuf(),
		Extents:    q.Extents.ToProtobuf(),
		MergeCount: q.MergeCount,
	}
}

// Bounds returns the box spanned by the quad. Horizontal quads give boxes
// that are flat on y.
func (q Quad) Bounds() geom.AABB {
	return geom.NewAABBFromCenter(q.Center, q.Extents)
}

// mergeInto moves q a fifth of the way toward sample.
func (q *Quad) mergeInto(sample Quad) {
	q.Center.Add(geom.Mul(geom.Sub(sample.Center, q.Center), 0.2))
	q.Extents.Add(geom.Mul(geom.Sub(sample.Extents, q.Extents), 0.2))
	q.Normal = calculateNormal(q.Center, q.Extents)
	q.MergeCount++
}

func doHorizontalPlanesOverlap(a Quad, b Quad) bool {
	minA := geom.Sub(a.Center, a.Extents)
	maxA := geom.Add(a.Center, a.Extents)
	minB := geom.Sub(b.Center, b.Extents)
	maxB := geom.Add(b.Center, b.Extents)

	if minA.X() >= maxB.X() || maxA.X() <= minB.X() {
		return false
	}
	if minA.Z() >= maxB.Z() || maxA.Z() <= minB.Z() {
		return false
	}
	return true
}

func calculateNormal(c geom.Vector3f, e geom.Vector3f) geom.Vector3f {
	vectorA := geom.NewVector3f(e.X(), e.Y(), 0)
	vectorB := geom.NewVector3f(0, e.Y(), e.Z())
	normal := geom.Cross(vectorB, vectorA)
	normal.NormalizeInPlace()
	return normal
}

func NewRayFromProtobuf(protoRay *dagazpb.Ray) geom.Ray {
	return geom.Ray{
		From: geom.NewVector3fFromProtobuf(protoRay.GetFrom()),
		To:   geom.NewVector3fFromProtobuf(protoRay.GetTo()),
	}
}

// IntersectQuad returns whether the segment r crosses q and the hit
// parameter along r.
func IntersectQuad(r geom.Ray, q Quad) (bool, float32) {
	rayDir := geom.Sub(r.To, r.From)

	denominator := q.Normal.Dot(rayDir)
	if denominator == 0 {
		return false, -1
	}

	t := (q.Normal.Dot(q.Center) - q.Normal.Dot(r.From)) / denominator
	if t < 0 || t > 1 {
		return false, -1
	}

	hitPoint := r.PointAt(t)
	minPoint := geom.Sub(q.Center, q.Extents)
	maxPoint := geom.Add(q.Center, q.Extents)
	if geom.InRangeWithEpsilon(hitPoint.X(), minPoint.X(), maxPoint.X(), hitEpsilon) &&
		geom.InRangeWithEpsilon(hitPoint.Y(), minPoint.Y(), maxPoint.Y(), hitEpsilon) &&
		geom.InRangeWithEpsilon(hitPoint.Z(), minPoint.Z(), maxPoint.Z(), hitEpsilon) {
		return true, t
	}
	return false, -1
}
