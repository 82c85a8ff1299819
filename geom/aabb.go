package geom

import "math"

// AABB is an axis-aligned bounding box defined by its min and max corners.
//
// Boxes with Min > Max on any axis are degenerate. Operations on them are
// undefined; use IsValid before handing a box to code that depends on it.
type AABB struct {
	Min Vector3f `json:"min"`
	Max Vector3f `json:"max"`
}

func NewAABB(min, max Vector3f) AABB {
	return AABB{Min: min, Max: max}
}

// NewAABBFromCenter returns the box centered on c with the given half-extents.
func NewAABBFromCenter(c Vector3f, halfExtents Vector3f) AABB {
	return AABB{
		Min: Sub(c, halfExtents),
		Max: Add(c, halfExtents),
	}
}

// IsValid reports whether the box coordinates are finite and Min <= Max on
// every axis.
func (a AABB) IsValid() bool {
	return finite(a.Min) && finite(a.Max) &&
		a.Min.x <= a.Max.x && a.Min.y <= a.Max.y && a.Min.z <= a.Max.z
}

// NaN fails the subtraction check as well as infinities do.
func finite(v Vector3f) bool {
	return v.x-v.x == 0 && v.y-v.y == 0 && v.z-v.z == 0
}

// Center returns the box origin.
func (a AABB) Center() Vector3f {
	return Mul(Add(a.Min, a.Max), 0.5)
}

// Extents returns the box half-size.
func (a AABB) Extents() Vector3f {
	return Mul(Sub(a.Max, a.Min), 0.5)
}

// SurfaceArea is only used as an insertion cost, it is never compared to
// anything but other surface areas.
func (a AABB) SurfaceArea() float32 {
	dx := a.Max.x - a.Min.x
	dy := a.Max.y - a.Min.y
	dz := a.Max.z - a.Min.z
	return 2 * (dx*dy + dy*dz + dz*dx)
}

// Extend grows the box to include p.
func (a *AABB) Extend(p Vector3f) {
	a.Min = Min(a.Min, p)
	a.Max = Max(a.Max, p)
}

func Merge(a, b AABB) AABB {
	return AABB{
		Min: Min(a.Min, b.Min),
		Max: Max(a.Max, b.Max),
	}
}

// Overlaps reports whether a and b intersect on all three axes. Touching
// faces count as an overlap.
func Overlaps(a, b AABB) bool {
	if a.Max.x < b.Min.x || a.Min.x > b.Max.x {
		return false
	}
	if a.Max.y < b.Min.y || a.Min.y > b.Max.y {
		return false
	}
	if a.Max.z < b.Min.z || a.Min.z > b.Max.z {
		return false
	}
	return true
}

// Contains reports whether b lies entirely inside a.
func Contains(a, b AABB) bool {
	return a.Min.LesserOrEqualThan(b.Min) && b.Max.LesserOrEqualThan(a.Max)
}

// IntersectRay clips the ray segment against the box with the slab method.
// It returns the entry parameter in [0, tMax] when the segment hits the box.
func (a AABB) IntersectRay(r Ray, tMax float32) (float32, bool) {
	dir := Sub(r.To, r.From)

	tMin := float32(0)
	origin := [3]float32{r.From.x, r.From.y, r.From.z}
	d := [3]float32{dir.x, dir.y, dir.z}
	lo := [3]float32{a.Min.x, a.Min.y, a.Min.z}
	hi := [3]float32{a.Max.x, a.Max.y, a.Max.z}

	for i := 0; i < 3; i++ {
		if d[i] == 0 {
			if origin[i] < lo[i] || origin[i] > hi[i] {
				return -1, false
			}
			continue
		}

		inv := 1 / d[i]
		t1 := (lo[i] - origin[i]) * inv
		t2 := (hi[i] - origin[i]) * inv
		if t1 > t2 {
			t1, t2 = t2, t1
		}

		tMin = float32(math.Max(float64(tMin), float64(t1)))
		tMax = float32(math.Min(float64(tMax), float64(t2)))
		if tMin > tMax {
			return -1, false
		}
	}

	return tMin, true
}

// Ray is a segment going from From to To. Hit parameters are expressed in
// [0..1] along the segment.
type Ray struct {
	From Vector3f
	To   Vector3f
}

// PointAt returns the point at parameter t along the ray.
func (r Ray) PointAt(t float32) Vector3f {
	return Add(r.From, Mul(Sub(r.To, r.From), t))
}

// Bounds returns the box enclosing the segment up to parameter t.
func (r Ray) Bounds(t float32) AABB {
	end := r.PointAt(t)
	return AABB{
		Min: Min(r.From, end),
		Max: Max(r.From, end),
	}
}
