package geom

import (
	"math"

	"github.com/aukilabs/hagall-common/messages/dagazpb"
	"github.com/segmentio/encoding/json"
)

// EqualWithEpsilon reports whether a and b are at most epsilon apart.
func EqualWithEpsilon(a, b float32, epsilon float64) bool {
	return math.Abs(float64(a-b)) <= epsilon
}

// InRangeWithEpsilon reports whether v lies in [lo, hi] widened by epsilon on
// both ends.
func InRangeWithEpsilon(v, lo, hi, epsilon float32) bool {
	return v+epsilon >= lo && v-epsilon <= hi
}

// Vector3f is a point or a direction in meters. Y is up.
type Vector3f struct {
	x, y, z float32
}

func NewVector3f(x, y, z float32) Vector3f {
	return Vector3f{x: x, y: y, z: z}
}

func (v Vector3f) X() float32 { return v.x }
func (v Vector3f) Y() float32 { return v.y }
func (v Vector3f) Z() float32 { return v.z }

func (v Vector3f) Equal(o Vector3f) bool {
	return v == o
}

func (v Vector3f) EqualWithEpsilon(o Vector3f, epsilon float64) bool {
	return EqualWithEpsilon(v.x, o.x, epsilon) &&
		EqualWithEpsilon(v.y, o.y, epsilon) &&
		EqualWithEpsilon(v.z, o.z, epsilon)
}

// GreaterOrEqualThan reports whether every component of v is >= the one of o.
func (v Vector3f) GreaterOrEqualThan(o Vector3f) bool {
	return o.LesserOrEqualThan(v)
}

// LesserOrEqualThan reports whether every component of v is <= the one of o.
func (v Vector3f) LesserOrEqualThan(o Vector3f) bool {
	return v.x <= o.x && v.y <= o.y && v.z <= o.z
}

// Add moves v by o in place.
func (v *Vector3f) Add(o Vector3f) {
	*v = Add(*v, o)
}

func Add(a, b Vector3f) Vector3f {
	return NewVector3f(a.x+b.x, a.y+b.y, a.z+b.z)
}

func Sub(a, b Vector3f) Vector3f {
	return NewVector3f(a.x-b.x, a.y-b.y, a.z-b.z)
}

func Mul(v Vector3f, s float32) Vector3f {
	return NewVector3f(v.x*s, v.y*s, v.z*s)
}

// Min returns the componentwise minimum of a and b.
func Min(a, b Vector3f) Vector3f {
	return NewVector3f(min(a.x, b.x), min(a.y, b.y), min(a.z, b.z))
}

// Max returns the componentwise maximum of a and b.
func Max(a, b Vector3f) Vector3f {
	return NewVector3f(max(a.x, b.x), max(a.y, b.y), max(a.z, b.z))
}

func (v Vector3f) Dot(o Vector3f) float32 {
	return v.x*o.x + v.y*o.y + v.z*o.z
}

func Cross(a, b Vector3f) Vector3f {
	return NewVector3f(
		a.y*b.z-a.z*b.y,
		a.z*b.x-a.x*b.z,
		a.x*b.y-a.y*b.x,
	)
}

func (v Vector3f) Length() float64 {
	return math.Sqrt(float64(v.Dot(v)))
}

// NormalizeInPlace scales v to unit length. The zero vector stays zero.
func (v *Vector3f) NormalizeInPlace() {
	if l := float32(v.Length()); l != 0 {
		*v = NewVector3f(v.x/l, v.y/l, v.z/l)
	}
}

// NewVector3fFromProtobuf returns the zero vector for a nil point.
func NewVector3fFromProtobuf(p *dagazpb.Point) Vector3f {
	return NewVector3f(p.GetX(), p.GetY(), p.GetZ())
}

func (v Vector3f) ToProtobuf() *dagazpb.Point {
	return &dagazpb.Point{X: v.x, Y: v.y, Z: v.z}
}

// MarshalJSON encodes the vector as an [x, y, z] array.
func (v Vector3f) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float32{v.x, v.y, v.z})
}

func (v *Vector3f) UnmarshalJSON(b []byte) error {
	var a [3]float32
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*v = NewVector3f(a[0], a[1], a[2])
	return nil
}
