package models

import (
	"sync"

	"github.com/aukilabs/hagall-bvh/geom"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
)

// Entity is an object a participant placed in a session. Its pose is the
// only field that changes after the entity is added.
type Entity struct {
	ID            uint32
	ParticipantID uint32
	Persist       bool
	Flag          hagallpb.EntityFlag

	mutex sync.RWMutex
	pose  Pose
}

func (e *Entity) SetPose(p Pose) {
	e.mutex.Lock()
	e.pose = p
	e.mutex.Unlock()
}

func (e *Entity) Pose() Pose {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.pose
}

func (e *Entity) ToProtobuf() *hagallpb.Entity {
	return &hagallpb.Entity{
		Id:            e.ID,
		ParticipantId: e.ParticipantID,
		Pose:          e.Pose().ToProtobuf(),
		Flag:          e.Flag,
	}
}

func EntitiesToProtobuf(entities []*Entity) []*hagallpb.Entity {
	res := make([]*hagallpb.Entity, 0, len(entities))
	for _, e := range entities {
		res = append(res, e.ToProtobuf())
	}
	return res
}

// Rotation is a quaternion. The index ignores it: entity boxes are cubes
// around the position.
type Rotation struct {
	X, Y, Z, W float32
}

var IdentityRotation = Rotation{W: 1}

type Pose struct {
	Position geom.Vector3f
	Rotation Rotation
}

// PoseAt returns the unrotated pose at the given position.
func PoseAt(x, y, z float32) Pose {
	return Pose{
		Position: geom.NewVector3f(x, y, z),
		Rotation: IdentityRotation,
	}
}

// PoseFromProtobuf returns the pose described by p. A nil pose gives the
// zero pose.
func PoseFromProtobuf(p *hagallpb.Pose) Pose {
	return Pose{
		Position: geom.NewVector3f(p.GetPx(), p.GetPy(), p.GetPz()),
		Rotation: Rotation{X: p.GetRx(), Y: p.GetRy(), Z: p.GetRz(), W: p.GetRw()},
	}
}

func (p Pose) ToProtobuf() *hagallpb.Pose {
	return &hagallpb.Pose{
		Px: p.Position.X(),
		Py: p.Position.Y(),
		Pz: p.Position.Z(),
		Rx: p.Rotation.X,
		Ry: p.Rotation.Y,
		Rz: p.Rotation.Z,
		Rw: p.Rotation.W,
	}
}

// Bounds returns the cube of the given half size centered on the pose
// position.
func (p Pose) Bounds(halfSize float32) geom.AABB {
	return geom.NewAABBFromCenter(p.Position, geom.NewVector3f(halfSize, halfSize, halfSize))
}
