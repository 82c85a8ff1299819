package models

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-bvh/bvh"
	"github.com/aukilabs/hagall-bvh/geom"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/google/uuid"
)

// PoseChange describes what a pose update did to the session entity index.
type PoseChange int

const (
	// The entity is not part of the session, only its pose was set.
	PoseUnindexed PoseChange = iota

	// The indexed box of the entity still holds its position.
	PoseKept

	// The entity was reinserted with a box around its new position.
	PoseReinserted
)

func (c PoseChange) String() string {
	switch c {
	case PoseKept:
		return "kept"
	case PoseReinserted:
		return "reinserted"
	default:
		return "unindexed"
	}
}

// Session is a shared space where participants place entities. Entities are
// indexed by position so that messages can be relayed by proximity.
type Session struct {
	ID          uint32
	SessionUUID string
	AppKey      string

	participantIDs   SequentialIDGenerator
	participantMutex sync.RWMutex
	participants     map[uint32]*Participant

	// entityMutex guards entities and is always taken before the index
	// lock.
	entityIDs   SequentialIDGenerator
	entityMutex sync.RWMutex
	entities    map[uint32]*Entity
	index       *EntityIndex

	moduleMutex  sync.Mutex
	moduleStates map[string]any

	frames    *frameDispatcher
	closeOnce sync.Once
}

func NewSession(id uint32, frameDuration time.Duration, spatial SpatialConfig) *Session {
	return &Session{
		ID:           id,
		SessionUUID:  uuid.NewString(),
		participants: make(map[uint32]*Participant),
		entities:     make(map[uint32]*Entity),
		index:        NewEntityIndex(spatial),
		moduleStates: make(map[string]any),
		frames:       newFrameDispatcher(frameDuration),
	}
}

// Close stops the frame dispatch. It can be called more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.frames.stop()
		s.index.Close()
	})
}

func (s *Session) NewParticipantID() uint32 {
	return s.participantIDs.New()
}

func (s *Session) AddParticipant(p *Participant) {
	s.participantMutex.Lock()
	defer s.participantMutex.Unlock()

	s.participants[p.ID] = p
}

func (s *Session) RemoveParticipant(p *Participant) {
	s.participantMutex.Lock()
	defer s.participantMutex.Unlock()

	delete(s.participants, p.ID)
}

// Participants returns the session participants sorted by id.
func (s *Session) Participants() []*Participant {
	s.participantMutex.RLock()
	defer s.participantMutex.RUnlock()

	return sortedByID(s.participants, func(p *Participant) uint32 { return p.ID })
}

func (s *Session) ParticipantCount() int {
	s.participantMutex.RLock()
	defer s.participantMutex.RUnlock()

	return len(s.participants)
}

func (s *Session) NewEntityID() uint32 {
	return s.entityIDs.New()
}

// AddEntity adds the entity to the session and indexes it at its current
// pose. Index failures are logged: the entity stays in the session but is not
// found by spatial queries.
func (s *Session) AddEntity(e *Entity) {
	s.entityMutex.Lock()
	defer s.entityMutex.Unlock()

	s.entities[e.ID] = e
	if err := s.index.Add(e.ID, e.Pose()); err != nil {
		s.logIndexError(e, err)
	}
}

// RemoveEntity removes the entity from the session. Unknown entities are
// ignored.
func (s *Session) RemoveEntity(e *Entity) {
	s.entityMutex.Lock()
	defer s.entityMutex.Unlock()

	if s.entities[e.ID] != e {
		return
	}

	delete(s.entities, e.ID)
	if err := s.index.Remove(e.ID); err != nil {
		s.logIndexError(e, err)
	}
}

func (s *Session) logIndexError(e *Entity, err error) {
	logs.WithTag("session_uuid", s.SessionUUID).
		WithTag("entity_id", e.ID).
		Warn(err)
}

// SetEntityPose sets the entity pose and moves the entity in the index. The
// pose and the index are changed together so that concurrent updates of the
// same entity leave the index on the pose the entity ends up with.
func (s *Session) SetEntityPose(e *Entity, p Pose) (PoseChange, error) {
	s.entityMutex.Lock()
	defer s.entityMutex.Unlock()

	e.SetPose(p)
	if s.entities[e.ID] != e {
		return PoseUnindexed, nil
	}

	reinserted, err := s.index.Move(e.ID, p)
	switch {
	case err != nil:
		return PoseUnindexed, err
	case reinserted:
		return PoseReinserted, nil
	default:
		return PoseKept, nil
	}
}

// NearbyEntities returns the entities within radius of e, sorted by id. The
// entity itself is not returned.
func (s *Session) NearbyEntities(e *Entity, radius float32) []*Entity {
	s.entityMutex.RLock()
	defer s.entityMutex.RUnlock()

	return s.lookupEntities(s.index.Nearby(e.ID, e.Pose(), radius))
}

// EntitiesInRegion returns the entities overlapping box, sorted by id.
func (s *Session) EntitiesInRegion(box geom.AABB) []*Entity {
	s.entityMutex.RLock()
	defer s.entityMutex.RUnlock()

	return s.lookupEntities(s.index.InRegion(box))
}

func (s *Session) lookupEntities(ids []uint32) []*Entity {
	entities := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			entities = append(entities, e)
		}
	}
	return entities
}

func (s *Session) SpatialStats() bvh.Stats {
	return s.index.Stats()
}

func (s *Session) SpatialNodes() []bvh.NodeView {
	return s.index.Nodes()
}

func (s *Session) EntityByID(id uint32) (*Entity, bool) {
	s.entityMutex.RLock()
	defer s.entityMutex.RUnlock()

	e, ok := s.entities[id]
	return e, ok
}

// Entities returns the session entities sorted by id.
func (s *Session) Entities() []*Entity {
	s.entityMutex.RLock()
	defer s.entityMutex.RUnlock()

	return sortedByID(s.entities, func(e *Entity) uint32 { return e.ID })
}

// Broadcast sends the message to every participant but the sender and
// returns the number of recipients.
func (s *Session) Broadcast(sender *Participant, protoMsg hwebsocket.ProtoMsg) int {
	s.participantMutex.RLock()
	defer s.participantMutex.RUnlock()

	recipients := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		recipients = append(recipients, p)
	}
	return deliver(sender, protoMsg, recipients)
}

// BroadcastTo sends the message once to each of the given participants but
// the sender. Unknown ids are ignored. It returns the number of recipients.
func (s *Session) BroadcastTo(sender *Participant, protoMsg hwebsocket.ProtoMsg, participantIDs ...uint32) int {
	s.participantMutex.RLock()
	defer s.participantMutex.RUnlock()

	ids := slices.Clone(participantIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	recipients := make([]*Participant, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.participants[id]; ok {
			recipients = append(recipients, p)
		}
	}
	return deliver(sender, protoMsg, recipients)
}

// BroadcastNearby sends the message to the owners of the entities within
// radius of e, except the sender. It returns the number of recipients.
func (s *Session) BroadcastNearby(sender *Participant, e *Entity, radius float32, protoMsg hwebsocket.ProtoMsg) int {
	nearby := s.NearbyEntities(e, radius)
	if len(nearby) == 0 {
		return 0
	}

	owners := make([]uint32, len(nearby))
	for i, n := range nearby {
		owners[i] = n.ParticipantID
	}
	return s.BroadcastTo(sender, protoMsg, owners...)
}

func deliver(sender *Participant, protoMsg hwebsocket.ProtoMsg, recipients []*Participant) int {
	msg, err := hwebsocket.MsgFromProto(protoMsg)
	if err != nil {
		logs.WithTag("message", protoMsg).Debug(err)
		return 0
	}

	var n int
	for _, p := range recipients {
		if p == sender {
			continue
		}
		p.Responder.SendMsg(msg)
		n++
	}
	return n
}

func (s *Session) SetModuleState(moduleName string, state any) {
	s.moduleMutex.Lock()
	defer s.moduleMutex.Unlock()

	s.moduleStates[moduleName] = state
}

func (s *Session) ModuleState(moduleName string) (any, bool) {
	s.moduleMutex.Lock()
	defer s.moduleMutex.Unlock()

	state, ok := s.moduleStates[moduleName]
	return state, ok
}

// ModuleStateOrInit returns the state of the given module, creating it with
// init when the module has no state yet.
func (s *Session) ModuleStateOrInit(moduleName string, init func() any) any {
	s.moduleMutex.Lock()
	defer s.moduleMutex.Unlock()

	state, ok := s.moduleStates[moduleName]
	if !ok {
		state = init()
		s.moduleStates[moduleName] = state
	}
	return state
}

// HandleFrame registers h to be called at the end of each session frame.
// Calling cancel unregisters it.
func (s *Session) HandleFrame(h func()) (cancel func()) {
	return s.frames.add(h)
}

// StartDispatchFrames calls the frame handlers at each frame until the
// session is closed. Only the first call dispatches frames.
func (s *Session) StartDispatchFrames() {
	s.frames.run()
}

func sortedByID[T any](m map[uint32]T, id func(T) uint32) []T {
	res := make([]T, 0, len(m))
	for _, v := range m {
		res = append(res, v)
	}
	slices.SortFunc(res, func(a, b T) int {
		return cmp.Compare(id(a), id(b))
	})
	return res
}
