package models

import (
	"slices"
	"sync"

	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
)

// Participant is a client that joined a session. Messages for the client go
// through its Responder.
type Participant struct {
	ID        uint32
	Responder hwebsocket.ResponseSender

	mutex sync.Mutex
	owned map[uint32]struct{}
}

// AddEntity records e as owned by the participant.
func (p *Participant) AddEntity(e *Entity) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.owned == nil {
		p.owned = make(map[uint32]struct{})
	}
	p.owned[e.ID] = struct{}{}
}

func (p *Participant) RemoveEntity(e *Entity) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	delete(p.owned, e.ID)
}

// EntityIDs returns the sorted ids of the entities owned by the participant.
func (p *Participant) EntityIDs() []uint32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	ids := make([]uint32, 0, len(p.owned))
	for id := range p.owned {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Participant) ToProtobuf() *hagallpb.Participant {
	return &hagallpb.Participant{Id: p.ID}
}

func ParticipantsToProtobuf(participants []*Participant) []*hagallpb.Participant {
	res := make([]*hagallpb.Participant, 0, len(participants))
	for _, p := range participants {
		res = append(res, p.ToProtobuf())
	}
	return res
}
