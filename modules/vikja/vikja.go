package vikja

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/hagall-bvh/featureflag"
	"github.com/aukilabs/hagall-bvh/models"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	"github.com/aukilabs/hagall-common/messages/vikjapb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const ModuleName = "vikja"

// Module relays the actions participants perform on entities, such as an
// animation being played, and keeps the latest of each so that joining
// participants can catch up.
type Module struct {
	// With FlagSpatialInterestBroadcast set, actions only reach the owners
	// of the entities within InterestRadius of the acted upon entity.
	FeatureFlags   featureflag.FeatureFlag
	InterestRadius float32

	session     *models.Session
	participant *models.Participant
	state       *State
}

func (m *Module) Name() string {
	return ModuleName
}

func (m *Module) Init(s *models.Session, p *models.Participant) {
	m.session = s
	m.participant = p
	m.state = s.ModuleStateOrInit(m.Name(), func() any {
		return &State{}
	}).(*State)
}

func (m *Module) HandleMsg(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	if m.state == nil {
		return errors.New("session not joined").
			WithType(hwebsocket.ErrTypeSessionNotJoined).
			WithTag("msg_type", msg.TypeString())
	}

	switch msg.Type {
	case hagallpb.MsgType_MSG_TYPE_PARTICIPANT_JOIN_REQUEST:
		respond.Send(&vikjapb.State{
			Type:          vikjapb.MsgType_MSG_TYPE_VIKJA_STATE,
			Timestamp:     timestamppb.Now(),
			EntityActions: m.state.Actions(),
		})
		return nil

	case hagallpb.MsgType_MSG_TYPE_ENTITY_DELETE_REQUEST:
		return m.handleEntityDelete(msg)
	}

	if vikjapb.MsgType(msg.Type.Number()) == vikjapb.MsgType_MSG_TYPE_VIKJA_ENTITY_ACTION_REQUEST {
		return m.handleEntityAction(respond, msg)
	}
	return hwebsocket.ErrModuleMsgSkip
}

// HandleDisconnect forgets the actions of the entities that leave the
// session with the participant.
func (m *Module) HandleDisconnect() {
	if m.participant == nil {
		return
	}

	for _, id := range m.participant.EntityIDs() {
		if e, ok := m.session.EntityByID(id); !ok || !e.Persist {
			m.state.Forget(id)
		}
	}

	m.session = nil
	m.participant = nil
	m.state = nil
}

// The core handler runs first: the entity is already gone when the delete
// succeeded.
func (m *Module) handleEntityDelete(msg hwebsocket.Msg) error {
	var req hagallpb.EntityDeleteRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if _, ok := m.session.EntityByID(req.EntityId); !ok {
		m.state.Forget(req.EntityId)
	}
	return nil
}

func (m *Module) handleEntityAction(respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req vikjapb.EntityActionRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	ea := req.EntityAction
	if ea == nil || ea.Name == "" || ea.Timestamp == nil {
		respondBadRequest(respond, req.RequestId)
		return nil
	}

	entity, ok := m.session.EntityByID(ea.EntityId)
	if !ok || !m.state.Record(ea) {
		respondBadRequest(respond, req.RequestId)
		return nil
	}

	now := timestamppb.Now()
	respond.Send(&vikjapb.EntityActionResponse{
		Type:      vikjapb.MsgType_MSG_TYPE_VIKJA_ENTITY_ACTION_RESPONSE,
		Timestamp: now,
		RequestId: req.RequestId,
	})

	broadcast := &vikjapb.EntityActionBroadcast{
		Type:            vikjapb.MsgType_MSG_TYPE_VIKJA_ENTITY_ACTION_BROADCAST,
		Timestamp:       now,
		OriginTimestamp: req.Timestamp,
		EntityAction:    ea,
	}
	if m.FeatureFlags.IsSet(featureflag.FlagSpatialInterestBroadcast) {
		m.session.BroadcastNearby(m.participant, entity, m.InterestRadius, broadcast)
		return nil
	}
	m.session.Broadcast(m.participant, broadcast)
	return nil
}

func respondBadRequest(respond hwebsocket.ResponseSender, requestID uint32) {
	respond.Send(&hagallpb.ErrorResponse{
		Type:      hagallpb.MsgType_MSG_TYPE_ERROR_RESPONSE,
		Timestamp: timestamppb.Now(),
		RequestId: requestID,
		Code:      hagallpb.ErrorCode_ERROR_CODE_BAD_REQUEST,
	})
}
