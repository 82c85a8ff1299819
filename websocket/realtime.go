package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-bvh/featureflag"
	"github.com/aukilabs/hagall-bvh/models"
	"github.com/aukilabs/hagall-bvh/modules"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"golang.org/x/net/websocket"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Options configures the handler of a client connection.
type Options struct {
	// The interval between each sync clock message sent to the client.
	SyncClockInterval time.Duration

	// The time a client can stay silent before being disconnected.
	IdleTimeout time.Duration

	// The frame duration of the sessions created by the client.
	FrameDuration time.Duration

	Sessions *models.SessionStore

	// The modules handling the messages of the connection. Modules keep
	// per connection state and must not be shared between connections.
	Modules []modules.Module

	FeatureFlags featureflag.FeatureFlag

	// How the entities of the sessions created by the client are indexed.
	Spatial models.SpatialConfig

	// The distance around a moved entity whose owners receive its pose
	// updates when FlagSpatialInterestBroadcast is set.
	InterestRadius float32
}

// RealtimeHandler relays the actions of a client to the other participants
// of its session.
type RealtimeHandler struct {
	opts Options

	conn   *websocket.Conn
	client string
	appKey string

	membership        Membership
	stopFrameHandling func()
}

func NewRealtimeHandler(opts Options) *RealtimeHandler {
	return &RealtimeHandler{opts: opts}
}

func (h *RealtimeHandler) Options() Options {
	return h.opts
}

func (h *RealtimeHandler) Membership() Membership {
	return h.membership
}

func (h *RealtimeHandler) ClientID() string {
	return h.client
}

func (h *RealtimeHandler) HandleConnect(conn *websocket.Conn) {
	req := conn.Request()
	h.client = req.Header.Get(httpcmn.HeaderPosemeshClientID)
	h.appKey = httpcmn.GetAppKeyFromHagallUserToken(httpcmn.GetUserTokenFromHTTPRequest(req))
	h.conn = conn
}

func (h *RealtimeHandler) HandleDisconnect(error) {
	h.leaveSession()
}

func (h *RealtimeHandler) HandlePing(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req hagallpb.Request
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	respond.Send(&hagallpb.Response{
		Type:      hagallpb.MsgType_MSG_TYPE_PING_RESPONSE,
		Timestamp: timestamppb.Now(),
		RequestId: req.RequestId,
	})
	return nil
}

func (h *RealtimeHandler) HandleParticipantJoin(ctx context.Context, handleFrame func(), respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req hagallpb.ParticipantJoinRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if h.membership.Joined() && h.membership.SessionID == req.SessionId {
		respondError(respond, req.RequestId, hagallpb.ErrorCode_ERROR_CODE_SESSION_ALREADY_JOINED)
		return nil
	}
	h.leaveSession()

	session, err := h.findOrCreateSession(ctx, req.SessionId)
	if err != nil {
		logs.WithClientID(h.client).
			WithTag(logs.SessionIDTag, req.SessionId).
			Warn(err)

		code := hagallpb.ErrorCode_ERROR_CODE_INTERNAL_SERVER_ERROR
		if errors.IsType(err, errTypeSessionNotFound) {
			code = hagallpb.ErrorCode_ERROR_CODE_NOT_FOUND
		}
		respondError(respond, req.RequestId, code)
		return nil
	}

	participant := &models.Participant{
		ID:        session.NewParticipantID(),
		Responder: respond,
	}
	session.AddParticipant(participant)
	h.stopFrameHandling = session.HandleFrame(handleFrame)

	h.membership = Membership{
		SessionID:   h.opts.Sessions.GlobalSessionID(session.ID),
		Session:     session,
		Participant: participant,
	}

	respond.Send(&hagallpb.ParticipantJoinResponse{
		Type:          hagallpb.MsgType_MSG_TYPE_PARTICIPANT_JOIN_RESPONSE,
		Timestamp:     timestamppb.Now(),
		RequestId:     req.RequestId,
		SessionId:     h.membership.SessionID,
		SessionUuid:   session.SessionUUID,
		ParticipantId: participant.ID,
	})

	flags := h.opts.FeatureFlags
	flags.IfNotSet(featureflag.FlagDisableSessionState, func() {
		respond.Send(&hagallpb.SessionState{
			Type:         hagallpb.MsgType_MSG_TYPE_SESSION_STATE,
			Timestamp:    timestamppb.Now(),
			Participants: models.ParticipantsToProtobuf(session.Participants()),
			Entities:     models.EntitiesToProtobuf(session.Entities()),
		})
	})
	flags.IfNotSet(featureflag.FlagDisableParticipantJoinBroadcast, func() {
		session.Broadcast(participant, &hagallpb.ParticipantJoinBroadcast{
			Type:            hagallpb.MsgType_MSG_TYPE_PARTICIPANT_JOIN_BROADCAST,
			Timestamp:       timestamppb.Now(),
			OriginTimestamp: req.Timestamp,
			ParticipantId:   participant.ID,
		})
	})

	for _, m := range h.opts.Modules {
		m.Init(session, participant)
	}
	return nil
}

const errTypeSessionNotFound = "session_not_found"

// findOrCreateSession returns the session with the given global id. An empty
// id creates a new session.
func (h *RealtimeHandler) findOrCreateSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		session, ok := h.opts.Sessions.GetByGlobalID(sessionID)
		if !ok {
			return nil, errors.New("session not found").
				WithType(errTypeSessionNotFound).
				WithTag(logs.SessionIDTag, sessionID)
		}
		return session, nil
	}

	session := models.NewSession(h.opts.Sessions.NewID(), h.opts.FrameDuration, h.opts.Spatial)
	session.AppKey = h.appKey
	if err := h.opts.Sessions.Add(ctx, session); err != nil {
		session.Close()
		return nil, errors.New("adding session failed").Wrap(err)
	}

	go session.StartDispatchFrames()
	return session, nil
}

func (h *RealtimeHandler) HandleEntityAdd(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req hagallpb.EntityAddRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	m, err := h.joined(msg)
	if err != nil {
		return err
	}

	entity := &models.Entity{
		ID:            m.Session.NewEntityID(),
		ParticipantID: m.Participant.ID,
		Persist:       req.Persist,
		Flag:          req.Flag,
	}
	entity.SetPose(models.PoseFromProtobuf(req.Pose))

	m.Session.AddEntity(entity)
	m.Participant.AddEntity(entity)

	now := timestamppb.Now()
	respond.Send(&hagallpb.EntityAddResponse{
		Type:      hagallpb.MsgType_MSG_TYPE_ENTITY_ADD_RESPONSE,
		Timestamp: now,
		RequestId: req.RequestId,
		EntityId:  entity.ID,
	})

	h.opts.FeatureFlags.IfNotSet(featureflag.FlagDisableEntityAddBroadcast, func() {
		m.Session.Broadcast(m.Participant, &hagallpb.EntityAddBroadcast{
			Type:            hagallpb.MsgType_MSG_TYPE_ENTITY_ADD_BROADCAST,
			Timestamp:       now,
			OriginTimestamp: req.Timestamp,
			Entity:          entity.ToProtobuf(),
		})
	})
	return nil
}

func (h *RealtimeHandler) HandleEntityDelete(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req hagallpb.EntityDeleteRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	m, err := h.joined(msg)
	if err != nil {
		return err
	}

	entity, ok := m.Session.EntityByID(req.EntityId)
	switch {
	case !ok:
		respondError(respond, req.RequestId, hagallpb.ErrorCode_ERROR_CODE_NOT_FOUND)
		return nil

	case entity.ParticipantID != m.Participant.ID:
		respondError(respond, req.RequestId, hagallpb.ErrorCode_ERROR_CODE_UNAUTHORIZED)
		return nil
	}

	m.Session.RemoveEntity(entity)
	m.Participant.RemoveEntity(entity)

	now := timestamppb.Now()
	respond.Send(&hagallpb.EntityDeleteResponse{
		Type:      hagallpb.MsgType_MSG_TYPE_ENTITY_DELETE_RESPONSE,
		Timestamp: now,
		RequestId: req.RequestId,
	})
	h.broadcastEntityDelete(m, entity, req.Timestamp)
	return nil
}

func (h *RealtimeHandler) HandleEntityUpdatePose(ctx context.Context, msg hwebsocket.Msg) (PoseRelay, error) {
	var update hagallpb.EntityUpdatePose
	if err := msg.DataTo(&update); err != nil {
		return PoseRelay{}, err
	}

	m, err := h.joined(msg)
	if err != nil {
		return PoseRelay{}, err
	}

	relay := PoseRelay{EntityID: update.EntityId}

	entity, ok := m.Session.EntityByID(update.EntityId)
	if !ok || entity.ParticipantID != m.Participant.ID {
		return relay, nil
	}

	relay.Change, err = m.Session.SetEntityPose(entity, models.PoseFromProtobuf(update.Pose))
	if err != nil {
		logs.WithClientID(h.client).
			WithTag(logs.SessionIDTag, m.SessionID).
			WithTag("entity_id", entity.ID).
			Warn(errors.New("indexing entity pose failed").Wrap(err))
	}

	flags := h.opts.FeatureFlags
	if flags.IsSet(featureflag.FlagDisableEntityUpdatePoseBroadcast) {
		return relay, nil
	}

	broadcast := &hagallpb.EntityUpdatePoseBroadcast{
		Type:            hagallpb.MsgType_MSG_TYPE_ENTITY_UPDATE_POSE_BROADCAST,
		Timestamp:       timestamppb.Now(),
		OriginTimestamp: update.Timestamp,
		EntityId:        entity.ID,
		Pose:            entity.Pose().ToProtobuf(),
	}

	relay.Relayed = true
	relay.Scoped = flags.IsSet(featureflag.FlagSpatialInterestBroadcast)
	if relay.Scoped {
		relay.Recipients = m.Session.BroadcastNearby(m.Participant, entity, h.opts.InterestRadius, broadcast)
	} else {
		relay.Recipients = m.Session.Broadcast(m.Participant, broadcast)
	}
	return relay, nil
}

func (h *RealtimeHandler) HandleWithModule(ctx context.Context, m modules.Module, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	if !h.membership.Joined() {
		return nil
	}

	err := m.HandleMsg(ctx, respond, msg)
	if err == nil || errors.IsType(err, hwebsocket.ErrTypeMsgSkip) {
		return nil
	}
	return errors.New("handling message with module failed").
		WithTag("module", m.Name()).
		Wrap(err)
}

func (h *RealtimeHandler) SendSyncClock(ctx context.Context, respond hwebsocket.ResponseSender) error {
	respond.Send(&hagallpb.SyncClock{
		Type:      hagallpb.MsgType_MSG_TYPE_SYNC_CLOCK,
		Timestamp: timestamppb.Now(),
	})
	return nil
}

func (h *RealtimeHandler) Receiver() hwebsocket.Receiver {
	return func() (hwebsocket.Msg, int, error) {
		return hwebsocket.Receive(h.conn)
	}
}

func (h *RealtimeHandler) Sender() hwebsocket.Sender {
	return func(msg hwebsocket.Msg) (int, error) {
		return hwebsocket.Send(h.conn, msg)
	}
}

func (h *RealtimeHandler) Close() {
}

func (h *RealtimeHandler) joined(msg hwebsocket.Msg) (Membership, error) {
	if !h.membership.Joined() {
		return Membership{}, errors.New("session not joined").
			WithType(hwebsocket.ErrTypeSessionNotJoined).
			WithTag("msg_type", msg.TypeString())
	}
	return h.membership, nil
}

// leaveSession removes the participant and its non persistent entities from
// the current session. The session is removed once empty.
func (h *RealtimeHandler) leaveSession() {
	m := h.membership
	if !m.Joined() {
		return
	}

	for _, mod := range h.opts.Modules {
		mod.HandleDisconnect()
	}

	now := timestamppb.Now()
	for _, id := range m.Participant.EntityIDs() {
		entity, ok := m.Session.EntityByID(id)
		if !ok || entity.Persist {
			continue
		}
		m.Session.RemoveEntity(entity)
		m.Participant.RemoveEntity(entity)
		h.broadcastEntityDelete(m, entity, now)
	}

	if h.stopFrameHandling != nil {
		h.stopFrameHandling()
		h.stopFrameHandling = nil
	}
	m.Session.RemoveParticipant(m.Participant)

	h.opts.FeatureFlags.IfNotSet(featureflag.FlagDisableParticipantLeaveBroadcast, func() {
		m.Session.Broadcast(m.Participant, &hagallpb.ParticipantLeaveBroadcast{
			Type:            hagallpb.MsgType_MSG_TYPE_PARTICIPANT_LEAVE_BROADCAST,
			Timestamp:       now,
			OriginTimestamp: now,
			ParticipantId:   m.Participant.ID,
		})
	})

	if m.Session.ParticipantCount() == 0 {
		// The request context may be done when the last participant leaves.
		h.opts.Sessions.Remove(context.Background(), m.Session)
	}
	h.membership = Membership{}
}

func (h *RealtimeHandler) broadcastEntityDelete(m Membership, e *models.Entity, origin *timestamppb.Timestamp) {
	h.opts.FeatureFlags.IfNotSet(featureflag.FlagDisableEntityDeleteBroadcast, func() {
		m.Session.Broadcast(m.Participant, &hagallpb.EntityDeleteBroadcast{
			Type:            hagallpb.MsgType_MSG_TYPE_ENTITY_DELETE_BROADCAST,
			Timestamp:       timestamppb.Now(),
			OriginTimestamp: origin,
			EntityId:        e.ID,
		})
	})
}

func respondError(respond hwebsocket.ResponseSender, requestID uint32, code hagallpb.ErrorCode) {
	respond.Send(&hagallpb.ErrorResponse{
		Type:      hagallpb.MsgType_MSG_TYPE_ERROR_RESPONSE,
		Timestamp: timestamppb.Now(),
		RequestId: requestID,
		Code:      code,
	})
}
