package dagaz

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/hagall-bvh/bvh"
	"github.com/aukilabs/hagall-bvh/geom"
	"github.com/aukilabs/hagall-bvh/models"
	"github.com/aukilabs/hagall-common/messages/dagazpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const ModuleName = "dagaz"

// Module collects the planes sampled by the session participants and answers
// ground and region queries against them.
type Module struct {
	// Options of the partition tree, used when the first participant of a
	// session initializes the module.
	TreeOptions []bvh.Option

	currentSession     *models.Session
	currentParticipant *models.Participant
	state              *State
}

func (m *Module) Name() string {
	return ModuleName
}

func (m *Module) Init(s *models.Session, p *models.Participant) {
	m.currentSession = s
	m.currentParticipant = p

	state := s.ModuleStateOrInit(m.Name(), func() any {
		return &State{
			SpatialPartition: NewTreePartition(m.TreeOptions...),
		}
	})
	m.state = state.(*State)
}

func (m *Module) HandleMsg(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	switch dagazpb.MsgType(msg.Type.Number()) {
	case dagazpb.MsgType_MSG_TYPE_DAGAZ_QUAD_SAMPLE:
		return m.HandleDagazQuadSample(ctx, msg)

	case dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_GROUND_PLANE_REQUEST:
		return m.HandleDagazGetGroundPlane(ctx, respond, msg)

	case dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_REGION_REQUEST:
		return m.HandleDagazGetRegion(ctx, respond, msg)

	case dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_DEBUG_INFO_REQUEST:
		return m.HandleDagazGetDebugInfo(ctx, respond, msg)

	default:
		return hwebsocket.ErrModuleMsgSkip
	}
}

func (m *Module) HandleDisconnect() {
	m.currentSession = nil
	m.currentParticipant = nil
	m.state = nil
}

func (m *Module) checkSession(msg hwebsocket.Msg) error {
	if m.currentSession == nil || m.state == nil {
		return errors.New("session not joined").
			WithType(hwebsocket.ErrTypeSessionNotJoined).
			WithTag("msg_type", msg.Type)
	}
	return nil
}

func (m *Module) HandleDagazQuadSample(ctx context.Context, msg hwebsocket.Msg) error {
	var newQuadSample dagazpb.DagazQuadSample
	if err := msg.DataTo(&newQuadSample); err != nil {
		return err
	}

	if err := m.checkSession(msg); err != nil {
		return err
	}

	for _, newQuad := range newQuadSample.Samples {
		if err := m.state.SpatialPartition.InsertQuad(NewQuadFromProtobuf(newQuad)); err != nil {
			return errors.New("inserting quad sample failed").
				WithTag("session_id", m.currentSession.SessionUUID).
				Wrap(err)
		}
	}
	return nil
}

func (m *Module) HandleDagazGetGroundPlane(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req dagazpb.DagazGetGroundPlaneRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if err := m.checkSession(msg); err != nil {
		return err
	}

	quadHit, _ := m.state.SpatialPartition.IntersectQuad(NewRayFromProtobuf(req.Ray))
	if quadHit == nil {
		// A zero quad tells the client there is no ground under the ray.
		quadHit = &Quad{}
	}

	respond.Send(&dagazpb.DagazGetGroundPlaneResponse{
		Type:      dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_GROUND_PLANE_RESPONSE,
		Timestamp: timestamppb.Now(),
		RequestId: req.RequestId,
		Ground:    quadHit.ToProtobuf(),
	})
	return nil
}

func (m *Module) HandleDagazGetRegion(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req dagazpb.DagazGetRegionRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if err := m.checkSession(msg); err != nil {
		return err
	}

	regionQuads := m.state.SpatialPartition.GetRegion(
		geom.NewVector3fFromProtobuf(req.Min),
		geom.NewVector3fFromProtobuf(req.Max),
	)
	regionQuadsProtobuf := make([]*dagazpb.Quad, len(regionQuads))
	for i, q := range regionQuads {
		regionQuadsProtobuf[i] = q.ToProtobuf()
	}

	respond.Send(&dagazpb.DagazGetRegionResponse{
		Type:      dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_REGION_RESPONSE,
		Timestamp: timestamppb.Now(),
		RequestId: req.RequestId,
		Quads:     regionQuadsProtobuf,
	})
	return nil
}

// HandleDagazGetDebugInfo reports the partition tree shape through the grid
// fields of the response: the grid is a single column with one row per tree
// level, and each cell holds the number of quads stored at that level.
func (m *Module) HandleDagazGetDebugInfo(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req dagazpb.DagazGetDebugInfoRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if err := m.checkSession(msg); err != nil {
		return err
	}

	debugInfo := m.state.SpatialPartition.GetDebugInfo()

	respond.Send(&dagazpb.DagazGetDebugInfoResponse{
		Type:           dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_DEBUG_INFO_RESPONSE,
		Timestamp:      timestamppb.Now(),
		RequestId:      req.RequestId,
		GridRowCount:   uint32(len(debugInfo.LeavesPerLevel)),
		GridColCount:   1,
		GridPlaneCount: debugInfo.PlaneCount,
		GridMergeCount: debugInfo.MergeCount,
		GridMinPoint:   debugInfo.Min.ToProtobuf(),
		GridMaxPoint:   debugInfo.Max.ToProtobuf(),
		Occupancy:      debugInfo.LeavesPerLevel,
	})
	return nil
}

// SessionNodes returns the partition tree nodes of the given session. It
// returns false when no participant of the session initialized the module.
func SessionNodes(s *models.Session) ([]bvh.NodeView, bool) {
	state, ok := s.ModuleState(ModuleName)
	if !ok {
		return nil, false
	}
	return state.(*State).SpatialPartition.Nodes(), true
}

// SessionStats returns the partition tree statistics of the given session,
// or zero stats when no participant of the session initialized the module.
func SessionStats(s *models.Session) bvh.Stats {
	state, ok := s.ModuleState(ModuleName)
	if !ok {
		return bvh.Stats{}
	}
	return state.(*State).SpatialPartition.Stats()
}
