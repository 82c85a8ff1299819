package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/aukilabs/hagall-bvh/geom"
	"github.com/aukilabs/hagall-bvh/models"
	"github.com/aukilabs/hagall-bvh/modules"
	"github.com/aukilabs/hagall-bvh/modules/dagaz"
	"github.com/aukilabs/hagall-common/messages/dagazpb"
	"github.com/aukilabs/hagall-common/scenario"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func sendQuads(quads ...dagaz.Quad) func() hwebsocket.ProtoMsg {
	return func() hwebsocket.ProtoMsg {
		samples := make([]*dagazpb.Quad, len(quads))
		for i, q := range quads {
			samples[i] = q.ToProtobuf()
		}

		return &dagazpb.DagazQuadSample{
			Type:      dagazpb.MsgType_MSG_TYPE_DAGAZ_QUAD_SAMPLE,
			Timestamp: timestamppb.Now(),
			Samples:   samples,
		}
	}
}

func getGroundPlane(requestID uint32, from, to geom.Vector3f) func() hwebsocket.ProtoMsg {
	return func() hwebsocket.ProtoMsg {
		return &dagazpb.DagazGetGroundPlaneRequest{
			Type:      dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_GROUND_PLANE_REQUEST,
			Timestamp: timestamppb.Now(),
			RequestId: requestID,
			Ray: &dagazpb.Ray{
				From: from.ToProtobuf(),
				To:   to.ToProtobuf(),
			},
		}
	}
}

func TestHandleDagazQuadSampleSessionNotJoined(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(newDagazTestModule))
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Modules only see messages of joined participants.
	err := scenario.NewScenario(clientA).
		Send(sendQuads()).
		Send(func() hwebsocket.ProtoMsg {
			return &dagazpb.DagazGetGroundPlaneRequest{
				Type:      dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_GROUND_PLANE_REQUEST,
				Timestamp: timestamppb.Now(),
				RequestId: 1,
			}
		}).
		Run(ctx)
	require.NoError(t, err)

	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, time.Millisecond*50)
	defer cancelTimeout()

	err = scenario.NewScenario(clientA).
		Receive(scenario.FilterByType(dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_GROUND_PLANE_RESPONSE)).
		Run(ctxTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleDagazGetGroundPlane(t *testing.T) {
	clientA, clientB, close := NewTestingEnv(t, newTestHandler(newDagazTestModule))
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	joinA := joinSession(t, ctx, clientA, 1, "")
	joinSession(t, ctx, clientB, 2, joinA.SessionId)

	ground := dagaz.NewQuad(geom.NewVector3f(0, 0, 0), geom.NewVector3f(1, 0, 1))
	table := dagaz.NewQuad(geom.NewVector3f(5, 1, 5), geom.NewVector3f(1, 0, 1))

	err := scenario.NewScenario(clientA).
		Send(getGroundPlane(3, geom.NewVector3f(0, 1, 0), geom.NewVector3f(0, -1, 0))).
		Receive(
			scenario.FilterByRequestID(3),
			scenario.FilterByType(dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_GROUND_PLANE_RESPONSE),
			func(msg hwebsocket.Msg) error {
				var res dagazpb.DagazGetGroundPlaneResponse
				err := msg.DataTo(&res)
				require.NoError(t, err)

				// Nothing sampled yet.
				q := dagaz.NewQuadFromProtobuf(res.Ground)
				require.True(t, q.Center.Equal(geom.NewVector3f(0, 0, 0)))
				require.True(t, q.Extents.Equal(geom.NewVector3f(0, 0, 0)))
				return err
			},
		).
		Send(sendQuads(ground, table)).
		Run(ctx)
	require.NoError(t, err)

	// Quads sampled by A are shared with the other participants of the
	// session.
	err = scenario.NewScenario(clientB).
		Send(getGroundPlane(4, geom.NewVector3f(0.5, 1, 0.5), geom.NewVector3f(0.5, -1, 0.5))).
		Receive(
			scenario.FilterByRequestID(4),
			scenario.FilterByType(dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_GROUND_PLANE_RESPONSE),
			func(msg hwebsocket.Msg) error {
				var res dagazpb.DagazGetGroundPlaneResponse
				err := msg.DataTo(&res)
				require.NoError(t, err)

				q := dagaz.NewQuadFromProtobuf(res.Ground)
				require.True(t, q.Center.Equal(ground.Center))
				require.True(t, q.Extents.Equal(ground.Extents))
				return err
			},
		).
		Send(getGroundPlane(5, geom.NewVector3f(5, 3, 5), geom.NewVector3f(5, -1, 5))).
		Receive(
			scenario.FilterByRequestID(5),
			scenario.FilterByType(dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_GROUND_PLANE_RESPONSE),
			func(msg hwebsocket.Msg) error {
				var res dagazpb.DagazGetGroundPlaneResponse
				err := msg.DataTo(&res)
				require.NoError(t, err)

				q := dagaz.NewQuadFromProtobuf(res.Ground)
				require.True(t, q.Center.Equal(table.Center))
				return err
			},
		).
		Run(ctx)
	require.NoError(t, err)
}

func TestHandleDagazGetRegion(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(newDagazTestModule))
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	near := dagaz.NewQuad(geom.NewVector3f(0, 0, 0), geom.NewVector3f(1, 0, 1))
	far := dagaz.NewQuad(geom.NewVector3f(100, 0, 100), geom.NewVector3f(1, 0, 1))

	joinSession(t, ctx, clientA, 1, "")

	err := scenario.NewScenario(clientA).
		Send(sendQuads(near, far)).
		Send(func() hwebsocket.ProtoMsg {
			return &dagazpb.DagazGetRegionRequest{
				Type:      dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_REGION_REQUEST,
				Timestamp: timestamppb.Now(),
				RequestId: 2,
				Min:       geom.NewVector3f(-10, -10, -10).ToProtobuf(),
				Max:       geom.NewVector3f(10, 10, 10).ToProtobuf(),
			}
		}).
		Receive(
			scenario.FilterByRequestID(2),
			scenario.FilterByType(dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_REGION_RESPONSE),
			func(msg hwebsocket.Msg) error {
				var res dagazpb.DagazGetRegionResponse
				err := msg.DataTo(&res)
				require.NoError(t, err)

				require.Len(t, res.Quads, 1)
				q := dagaz.NewQuadFromProtobuf(res.Quads[0])
				require.True(t, q.Center.Equal(near.Center))
				require.True(t, q.Extents.Equal(near.Extents))
				return err
			},
		).
		Run(ctx)
	require.NoError(t, err)
}

func TestHandleDagazGetDebugInfo(t *testing.T) {
	sessions := newTestSessionStore()
	clientA, _, close := NewTestingEnv(t, newTestHandlerWith(sessions, nil, newDagazTestModule))
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	joinA := joinSession(t, ctx, clientA, 1, "")

	quads := []dagaz.Quad{
		dagaz.NewQuad(geom.NewVector3f(0, 0, 0), geom.NewVector3f(1, 0, 1)),
		dagaz.NewQuad(geom.NewVector3f(10, 0, 0), geom.NewVector3f(1, 0, 1)),
		dagaz.NewQuad(geom.NewVector3f(0, 0, 10), geom.NewVector3f(1, 0, 1)),
		// Merged into the first quad.
		dagaz.NewQuad(geom.NewVector3f(0.5, 0.1, 0.5), geom.NewVector3f(1, 0, 1)),
	}

	err := scenario.NewScenario(clientA).
		Send(sendQuads(quads...)).
		Send(func() hwebsocket.ProtoMsg {
			return &dagazpb.DagazGetDebugInfoRequest{
				Type:      dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_DEBUG_INFO_REQUEST,
				Timestamp: timestamppb.Now(),
				RequestId: 2,
			}
		}).
		Receive(
			scenario.FilterByRequestID(2),
			scenario.FilterByType(dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_DEBUG_INFO_RESPONSE),
			func(msg hwebsocket.Msg) error {
				var res dagazpb.DagazGetDebugInfoResponse
				err := msg.DataTo(&res)
				require.NoError(t, err)

				require.Equal(t, uint32(3), res.GridPlaneCount)
				require.Equal(t, uint32(1), res.GridMergeCount)
				require.Equal(t, uint32(1), res.GridColCount)
				require.Equal(t, int(res.GridRowCount), len(res.Occupancy))

				var leaves uint32
				for _, n := range res.Occupancy {
					leaves += n
				}
				require.Equal(t, uint32(3), leaves)
				return err
			},
		).
		Run(ctx)
	require.NoError(t, err)

	session, ok := sessions.GetByGlobalID(joinA.SessionId)
	require.True(t, ok)

	nodes, ok := dagaz.SessionNodes(session)
	require.True(t, ok)
	require.Len(t, nodes, 5)
}

func TestDagazSessionNodesWithoutModule(t *testing.T) {
	session := models.NewSession(1, time.Second, models.SpatialConfig{})
	defer session.Close()

	nodes, ok := dagaz.SessionNodes(session)
	require.False(t, ok)
	require.Nil(t, nodes)
}

func newDagazTestModule() modules.Module {
	return &dagaz.Module{}
}
