package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/aukilabs/hagall-bvh/featureflag"
	"github.com/aukilabs/hagall-bvh/models"
	"github.com/aukilabs/hagall-bvh/modules"
	"github.com/aukilabs/hagall-bvh/modules/vikja"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	"github.com/aukilabs/hagall-common/messages/vikjapb"
	"github.com/aukilabs/hagall-common/scenario"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func newVikjaTestHandler(flags ...featureflag.Flag) func() Handler {
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = string(f)
	}
	ff := featureflag.New(names)

	return newTestHandlerWith(newTestSessionStore(), func(o *Options) {
		o.FeatureFlags = ff
		o.InterestRadius = 1
	}, func() modules.Module {
		return &vikja.Module{FeatureFlags: ff, InterestRadius: 1}
	})
}

// performAction sends an entity action and returns the reply.
func performAction(t *testing.T, ctx context.Context, client *websocket.Conn, requestID uint32, ea *vikjapb.EntityAction) hwebsocket.Msg {
	var reply hwebsocket.Msg

	err := scenario.NewScenario(client).
		Send(func() hwebsocket.ProtoMsg {
			return &vikjapb.EntityActionRequest{
				Type:         vikjapb.MsgType_MSG_TYPE_VIKJA_ENTITY_ACTION_REQUEST,
				Timestamp:    timestamppb.Now(),
				RequestId:    requestID,
				EntityAction: ea,
			}
		}).
		Receive(
			scenario.FilterByRequestID(requestID),
			func(msg hwebsocket.Msg) error {
				reply = msg
				return nil
			},
		).
		Run(ctx)
	require.NoError(t, err)
	return reply
}

func receiveVikjaState(t *testing.T, ctx context.Context, client *websocket.Conn) []*vikjapb.EntityAction {
	var state vikjapb.State

	err := scenario.NewScenario(client).
		Receive(
			scenario.FilterByType(vikjapb.MsgType_MSG_TYPE_VIKJA_STATE),
			func(msg hwebsocket.Msg) error {
				return msg.DataTo(&state)
			},
		).
		Run(ctx)
	require.NoError(t, err)
	return state.EntityActions
}

func TestVikjaStateOnJoin(t *testing.T) {
	clientA, clientB, close := NewTestingEnv(t, newVikjaTestHandler())
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	joinA := joinSession(t, ctx, clientA, 1, "")
	require.Empty(t, receiveVikjaState(t, ctx, clientA))

	ea := &vikjapb.EntityAction{
		EntityId:  addEntity(t, ctx, clientA, 2, models.PoseAt(0, 0, 0), false),
		Name:      "wave",
		Timestamp: timestamppb.Now(),
		Data:      []byte("both hands"),
	}
	reply := performAction(t, ctx, clientA, 3, ea)
	require.Equal(t, vikjapb.MsgType_MSG_TYPE_VIKJA_ENTITY_ACTION_RESPONSE.Number(), reply.Type.Number())

	joinSession(t, ctx, clientB, 4, joinA.SessionId)
	actions := receiveVikjaState(t, ctx, clientB)
	require.Len(t, actions, 1)
	require.Equal(t, ea.EntityId, actions[0].EntityId)
	require.Equal(t, ea.Name, actions[0].Name)
	require.Equal(t, ea.Data, actions[0].Data)
	require.True(t, ea.Timestamp.AsTime().Equal(actions[0].Timestamp.AsTime()))
}

func TestVikjaEntityActionBroadcast(t *testing.T) {
	tests := []struct {
		scenario  string
		flags     []featureflag.Flag
		observerX float32
		received  bool
	}{
		{
			scenario:  "action reaches the whole session",
			observerX: 100,
			received:  true,
		},
		{
			scenario:  "action reaches owners of nearby entities",
			flags:     []featureflag.Flag{featureflag.FlagSpatialInterestBroadcast},
			observerX: 1,
			received:  true,
		},
		{
			scenario:  "action does not reach owners of far entities",
			flags:     []featureflag.Flag{featureflag.FlagSpatialInterestBroadcast},
			observerX: 100,
		},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			clientA, clientB, close := NewTestingEnv(t, newVikjaTestHandler(test.flags...))
			defer close()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			joinA := joinSession(t, ctx, clientA, 1, "")
			joinSession(t, ctx, clientB, 2, joinA.SessionId)
			addEntity(t, ctx, clientB, 3, models.PoseAt(test.observerX, 0, 0), false)

			entityID := addEntity(t, ctx, clientA, 4, models.PoseAt(0, 0, 0), false)
			performAction(t, ctx, clientA, 5, &vikjapb.EntityAction{
				EntityId:  entityID,
				Name:      "jump",
				Timestamp: timestamppb.Now(),
			})

			waitCtx, waitCancel := context.WithTimeout(ctx, time.Millisecond*100)
			defer waitCancel()

			err := scenario.NewScenario(clientB).
				Receive(
					scenario.FilterByType(vikjapb.MsgType_MSG_TYPE_VIKJA_ENTITY_ACTION_BROADCAST),
					func(msg hwebsocket.Msg) error {
						var bc vikjapb.EntityActionBroadcast
						err := msg.DataTo(&bc)
						require.NoError(t, err)

						require.Equal(t, entityID, bc.EntityAction.EntityId)
						require.Equal(t, "jump", bc.EntityAction.Name)
						return err
					},
				).
				Run(waitCtx)
			if test.received {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestVikjaEntityActionRejected(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newVikjaTestHandler())
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	joinSession(t, ctx, clientA, 1, "")
	entityID := addEntity(t, ctx, clientA, 2, models.PoseAt(0, 0, 0), false)

	now := time.Now()
	reply := performAction(t, ctx, clientA, 3, &vikjapb.EntityAction{
		EntityId:  entityID,
		Name:      "kick",
		Timestamp: timestamppb.New(now),
	})
	require.Equal(t, vikjapb.MsgType_MSG_TYPE_VIKJA_ENTITY_ACTION_RESPONSE.Number(), reply.Type.Number())

	tests := []struct {
		scenario string
		action   *vikjapb.EntityAction
	}{
		{
			scenario: "missing action",
		},
		{
			scenario: "missing name",
			action:   &vikjapb.EntityAction{EntityId: entityID, Timestamp: timestamppb.Now()},
		},
		{
			scenario: "unknown entity",
			action:   &vikjapb.EntityAction{EntityId: 42, Name: "kick", Timestamp: timestamppb.Now()},
		},
		{
			scenario: "older than the latest action",
			action:   &vikjapb.EntityAction{EntityId: entityID, Name: "kick", Timestamp: timestamppb.New(now.Add(-time.Second))},
		},
	}

	for i, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			reply := performAction(t, ctx, clientA, uint32(10+i), test.action)
			require.Equal(t, hagallpb.MsgType_MSG_TYPE_ERROR_RESPONSE, reply.Type)

			var res hagallpb.ErrorResponse
			err := reply.DataTo(&res)
			require.NoError(t, err)
			require.Equal(t, hagallpb.ErrorCode_ERROR_CODE_BAD_REQUEST, res.Code)
		})
	}
}

func TestVikjaForgetsDeletedEntities(t *testing.T) {
	sessions := newTestSessionStore()
	clientA, clientB, close := NewTestingEnv(t, newTestHandlerWith(sessions, nil, func() modules.Module {
		return &vikja.Module{}
	}))
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	joinA := joinSession(t, ctx, clientA, 1, "")
	deleted := addEntity(t, ctx, clientA, 2, models.PoseAt(0, 0, 0), false)
	kept := addEntity(t, ctx, clientA, 3, models.PoseAt(1, 0, 0), true)

	for i, id := range []uint32{deleted, kept} {
		performAction(t, ctx, clientA, uint32(4+i), &vikjapb.EntityAction{
			EntityId:  id,
			Name:      "spin",
			Timestamp: timestamppb.Now(),
		})
	}

	err := scenario.NewScenario(clientA).
		Send(func() hwebsocket.ProtoMsg {
			return &hagallpb.EntityDeleteRequest{
				Type:      hagallpb.MsgType_MSG_TYPE_ENTITY_DELETE_REQUEST,
				Timestamp: timestamppb.Now(),
				RequestId: 6,
				EntityId:  deleted,
			}
		}).
		Receive(
			scenario.FilterByRequestID(6),
			scenario.FilterByType(hagallpb.MsgType_MSG_TYPE_ENTITY_DELETE_RESPONSE),
		).
		Run(ctx)
	require.NoError(t, err)

	joinSession(t, ctx, clientB, 7, joinA.SessionId)
	actions := receiveVikjaState(t, ctx, clientB)
	require.Len(t, actions, 1)
	require.Equal(t, kept, actions[0].EntityId)

	session, ok := sessions.GetByGlobalID(joinA.SessionId)
	require.True(t, ok)
	require.Equal(t, []uint32{kept}, entityIDs(session.Entities()))
}

func entityIDs(entities []*models.Entity) []uint32 {
	ids := make([]uint32, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return ids
}
