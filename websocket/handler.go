package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-bvh/models"
	"github.com/aukilabs/hagall-bvh/modules"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"golang.org/x/net/websocket"
)

const outboxSize = 512

// Handler handles the messages of a single client connection. Decorators
// such as HandlerWithLogs and HandlerWithMetrics wrap a Handler to observe
// the connection.
type Handler interface {
	HandleConnect(conn *websocket.Conn)

	// Called once when the connection ends, with the reason it ended.
	HandleDisconnect(err error)

	HandlePing(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error

	// Joins or creates a session. handleFrame is called at the end of each
	// frame of the joined session.
	HandleParticipantJoin(ctx context.Context, handleFrame func(), respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error

	HandleEntityAdd(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error

	HandleEntityDelete(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error

	// Moves an entity of the current participant and relays its new pose.
	HandleEntityUpdatePose(ctx context.Context, msg hwebsocket.Msg) (PoseRelay, error)

	HandleWithModule(ctx context.Context, m modules.Module, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error

	SendSyncClock(ctx context.Context, respond hwebsocket.ResponseSender) error

	Receiver() hwebsocket.Receiver
	Sender() hwebsocket.Sender

	// Releases the resources of the handler once the connection is over.
	Close()

	Options() Options
	Membership() Membership
	ClientID() string
}

// Membership is the session a connection joined.
type Membership struct {
	// The global session id, as given to clients.
	SessionID   string
	Session     *models.Session
	Participant *models.Participant
}

func (m Membership) Joined() bool {
	return m.Session != nil && m.Participant != nil
}

// PoseRelay reports what a pose update did.
type PoseRelay struct {
	EntityID uint32

	// False when the update was ignored: unknown entity, entity owned by
	// another participant or pose broadcast disabled.
	Relayed bool

	Change models.PoseChange

	// Whether the broadcast was limited to the owners of nearby entities.
	Scoped bool

	// The number of participants that received the new pose.
	Recipients int
}

// Serve runs the message loop of a client connection until the client is
// gone or ctx is done.
func Serve(ctx context.Context, conn *websocket.Conn, h Handler) {
	c := connection{
		conn:      conn,
		handler:   h,
		outbox:    make(chan hwebsocket.Msg, outboxSize),
		failures:  make(chan error, 8),
		written:   make(chan struct{}),
		scheduler: hwebsocket.NewScheduler(),
	}
	c.serve(ctx)
}

type scheduler interface {
	hwebsocket.Dispatcher
	hwebsocket.Consumer
	Close()
}

type connection struct {
	conn      *websocket.Conn
	handler   Handler
	outbox    chan hwebsocket.Msg
	failures  chan error
	scheduler scheduler

	// Closed when the write loop is over.
	written chan struct{}
}

func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.handler.HandleConnect(c.conn)
	defer c.scheduler.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.write(ctx, c.handler.Sender())
	}()
	go func() {
		defer wg.Done()
		c.read(ctx, c.handler.Receiver())
	}()

	opts := c.handler.Options()
	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	syncClock := time.NewTicker(opts.SyncClockInterval)
	defer syncClock.Stop()

	respond := responder{c}

	var reason error
	for reason == nil {
		select {
		case <-ctx.Done():
			reason = ctx.Err()

		case <-idle.C:
			reason = errors.New("idle connection").WithTag("duration", opts.IdleTimeout)

		case <-syncClock.C:
			if err := c.handler.SendSyncClock(ctx, respond); err != nil {
				reason = errors.New("sending sync clock failed").Wrap(err)
			}

		case msg := <-c.scheduler.Messages():
			idle.Reset(opts.IdleTimeout)
			if err := c.dispatch(ctx, respond, msg); err != nil {
				reason = errors.New("handling message failed").Wrap(err)
			}

		case err := <-c.failures:
			reason = err
		}
	}

	// Queued messages are dropped from now on so that the read loop and the
	// session frames never block on a connection that is leaving.
	drained := make(chan struct{})
	go c.drain(drained)
	defer close(drained)

	c.conn.Close()
	c.handler.HandleDisconnect(reason)
	cancel()
	wg.Wait()
}

func (c *connection) drain(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-c.scheduler.Messages():
		}
	}
}

func (c *connection) dispatch(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var err error

	switch msg.Type {
	case hagallpb.MsgType_MSG_TYPE_PING_REQUEST:
		err = c.handler.HandlePing(ctx, respond, msg)

	case hagallpb.MsgType_MSG_TYPE_PARTICIPANT_JOIN_REQUEST:
		err = c.handler.HandleParticipantJoin(ctx, c.scheduler.HandleFrame, respond, msg)

	case hagallpb.MsgType_MSG_TYPE_ENTITY_ADD_REQUEST:
		err = c.handler.HandleEntityAdd(ctx, respond, msg)

	case hagallpb.MsgType_MSG_TYPE_ENTITY_DELETE_REQUEST:
		err = c.handler.HandleEntityDelete(ctx, respond, msg)

	case hagallpb.MsgType_MSG_TYPE_ENTITY_UPDATE_POSE:
		_, err = c.handler.HandleEntityUpdatePose(ctx, msg)
	}
	if err != nil || !c.handler.Membership().Joined() {
		return err
	}

	for _, m := range c.handler.Options().Modules {
		if err := c.handler.HandleWithModule(ctx, m, respond, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) write(ctx context.Context, send hwebsocket.Sender) {
	defer close(c.written)

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-c.outbox:
			if _, err := send(msg); err != nil {
				c.fail(errors.New("sending message failed").Wrap(err))
				return
			}
		}
	}
}

func (c *connection) read(ctx context.Context, receive hwebsocket.Receiver) {
	for ctx.Err() == nil {
		msg, _, err := receive()
		if err != nil {
			c.fail(errors.New("receiving message failed").Wrap(err))
			return
		}

		if err := c.scheduler.Dispatch(ctx, msg); err != nil {
			c.fail(errors.New("dispatching message failed").Wrap(err))
			return
		}
	}
}

// fail reports an error from the read and write loops. Only the first errors
// are kept, the connection is ending anyway.
func (c *connection) fail(err error) {
	select {
	case c.failures <- err:
	default:
	}
}

// responder queues messages for the write loop.
type responder struct {
	*connection
}

func (r responder) Send(protoMsg hwebsocket.ProtoMsg) {
	msg, err := hwebsocket.MsgFromProto(protoMsg)
	if err != nil {
		logs.WithTag("message", protoMsg).
			WithClientID(r.handler.ClientID()).
			Debug(err)
		return
	}
	r.SendMsg(msg)
}

// SendMsg drops the message when the connection stopped writing.
func (r responder) SendMsg(msg hwebsocket.Msg) {
	select {
	case r.outbox <- msg:
	case <-r.written:
	}
}
