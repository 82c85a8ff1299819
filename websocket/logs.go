package websocket

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"golang.org/x/net/websocket"
)

// HandlerWithLogs logs the lifecycle of a connection and, every
// summaryInterval, what the connection received and how its pose updates
// were relayed.
func HandlerWithLogs(h Handler, summaryInterval time.Duration) Handler {
	ctx, cancel := context.WithCancel(context.Background())

	handler := &handlerWithLogs{
		Handler:         h,
		summaryInterval: summaryInterval,
		stopSummary:     cancel,
	}
	handler.resetCounters()

	go handler.summarize(ctx)
	return handler
}

type handlerWithLogs struct {
	Handler

	request *http.Request
	appKey  string

	// The last session joined, kept after leaving so that the last summary
	// is still tagged with it.
	lastMutex sync.RWMutex
	last      Membership

	summaryInterval time.Duration
	stopSummary     func()

	mutex      sync.Mutex
	received   map[string]int
	poses      map[string]int
	recipients int
}

func (h *handlerWithLogs) resetCounters() {
	h.received = make(map[string]int)
	h.poses = make(map[string]int)
	h.recipients = 0
}

func (h *handlerWithLogs) lastMembership() Membership {
	h.lastMutex.RLock()
	defer h.lastMutex.RUnlock()

	return h.last
}

func (h *handlerWithLogs) entry() logs.Entry {
	e := logs.WithClientID(h.ClientID()).
		WithTag(logs.AppKeyTag, h.appKey)

	if m := h.lastMembership(); m.Joined() {
		e = e.WithTag(logs.SessionIDTag, m.SessionID).
			WithTag("session_uuid", m.Session.SessionUUID).
			WithTag(logs.ParticipantIDTag, m.Participant.ID)
	}
	return e
}

type requestHeaders struct {
	UserAgent               string `json:"user_agent,omitempty"`
	XForwardedFor           string `json:"x_forwarded_for,omitempty"`
	CloudFrontCountryName   string `json:"cloudfront_viewer_country,omitempty"`
	CloudFrontViewerAddress string `json:"cloudfront_viewer_address,omitempty"`
}

func (h *handlerWithLogs) headers() requestHeaders {
	if h.request == nil {
		return requestHeaders{}
	}
	return requestHeaders{
		UserAgent:               h.request.UserAgent(),
		XForwardedFor:           h.request.Header.Get(httpcmn.XForwardedForHeaderKey),
		CloudFrontCountryName:   h.request.Header.Get(httpcmn.CloudFrontCountryNameHeaderKey),
		CloudFrontViewerAddress: h.request.Header.Get(httpcmn.CloudFrontViewerAddressHeaderKey),
	}
}

func (h *handlerWithLogs) HandleConnect(conn *websocket.Conn) {
	h.Handler.HandleConnect(conn)

	h.request = conn.Request()
	h.appKey = httpcmn.GetAppKeyFromHagallUserToken(httpcmn.GetUserTokenFromHTTPRequest(h.request))
	h.entry().Info("new client is connected")
}

func (h *handlerWithLogs) HandleParticipantJoin(ctx context.Context, handleFrame func(), respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	if err := h.Handler.HandleParticipantJoin(ctx, handleFrame, respond, msg); err != nil {
		return err
	}

	if m := h.Membership(); m.Joined() {
		h.lastMutex.Lock()
		h.last = m
		h.lastMutex.Unlock()

		h.entry().
			WithTag("http_headers", h.headers()).
			Info("participant joined a session")
		return nil
	}

	var req hagallpb.ParticipantJoinRequest
	msg.DataTo(&req)

	h.entry().
		WithTag(logs.SessionIDTag, req.SessionId).
		WithTag("request_id", req.RequestId).
		WithTag("http_headers", h.headers()).
		Info("participant failed to join a session")
	return nil
}

func (h *handlerWithLogs) HandleEntityUpdatePose(ctx context.Context, msg hwebsocket.Msg) (PoseRelay, error) {
	relay, err := h.Handler.HandleEntityUpdatePose(ctx, msg)
	if err != nil {
		return relay, err
	}

	h.mutex.Lock()
	h.poses[relay.Change.String()]++
	h.recipients += relay.Recipients
	h.mutex.Unlock()

	h.entry().
		WithTag("entity_id", relay.EntityID).
		WithTag("index_change", relay.Change.String()).
		WithTag("relayed", relay.Relayed).
		WithTag("scoped", relay.Scoped).
		WithTag("recipients", relay.Recipients).
		Debug("entity pose updated")
	return relay, nil
}

func (h *handlerWithLogs) HandleDisconnect(err error) {
	h.Handler.HandleDisconnect(err)

	e := h.entry()
	if err != nil && !errors.Is(err, io.EOF) {
		e = e.WithTag("reason", err.Error())
	}
	e.Info("client disconnected")
}

func (h *handlerWithLogs) Receiver() hwebsocket.Receiver {
	receive := h.Handler.Receiver()

	return func() (hwebsocket.Msg, int, error) {
		msg, n, err := receive()
		switch {
		case err == nil:
			h.mutex.Lock()
			h.received[msg.TypeString()]++
			h.mutex.Unlock()

			h.entry().
				WithTag("msg_type", msg.TypeString()).
				Debug("message received")

		case !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed):
			h.entry().Error(errors.New("receiving message failed").Wrap(err))
		}
		return msg, n, err
	}
}

func (h *handlerWithLogs) Sender() hwebsocket.Sender {
	send := h.Handler.Sender()

	return func(msg hwebsocket.Msg) (int, error) {
		n, err := send(msg)

		e := h.entry().WithTag("msg_type", msg.TypeString())
		switch {
		case err == nil:
			e.Debug("message sent")

		case !errors.Is(err, net.ErrClosed):
			e.Error(errors.New("sending message failed").Wrap(err))
		}
		return n, err
	}
}

func (h *handlerWithLogs) Close() {
	h.Handler.Close()
	h.stopSummary()
	h.logSummary()
}

func (h *handlerWithLogs) summarize(ctx context.Context) {
	ticker := time.NewTicker(h.summaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			h.logSummary()
		}
	}
}

// logSummary logs and resets the counters. Nothing is logged when the
// connection was silent since the last summary.
func (h *handlerWithLogs) logSummary() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if len(h.received) == 0 && len(h.poses) == 0 {
		return
	}

	e := h.entry().WithTag("time_interval", h.summaryInterval)
	for msgType, count := range h.received {
		e = e.WithTag(msgType, count)
	}

	if len(h.poses) != 0 {
		e = e.WithTag("pose_updates", h.poses).
			WithTag("pose_recipients", h.recipients)
	}

	if m := h.lastMembership(); m.Joined() {
		stats := m.Session.SpatialStats()
		e = e.WithTag("index_leaves", stats.Leaves).
			WithTag("index_reinsertions", stats.Reinsertions).
			WithTag("index_lazy_updates", stats.LazyUpdates)
	}

	h.resetCounters()
	e.Info("inbound message summary")
}
