package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/hagall-bvh/modules"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/websocket"
)

const (
	endpointLabel = "public_endpoint"
	appKeyLabel   = "app_key"
	msgTypeLabel  = "msg_type"
	errTypeLabel  = "error_type"
	moduleLabel   = "module"
	changeLabel   = "change"
	scopeLabel    = "scope"

	coreModule = "hagall"
)

var (
	connLabels = []string{endpointLabel, appKeyLabel}
	msgLabels  = []string{endpointLabel, appKeyLabel, msgTypeLabel}

	wsConnectedClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_connected_clients",
		Help: "The number of connected clients.",
	}, connLabels)

	wsReceivedMsgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_received_msgs",
		Help: "The number of messages received from WebSocket connections.",
	}, msgLabels)

	wsReceivedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_received_bytes",
		Help: "The number of bytes received from WebSocket connections.",
	}, msgLabels)

	wsReceiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_receive_errors",
		Help: "The errors that occurred while receiving a WebSocket message.",
	}, append(connLabels, errTypeLabel))

	wsSentMsgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_sent_msgs",
		Help: "The number of messages sent to WebSocket connections.",
	}, msgLabels)

	wsSentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_sent_bytes",
		Help: "The number of bytes sent to WebSocket connections.",
	}, msgLabels)

	wsSendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_send_errors",
		Help: "The errors that occurred while sending a WebSocket message.",
	}, append(msgLabels, errTypeLabel))

	wsMsgLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "ws_msg_latency",
		Help: "The time to process a WebSocket message.",
	}, []string{endpointLabel, msgTypeLabel, moduleLabel})

	wsPoseUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_pose_updates",
		Help: "The number of entity pose updates by change of the session index.",
	}, []string{endpointLabel, changeLabel})

	wsPoseRecipients = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_pose_recipients",
		Help:    "The number of participants a pose update is relayed to.",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
	}, []string{endpointLabel, scopeLabel})
)

// HandlerWithMetrics exports the traffic of a connection and the latency of
// its handlers to prometheus.
func HandlerWithMetrics(h Handler, publicEndpoint string) Handler {
	return &handlerWithMetrics{
		Handler:  h,
		endpoint: publicEndpoint,
	}
}

type handlerWithMetrics struct {
	Handler

	endpoint string
	appKey   string
}

func (h *handlerWithMetrics) labels(msgType string) prometheus.Labels {
	l := prometheus.Labels{
		endpointLabel: h.endpoint,
		appKeyLabel:   h.appKey,
	}
	if msgType != "" {
		l[msgTypeLabel] = msgType
	}
	return l
}

func (h *handlerWithMetrics) HandleConnect(conn *websocket.Conn) {
	h.appKey = httpcmn.GetAppKeyFromHagallUserToken(httpcmn.GetUserTokenFromHTTPRequest(conn.Request()))
	wsConnectedClients.With(h.labels("")).Inc()

	h.Handler.HandleConnect(conn)
}

func (h *handlerWithMetrics) HandleDisconnect(err error) {
	wsConnectedClients.With(h.labels("")).Dec()
	h.Handler.HandleDisconnect(err)
}

func (h *handlerWithMetrics) HandlePing(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	return h.timed(msg.TypeString(), coreModule, func() error {
		return h.Handler.HandlePing(ctx, respond, msg)
	})
}

func (h *handlerWithMetrics) HandleParticipantJoin(ctx context.Context, handleFrame func(), respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	return h.timed(msg.TypeString(), coreModule, func() error {
		return h.Handler.HandleParticipantJoin(ctx, handleFrame, respond, msg)
	})
}

func (h *handlerWithMetrics) HandleEntityAdd(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	return h.timed(msg.TypeString(), coreModule, func() error {
		return h.Handler.HandleEntityAdd(ctx, respond, msg)
	})
}

func (h *handlerWithMetrics) HandleEntityDelete(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	return h.timed(msg.TypeString(), coreModule, func() error {
		return h.Handler.HandleEntityDelete(ctx, respond, msg)
	})
}

func (h *handlerWithMetrics) HandleEntityUpdatePose(ctx context.Context, msg hwebsocket.Msg) (PoseRelay, error) {
	var relay PoseRelay
	err := h.timed(msg.TypeString(), coreModule, func() error {
		var err error
		relay, err = h.Handler.HandleEntityUpdatePose(ctx, msg)
		return err
	})
	if err != nil {
		return relay, err
	}

	wsPoseUpdates.With(prometheus.Labels{
		endpointLabel: h.endpoint,
		changeLabel:   relay.Change.String(),
	}).Inc()

	if relay.Relayed {
		scope := "session"
		if relay.Scoped {
			scope = "nearby"
		}
		wsPoseRecipients.With(prometheus.Labels{
			endpointLabel: h.endpoint,
			scopeLabel:    scope,
		}).Observe(float64(relay.Recipients))
	}
	return relay, nil
}

func (h *handlerWithMetrics) HandleWithModule(ctx context.Context, m modules.Module, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	return h.timed(msg.TypeString(), m.Name(), func() error {
		return h.Handler.HandleWithModule(ctx, m, respond, msg)
	})
}

func (h *handlerWithMetrics) SendSyncClock(ctx context.Context, respond hwebsocket.ResponseSender) error {
	msgType := hwebsocket.Msg{Type: hagallpb.MsgType_MSG_TYPE_SYNC_CLOCK}.TypeString()
	return h.timed(msgType, coreModule, func() error {
		return h.Handler.SendSyncClock(ctx, respond)
	})
}

func (h *handlerWithMetrics) Receiver() hwebsocket.Receiver {
	receive := h.Handler.Receiver()

	return func() (hwebsocket.Msg, int, error) {
		msg, n, err := receive()
		if err != nil {
			l := h.labels("")
			l[errTypeLabel] = errors.Type(err)
			wsReceiveErrors.With(l).Inc()
		} else {
			wsReceivedMsgs.With(h.labels(msg.TypeString())).Inc()
		}

		if n != 0 {
			wsReceivedBytes.With(h.labels(msg.TypeString())).Add(float64(n))
		}
		return msg, n, err
	}
}

func (h *handlerWithMetrics) Sender() hwebsocket.Sender {
	send := h.Handler.Sender()

	return func(msg hwebsocket.Msg) (int, error) {
		l := h.labels(msg.TypeString())

		n, err := send(msg)
		if err != nil {
			errLabels := h.labels(msg.TypeString())
			errLabels[errTypeLabel] = errors.Type(err)
			wsSendErrors.With(errLabels).Inc()
		}

		if n != 0 {
			wsSentMsgs.With(l).Inc()
			wsSentBytes.With(l).Add(float64(n))
		}
		return n, err
	}
}

// timed observes the latency of f, unless a module skipped the message.
func (h *handlerWithMetrics) timed(msgType, module string, f func() error) error {
	start := time.Now()

	err := f()
	if errors.IsType(err, hwebsocket.ErrTypeMsgSkip) {
		return err
	}

	wsMsgLatency.With(prometheus.Labels{
		endpointLabel: h.endpoint,
		msgTypeLabel:  msgType,
		moduleLabel:   module,
	}).Observe(time.Since(start).Seconds())
	return err
}
