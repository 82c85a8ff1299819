package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-bvh/models"
	"github.com/aukilabs/hagall-bvh/modules"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

// NewTestingEnv starts a server whose connections are handled by handlers
// from newHandler and returns two clients connected to it. Logs go to the
// test output until the returned func is called.
func NewTestingEnv(t *testing.T, newHandler func() Handler) (*websocket.Conn, *websocket.Conn, func()) {
	var mutex sync.Mutex
	logf := t.Log

	logs.Encoder = func(v any) ([]byte, error) {
		return json.MarshalIndent(v, "", "  ")
	}
	errors.Encoder = json.Marshal
	logs.SetLogger(func(e logs.Entry) {
		mutex.Lock()
		defer mutex.Unlock()

		if logf != nil {
			logf(e)
		}
	})

	server := httptest.NewServer(websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			h := newHandler()
			defer h.Close()

			Serve(context.Background(), conn, h)
		},
	})

	clientA := dialTestServer(t, server)
	clientB := dialTestServer(t, server)

	return clientA, clientB, func() {
		mutex.Lock()
		logf = nil
		mutex.Unlock()

		clientA.Close()
		clientB.Close()
		server.Close()
	}
}

func dialTestServer(t *testing.T, server *httptest.Server) *websocket.Conn {
	config, err := websocket.NewConfig(strings.Replace(server.URL, "http://", "ws://", 1), "http://localhost")
	if err != nil {
		t.Fatalf("configuring websocket client failed: %s", err)
	}
	config.Header.Set("User-Agent", "ted")
	config.Header.Set("X-Forwarded-For", "192.0.0.0")
	config.Header.Set(httpcmn.HeaderPosemeshClientID, uuid.NewString())

	conn, err := websocket.DialConfig(config)
	if err != nil {
		t.Fatalf("dialing websocket server failed: %s", err)
	}
	return conn
}

type testServerName struct{}

func (testServerName) ServerID() string {
	return "ted"
}

func newTestSessionStore() *models.SessionStore {
	return &models.SessionStore{DiscoveryService: testServerName{}}
}

func testOptions(sessions *models.SessionStore) Options {
	return Options{
		SyncClockInterval: time.Millisecond * 250,
		IdleTimeout:       time.Minute,
		FrameDuration:     time.Millisecond * 50,
		Sessions:          sessions,
	}
}

func newTestHandler(newModule ...func() modules.Module) func() Handler {
	return newTestHandlerWith(newTestSessionStore(), nil, newModule...)
}

// newTestHandlerWith creates decorated handlers sharing the given session
// store. configure, when not nil, edits the options of each handler.
func newTestHandlerWith(sessions *models.SessionStore, configure func(*Options), newModule ...func() modules.Module) func() Handler {
	return func() Handler {
		opts := testOptions(sessions)
		for _, nm := range newModule {
			opts.Modules = append(opts.Modules, nm())
		}
		if configure != nil {
			configure(&opts)
		}

		var h Handler = NewRealtimeHandler(opts)
		h = HandlerWithLogs(h, time.Millisecond*100)
		h = HandlerWithMetrics(h, "https://auki-test.com")
		return h
	}
}
