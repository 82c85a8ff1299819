package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"syscall"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/hagall-bvh/featureflag"
	hagallhttp "github.com/aukilabs/hagall-bvh/http"
	"github.com/aukilabs/hagall-bvh/models"
	"github.com/aukilabs/hagall-bvh/modules"
	"github.com/aukilabs/hagall-bvh/modules/dagaz"
	"github.com/aukilabs/hagall-bvh/modules/vikja"
	hwebsocket "github.com/aukilabs/hagall-bvh/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

// Set at build.
var version = "v0.1.0"

var buildInfo = promauto.NewGauge(prometheus.GaugeOpts{
	Name:        "hagall_bvh_build_info",
	Help:        "Always 1, labeled with the server version.",
	ConstLabels: prometheus.Labels{"version": version},
})

func main() {
	conf := defaultConfig()

	cli.Register().
		Help("Starts a Hagall server whose sessions index their entities in a bounding volume hierarchy.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}
	if err := conf.validate(); err != nil {
		logs.Fatal(err)
	}

	ctx, cancel := cli.ContextWithSignals(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	buildInfo.Set(1)
	setupLogs(conf.Log)

	transport := metrics.HTTPTransport(http.DefaultTransport)
	if conf.Events.Endpoint != "" {
		stop := pushLogEvents(conf.Events, transport)
		defer stop()
	}

	featureFlags := featureflag.New(conf.FeatureFlags)
	if unknown := featureFlags.Unknown(); len(unknown) != 0 {
		logs.Warn(errors.New("unknown feature flags").WithTag("flags", unknown))
	}

	var sessions models.SessionStore
	ready := func() bool {
		return ctx.Err() == nil
	}

	logs.WithTag("version", version).
		WithTag("log_level", conf.Log.Level).
		WithTag("public_endpoint", conf.PublicEndpoint).
		WithTag("feature_flags", featureFlags).
		WithTag("entity_half_extent", conf.Spatial.EntityHalfExtent).
		WithTag("interest_radius", conf.Spatial.InterestRadius).
		WithTag("max_nodes", conf.Spatial.MaxNodes).
		Info("starting server")

	err := hagallhttp.ListenAndServe(ctx,
		&http.Server{
			Addr:    conf.Addr,
			Handler: metrics.HTTPHandler(serviceMux(ctx, conf, &sessions, featureFlags, ready), hagallhttp.MetricsPathFormatter),
		},
		&http.Server{
			Addr:    conf.AdminAddr,
			Handler: adminMux(&sessions, ready),
		},
	)
	if err != nil {
		logs.Fatal(err)
	}
}

func setupLogs(c logConfig) {
	logs.SetLevel(logs.ParseLevel(c.Level))

	logs.Encoder = json.Marshal
	if c.Indent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}
	errors.Encoder = json.Marshal
}

// pushLogEvents forwards log entries to the events endpoint until the
// returned func is called.
func pushLogEvents(c eventsConfig, transport http.RoundTripper) func() {
	pusher := events.Pusher{
		Endpoint:      c.Endpoint,
		FlushInterval: c.FlushInterval,
		BatchSize:     c.BatchSize,
		QueueSize:     c.QueueSize,
		Transport:     transport,
	}
	go pusher.Start()

	logger := events.Logger{
		Pusher:           &pusher,
		SDKType:          "hagall-bvh",
		SDKVersionFamily: version,
	}
	logs.SetLogger(logger.Log)
	return pusher.Close
}

func serviceMux(ctx context.Context, conf config, sessions *models.SessionStore, flags featureflag.FeatureFlag, ready func() bool) *http.ServeMux {
	newHandler := func() hwebsocket.Handler {
		var h hwebsocket.Handler = hwebsocket.NewRealtimeHandler(hwebsocket.Options{
			SyncClockInterval: conf.Connections.SyncClockInterval,
			IdleTimeout:       conf.Connections.IdleTimeout,
			FrameDuration:     conf.Connections.FrameDuration,
			Sessions:          sessions,
			Modules: []modules.Module{
				&dagaz.Module{TreeOptions: conf.Spatial.treeOptions()},
				&vikja.Module{FeatureFlags: flags, InterestRadius: conf.Spatial.InterestRadius},
			},
			FeatureFlags:   flags,
			Spatial:        conf.Spatial.entityIndex(),
			InterestRadius: conf.Spatial.InterestRadius,
		})
		h = hwebsocket.HandlerWithLogs(h, conf.Log.SummaryInterval)
		return hwebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
	}

	mux := http.NewServeMux()
	mux.Handle("/", hagallhttp.HandleWithCORS(websocket.Server{
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			h := newHandler()
			defer h.Close()
			hwebsocket.Serve(ctx, conn, h)
		},
	}))

	// Echoes frames so clients can measure their round trip.
	mux.Handle("/ping", websocket.Server{
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()
			io.Copy(conn, conn)
		},
	})

	mux.Handle("/health", hagallhttp.HandleWithCORS(http.HandlerFunc(hagallhttp.HandleHealthCheck)))
	mux.Handle("/ready", hagallhttp.HandleWithCORS(hagallhttp.HandleReadyCheck(ready)))
	mux.Handle("/version", hagallhttp.HandleWithCORS(hagallhttp.HandleVersion(version)))
	return mux
}

func adminMux(sessions *models.SessionStore, ready func() bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", hagallhttp.HandleHealthCheck)
	mux.HandleFunc("/ready", hagallhttp.HandleReadyCheck(ready))
	mux.HandleFunc("/debug/bvh", hagallhttp.HandleSpatialDebug(sessions))

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, profile := range []string{"goroutine", "heap"} {
		mux.Handle("/debug/pprof/"+profile, pprof.Handler(profile))
	}
	return mux
}
