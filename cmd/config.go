package main

import (
	"net/url"
	"reflect"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-bvh/bvh"
	"github.com/aukilabs/hagall-bvh/models"
)

// Keeps garble from obfuscating the config field names the cli package turns
// into options. See https://github.com/burrowers/garble/issues/403.
var _ = reflect.TypeOf(config{})

type config struct {
	Addr           string `cli:"" env:"HAGALL_BVH_ADDR"            help:"Address where clients connect."`
	AdminAddr      string `cli:"" env:"HAGALL_BVH_ADMIN_ADDR"      help:"Address of the metrics, debug and pprof endpoints."`
	PublicEndpoint string `cli:"" env:"HAGALL_BVH_PUBLIC_ENDPOINT" help:"URL clients use to reach the server."`

	Log         logConfig         `cli:""        env:"-" help:"Logging."`
	Connections connectionsConfig `cli:",hidden" env:"-" help:"Client connection timings."`
	Spatial     spatialConfig     `cli:""        env:"-" help:"Spatial index configuration."`
	Events      eventsConfig      `cli:",hidden" env:"-" help:"Event pusher configuration."`

	FeatureFlags []string `cli:",hidden" env:"HAGALL_BVH_FEATURE_FLAGS" help:"Comma separated feature flags."`
	Version      bool     `cli:""        env:"-"                        help:"Show version."`
	Help         bool     `cli:""        env:"-"                        help:"Show help."`
}

type logConfig struct {
	Level           string        `cli:""        env:"HAGALL_BVH_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	Indent          bool          `cli:""        env:"HAGALL_BVH_LOG_INDENT"           help:"Indent logs."`
	SummaryInterval time.Duration `cli:",hidden" env:"HAGALL_BVH_LOG_SUMMARY_INTERVAL" help:"Interval between the message summaries logged for each connection."`
}

type connectionsConfig struct {
	SyncClockInterval time.Duration `cli:"" env:"HAGALL_BVH_SYNC_CLOCK_INTERVAL" help:"Interval between the sync clock messages sent to clients."`
	IdleTimeout       time.Duration `cli:"" env:"HAGALL_BVH_CLIENT_IDLE_TIMEOUT" help:"Silence after which a client is disconnected."`
	FrameDuration     time.Duration `cli:"" env:"HAGALL_BVH_FRAME_DURATION"      help:"Duration of a session frame."`
}

type spatialConfig struct {
	EntityHalfExtent float32 `cli:"" env:"HAGALL_BVH_ENTITY_HALF_EXTENT" help:"Half size in meters of the box indexed around each entity."`
	InterestRadius   float32 `cli:"" env:"HAGALL_BVH_INTEREST_RADIUS"    help:"Half size in meters of the box within which pose updates and entity actions are relayed when SPATIAL_INTEREST_BROADCAST is set."`
	InitialNodes     int     `cli:"" env:"HAGALL_BVH_INITIAL_NODES"      help:"Initial number of nodes of each session tree."`
	MaxNodes         int     `cli:"" env:"HAGALL_BVH_MAX_NODES"          help:"Maximum number of nodes of each session tree. 0 means no limit."`
}

func (c spatialConfig) treeOptions() []bvh.Option {
	opts := []bvh.Option{bvh.WithInitialCapacity(c.InitialNodes)}
	if c.MaxNodes > 0 {
		opts = append(opts, bvh.WithMaxNodes(c.MaxNodes))
	}
	return opts
}

func (c spatialConfig) entityIndex() models.SpatialConfig {
	return models.SpatialConfig{
		EntityHalfExtent: c.EntityHalfExtent,
		TreeOptions:      c.treeOptions(),
	}
}

type eventsConfig struct {
	Endpoint      string        `cli:"" env:"HAGALL_BVH_EVENTS_ENDPOINT"       help:"Where log events are pushed. Empty disables pushing."`
	FlushInterval time.Duration `cli:"" env:"HAGALL_BVH_EVENTS_FLUSH_INTERVAL" help:"Interval between event flushes."`
	BatchSize     int           `cli:"" env:"HAGALL_BVH_EVENTS_BATCH_SIZE"     help:"Maximum number of events pushed at once."`
	QueueSize     int           `cli:"" env:"HAGALL_BVH_EVENTS_QUEUE_SIZE"     help:"Number of events kept while waiting for a flush."`
}

func defaultConfig() config {
	return config{
		Addr:           ":4000",
		AdminAddr:      ":18190",
		PublicEndpoint: "http://localhost:4000",
		Log: logConfig{
			Level:           logs.InfoLevel.String(),
			SummaryInterval: time.Minute,
		},
		Connections: connectionsConfig{
			SyncClockInterval: 5 * time.Second,
			IdleTimeout:       5 * time.Minute,
			FrameDuration:     15 * time.Millisecond,
		},
		Spatial: spatialConfig{
			EntityHalfExtent: models.DefaultEntityHalfExtent,
			InterestRadius:   10,
			InitialNodes:     64,
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}
}

func (c config) validate() error {
	if _, err := url.ParseRequestURI(c.PublicEndpoint); err != nil {
		return errors.New("public endpoint is not a url").
			WithTag("public_endpoint", c.PublicEndpoint).
			Wrap(err)
	}

	s := c.Spatial
	switch {
	case s.EntityHalfExtent < 0:
		return errors.New("entity half extent is negative").
			WithTag("entity_half_extent", s.EntityHalfExtent)

	case s.InterestRadius < 0:
		return errors.New("interest radius is negative").
			WithTag("interest_radius", s.InterestRadius)

	case s.InitialNodes < 0 || s.MaxNodes < 0:
		return errors.New("spatial node counts are negative").
			WithTag("initial_nodes", s.InitialNodes).
			WithTag("max_nodes", s.MaxNodes)

	case s.MaxNodes > 0 && s.InitialNodes > s.MaxNodes:
		return errors.New("initial nodes exceed max nodes").
			WithTag("initial_nodes", s.InitialNodes).
			WithTag("max_nodes", s.MaxNodes)
	}
	return nil
}
