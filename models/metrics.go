package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	appKeyLabel  = "app_key"
	opLabel      = "op"
	errTypeLabel = "error_type"

	insertOp   = "insert"
	removeOp   = "remove"
	updateOp   = "update"
	reinsertOp = "reinsert"
)

var (
	hagallSessionCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "session_count",
		Help: "The number of sessions.",
	}, []string{appKeyLabel})

	hagallSessionCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_count_total",
		Help: "The total number of sessions.",
	}, []string{appKeyLabel})

	spatialIndexLeaves = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spatial_index_leaves",
		Help: "The number of entities indexed in session trees.",
	})

	spatialIndexOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spatial_index_operations",
		Help: "The number of operations made on session trees. Updates that fit in the indexed box count as update, the others as reinsert.",
	}, []string{opLabel})

	spatialIndexErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spatial_index_errors",
		Help: "The errors returned by session trees.",
	}, []string{errTypeLabel})
)

func instrumentIncreaseSessionGauge(appKey string) {
	hagallSessionCount.
		With(prometheus.Labels{appKeyLabel: appKey}).
		Inc()
}

func instrumentDecreaseSessionGauge(appKey string) {
	hagallSessionCount.
		With(prometheus.Labels{appKeyLabel: appKey}).
		Dec()
}

func instrumentCountSession(appKey string) {
	hagallSessionCountTotal.
		With(prometheus.Labels{appKeyLabel: appKey}).
		Inc()
}

func instrumentSpatialIndexLeaves(delta int) {
	spatialIndexLeaves.Add(float64(delta))
}

func instrumentSpatialIndexOperation(op string) {
	spatialIndexOperations.
		With(prometheus.Labels{opLabel: op}).
		Inc()
}

func instrumentSpatialIndexError(errType string) {
	spatialIndexErrors.
		With(prometheus.Labels{errTypeLabel: errType}).
		Inc()
}
