package dagaz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultLabel = "result"
	queryLabel  = "query"

	insertedSample = "inserted"
	mergedSample   = "merged"

	rayQuery    = "ray"
	regionQuery = "region"
)

var (
	dagazQuadSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagaz_quad_samples",
		Help: "The number of quad samples added to a session partition.",
	}, []string{resultLabel})

	dagazQueryResults = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dagaz_query_results",
		Help:    "The number of quads returned by a partition query.",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500},
	}, []string{queryLabel})
)

func instrumentQuadSample(result string) {
	dagazQuadSamples.
		With(prometheus.Labels{resultLabel: result}).
		Inc()
}

func instrumentQueryResults(query string, count int) {
	dagazQueryResults.
		With(prometheus.Labels{queryLabel: query}).
		Observe(float64(count))
}
