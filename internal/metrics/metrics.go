// Package metrics exposes pipeline counters.
//
// Registers on a private registry:
//
//	#liqflow_feed_messages_total
//	#liqflow_batches_total{outcome}
//	#liqflow_events_normalized_total
//	#liqflow_bucket_writes_total{result}
//	#liqflow_channel_drops_total{stage}
//	#liqflow_store_chunk_failures_total{op}
//	#liqflow_feed_state
//	#go_* and process_* system metrics
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Batch outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeEmpty     = "empty"
	OutcomeMalformed = "malformed"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	feedMessages     prometheus.Counter
	batches          *prometheus.CounterVec
	eventsNormalized prometheus.Counter
	bucketWrites     *prometheus.CounterVec
	channelDrops     *prometheus.CounterVec
	chunkFailures    *prometheus.CounterVec
	feedState        prometheus.Gauge
)

func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		feedMessages = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "liqflow_feed_messages_total",
			Help: "Websocket frames read from the feed",
		})
		batches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqflow_batches_total",
				Help: "Liquidation batches by processing outcome",
			},
			[]string{"outcome"},
		)
		eventsNormalized = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "liqflow_events_normalized_total",
			Help: "Liquidation events that passed normalization",
		})
		bucketWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqflow_bucket_writes_total",
				Help: "Minute bucket increments by result",
			},
			[]string{"result"},
		)
		channelDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqflow_channel_drops_total",
				Help: "Messages dropped on full internal buffers",
			},
			[]string{"stage"},
		)
		chunkFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqflow_store_chunk_failures_total",
				Help: "Multi-key store calls that failed and were skipped",
			},
			[]string{"op"},
		)
		feedState = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "liqflow_feed_state",
			Help: "Ingester connection state (0 disconnected, 1 connecting, 2 subscribed, 3 processing)",
		})

		registry.MustRegister(feedMessages, batches, eventsNormalized, bucketWrites, channelDrops, chunkFailures, feedState)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func IncFeedMessage() {
	if feedMessages != nil {
		feedMessages.Inc()
	}
}

func IncBatch(outcome string) {
	if batches != nil {
		batches.WithLabelValues(outcome).Inc()
	}
}

func AddEventsNormalized(n int) {
	if eventsNormalized != nil && n > 0 {
		eventsNormalized.Add(float64(n))
	}
}

func IncBucketWrite(ok bool) {
	if bucketWrites == nil {
		return
	}
	if ok {
		bucketWrites.WithLabelValues("ok").Inc()
	} else {
		bucketWrites.WithLabelValues("failed").Inc()
	}
}

func IncChannelDrop(stage string) {
	if channelDrops != nil {
		channelDrops.WithLabelValues(stage).Inc()
	}
}

func AddStoreChunkFailures(op string, n int) {
	if chunkFailures != nil && n > 0 {
		chunkFailures.WithLabelValues(op).Add(float64(n))
	}
}

func SetFeedState(state int) {
	if feedState != nil {
		feedState.Set(float64(state))
	}
}
