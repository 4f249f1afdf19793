package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribengine_messages_total",
			Help: "Messages applied to the RIB by kind and classification.",
		},
		[]string{"kind", "classification"},
	)

	SourceMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribengine_source_messages_total",
			Help: "Messages consumed from Kafka.",
		},
		[]string{"topic", "kind"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribengine_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribengine_events_total",
			Help: "Audit events handed to the persistence pipeline.",
		},
		[]string{"kind"},
	)

	EventsDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ribengine_events_discarded_total",
			Help: "Events drained without writing because saving mode is off.",
		},
	)

	StoreFlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribengine_store_flush_duration_seconds",
			Help:    "Pipelined store flush latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"shard"},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribengine_store_errors_total",
			Help: "Store command failures by operation.",
		},
		[]string{"shard", "op"},
	)

	ShardQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribengine_shard_queue_depth",
			Help: "Pending events per shard queue.",
		},
		[]string{"shard"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribengine_cache_lookups_total",
			Help: "Bounded cache lookups by result (hit, miss).",
		},
		[]string{"cache", "result"},
	)

	ColdLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribengine_cold_lookups_total",
			Help: "Confirmatory store reads after a filter hit, by result.",
		},
		[]string{"kind", "result"},
	)

	TriePrefixes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ribengine_trie_prefixes",
			Help: "Prefixes held in the RIB trie.",
		},
	)

	GlobalOutagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ribengine_global_outages_total",
			Help: "Prefixes that became unreachable from every collector.",
		},
	)

	SinkWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ribengine_sink_write_duration_seconds",
			Help:    "Downstream sink batch write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	SinkRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ribengine_sink_rows_total",
			Help: "Classified updates written downstream.",
		},
	)

	PopulateDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ribengine_populate_duration_seconds",
			Help: "Duration of the last cold-start populate.",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesTotal,
			SourceMessagesTotal,
			ParseErrorsTotal,
			EventsTotal,
			EventsDiscardedTotal,
			StoreFlushDuration,
			StoreErrorsTotal,
			ShardQueueDepth,
			CacheLookupsTotal,
			ColdLookupsTotal,
			TriePrefixes,
			GlobalOutagesTotal,
			SinkWriteDuration,
			SinkRowsTotal,
			PopulateDuration,
		)
	})
}
