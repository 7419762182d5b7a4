// Package metrics exposes Prometheus instrumentation for the ingest,
// fusion, persistence, and broadcast paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry so tests can build
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest.
	AdapterMessages   *prometheus.CounterVec // feed
	AdapterReconnects *prometheus.CounterVec // feed
	AdapterDormant    *prometheus.GaugeVec   // feed
	NormalizeAccepted *prometheus.CounterVec // source
	NormalizeRejected *prometheus.CounterVec // source, reason
	IngestQueueDepth  prometheus.Gauge

	// Fusion.
	FusionPublished  *prometheus.CounterVec // kind
	FusionSuppressed *prometheus.CounterVec // gate
	FusionBackfilled prometheus.Counter
	FusionEntities   prometheus.Gauge

	// Persistence.
	HotViewWrites    prometheus.Counter
	HotViewFailures  prometheus.Counter
	HistoryFlushes   prometheus.Counter
	HistoryRows      prometheus.Counter
	HistoryFailures  prometheus.Counter
	RetentionRemoved prometheus.Counter

	// DLQ.
	DLQEnqueued  prometheus.Counter
	DLQRetried   prometheus.Counter
	DLQRecovered prometheus.Counter
	DLQDead      prometheus.Counter

	// Gateway.
	GatewayClients  prometheus.Gauge
	GatewaySent     *prometheus.CounterVec // event
	GatewayDropped  prometheus.Counter
	GatewayRejected prometheus.Counter
}

// New builds a Metrics set registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		AdapterMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelorus_adapter_messages_total",
			Help: "Raw messages received per feed",
		}, []string{"feed"}),
		AdapterReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelorus_adapter_reconnects_total",
			Help: "Reconnect attempts per feed",
		}, []string{"feed"}),
		AdapterDormant: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pelorus_adapter_dormant",
			Help: "1 when the feed gave up reconnecting",
		}, []string{"feed"}),
		NormalizeAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelorus_normalize_accepted_total",
			Help: "Messages normalized successfully per source",
		}, []string{"source"}),
		NormalizeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelorus_normalize_rejected_total",
			Help: "Messages rejected during normalization",
		}, []string{"source", "reason"}),
		IngestQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pelorus_ingest_queue_depth",
			Help: "Normalized messages waiting for fusion",
		}),

		FusionPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelorus_fusion_published_total",
			Help: "Fused records published per entity kind",
		}, []string{"kind"}),
		FusionSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelorus_fusion_suppressed_total",
			Help: "Candidate records suppressed per gate",
		}, []string{"gate"}),
		FusionBackfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_fusion_backfilled_total",
			Help: "Late records written to history without live publish",
		}),
		FusionEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pelorus_fusion_entities",
			Help: "Entities with an open fusion window",
		}),

		HotViewWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_hotview_writes_total",
			Help: "Hot view pipeline writes",
		}),
		HotViewFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_hotview_failures_total",
			Help: "Hot view writes that failed after retry",
		}),
		HistoryFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_history_flushes_total",
			Help: "History batch flushes",
		}),
		HistoryRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_history_rows_total",
			Help: "Position rows written to history",
		}),
		HistoryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_history_failures_total",
			Help: "History flushes that failed",
		}),
		RetentionRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_retention_removed_total",
			Help: "Active-set members removed by the retention sweep",
		}),

		DLQEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_dlq_enqueued_total",
			Help: "Records parked in the dead letter queue",
		}),
		DLQRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_dlq_retried_total",
			Help: "DLQ retry attempts",
		}),
		DLQRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_dlq_recovered_total",
			Help: "DLQ records persisted on retry",
		}),
		DLQDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_dlq_dead_total",
			Help: "DLQ records moved to the dead list",
		}),

		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pelorus_gateway_clients",
			Help: "Connected websocket clients",
		}),
		GatewaySent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelorus_gateway_sent_total",
			Help: "Events sent to clients per event type",
		}, []string{"event"}),
		GatewayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_gateway_dropped_total",
			Help: "Events dropped on slow client queues",
		}),
		GatewayRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pelorus_gateway_rejected_total",
			Help: "Client messages rejected as malformed",
		}),
	}

	reg.MustRegister(
		m.AdapterMessages, m.AdapterReconnects, m.AdapterDormant,
		m.NormalizeAccepted, m.NormalizeRejected, m.IngestQueueDepth,
		m.FusionPublished, m.FusionSuppressed, m.FusionBackfilled, m.FusionEntities,
		m.HotViewWrites, m.HotViewFailures,
		m.HistoryFlushes, m.HistoryRows, m.HistoryFailures, m.RetentionRemoved,
		m.DLQEnqueued, m.DLQRetried, m.DLQRecovered, m.DLQDead,
		m.GatewayClients, m.GatewaySent, m.GatewayDropped, m.GatewayRejected,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
