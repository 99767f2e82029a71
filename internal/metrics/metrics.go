package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "binary_engine"

// Metrics holds every collector the engine records to.
type Metrics struct {
	registry *prometheus.Registry

	FeedConnected      prometheus.Gauge
	FeedReconnects     prometheus.Counter
	FeedDropped        prometheus.Counter
	TicksRouted        prometheus.Counter
	TickDuplicates     prometheus.Counter
	TickParseErrors    prometheus.Counter
	CandlesClosed      *prometheus.CounterVec
	LateTicksDropped   prometheus.Counter
	CandlesFilled      prometheus.Counter
	WriterBatches      prometheus.Counter
	WriterErrors       prometheus.Counter
	WriterFlushSeconds prometheus.Histogram
	StorageDegraded    prometheus.Gauge
	TradesOpened       prometheus.Counter
	TradesSettled      *prometheus.CounterVec
	TradesOpen         prometheus.Gauge
	FeedGaps           prometheus.Counter
	SettleConflicts    prometheus.Counter
	HubConnections     prometheus.Gauge
	HubEvictions       prometheus.Counter
	HubEvents          *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "connected",
			Help: "1 while the upstream feed connection is established.",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "reconnects_total",
			Help: "Upstream feed reconnect attempts.",
		}),
		FeedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "dropped_total",
			Help: "Raw feed messages dropped because the message channel was full.",
		}),
		TicksRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "ticks_total",
			Help: "Normalized ticks routed to consumers.",
		}),
		TickDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "duplicates_total",
			Help: "Ticks dropped as exact duplicates.",
		}),
		TickParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "parse_errors_total",
			Help: "Raw messages that could not be normalized.",
		}),
		CandlesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "candle", Name: "closed_total",
			Help: "Candles finalized, by timeframe.",
		}, []string{"timeframe"}),
		LateTicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "candle", Name: "late_dropped_total",
			Help: "Ticks older than the oldest open bucket.",
		}),
		CandlesFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "candle", Name: "filled_total",
			Help: "Flat candles synthesized for buckets without ticks.",
		}),
		WriterBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "batches_total",
			Help: "Candle batches written to durable storage.",
		}),
		WriterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "errors_total",
			Help: "Failed candle batch writes.",
		}),
		WriterFlushSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "writer", Name: "flush_seconds",
			Help:    "Candle batch write latency.",
			Buckets: prometheus.DefBuckets,
		}),
		StorageDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "storage", Name: "degraded",
			Help: "1 while durable candle writes are failing.",
		}),
		TradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "opened_total",
			Help: "Trades accepted.",
		}),
		TradesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "settled_total",
			Help: "Trades settled, by outcome.",
		}, []string{"outcome"}),
		TradesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "open",
			Help: "Trades awaiting settlement.",
		}),
		FeedGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "feed_gaps_total",
			Help: "Trades settled with a fallback price.",
		}),
		SettleConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "conflicts_total",
			Help: "Settlement attempts that lost the compare-and-set.",
		}),
		HubConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "connections",
			Help: "Registered realtime subscribers.",
		}),
		HubEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "evictions_total",
			Help: "Subscribers disconnected for a full send queue.",
		}),
		HubEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "events_total",
			Help: "Events published to the hub, by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FeedConnected, m.FeedReconnects, m.FeedDropped,
		m.TicksRouted, m.TickDuplicates, m.TickParseErrors,
		m.CandlesClosed, m.LateTicksDropped, m.CandlesFilled,
		m.WriterBatches, m.WriterErrors, m.WriterFlushSeconds, m.StorageDegraded,
		m.TradesOpened, m.TradesSettled, m.TradesOpen, m.FeedGaps, m.SettleConflicts,
		m.HubConnections, m.HubEvictions, m.HubEvents,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OrDiscard returns m, or a fresh unexposed set when m is nil.
// Components call it so metrics stay optional in tests.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}
