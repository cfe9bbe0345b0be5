// Package metrics provides Prometheus metrics for the dilation core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dilation"

// Metrics contains all Prometheus metrics exported by one controller.
type Metrics struct {
	// Generation/connector metrics
	Generation          prometheus.Gauge
	GenerationsStarted  prometheus.Counter
	CandidatesAttempted *prometheus.CounterVec
	CandidatesReady     *prometheus.CounterVec
	GenerationDuration  prometheus.Histogram
	L2Active            prometheus.Gauge
	L2Lost              prometheus.Counter

	// Subchannel metrics
	SubchannelsActive prometheus.Gauge
	SubchannelsOpened prometheus.Counter
	SubchannelsClosed prometheus.Counter
	ProtocolErrors    prometheus.Counter

	// L3 queue/traffic metrics
	OutboundQueueDepth prometheus.Gauge
	RecordsSent        *prometheus.CounterVec
	RecordsReceived    *prometheus.CounterVec
	RecordsDropped     *prometheus.CounterVec
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
}

// New registers and returns a Metrics bound to the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers and returns a Metrics bound to reg, so tests
// and multiple controllers in one process can use isolated registries.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Generation: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Current dilation generation number",
		}),
		GenerationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_started_total",
			Help:      "Total number of generations started",
		}),
		CandidatesAttempted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_attempted_total",
			Help:      "Total connection candidates attempted by transport type",
		}, []string{"type"}),
		CandidatesReady: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_ready_total",
			Help:      "Total connection candidates that completed L2 negotiation by transport type",
		}, []string{"type"}),
		GenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Time from generation start to a winning candidate being selected",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		L2Active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "l2_active",
			Help:      "Whether an L2 connection is currently attached to the session (0 or 1)",
		}),
		L2Lost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "l2_lost_total",
			Help:      "Total number of L2 connections lost",
		}),
		SubchannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subchannels_active",
			Help:      "Number of currently open subchannels",
		}),
		SubchannelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subchannels_opened_total",
			Help:      "Total number of subchannels opened",
		}),
		SubchannelsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subchannels_closed_total",
			Help:      "Total number of subchannels closed",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total subchannel FSM protocol errors observed",
		}),
		OutboundQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Number of unacknowledged outbound records held for replay",
		}),
		RecordsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_sent_total",
			Help:      "Total records sent by record type",
		}, []string{"record_type"}),
		RecordsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_received_total",
			Help:      "Total records received by record type",
		}, []string{"record_type"}),
		RecordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Total inbound records dropped by reason",
		}, []string{"reason"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total ciphertext bytes written to an L2 connection",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total ciphertext bytes read from an L2 connection",
		}),
	}
}
