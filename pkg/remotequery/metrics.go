package remotequery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the executor's prometheus instruments, built once per
// registerer and shared across every Executor constructed against it
// (the teacher's own promauto.With(reg) idiom, e.g.
// distributed_execution.NewQuerierPool).
type Metrics struct {
	packetsReceived   *prometheus.CounterVec
	cancellations     prometheus.Counter
	retries           prometheus.Counter
	unknownPackets    prometheus.Counter
	externalTableRows prometheus.Counter
}

// NewMetrics registers the executor's instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		packetsReceived: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "remotequery_packets_received_total",
			Help: "Number of packets received from remote replicas, by kind.",
		}, []string{"kind"}),
		cancellations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "remotequery_cancellations_total",
			Help: "Number of queries cancelled, whether by the caller or by Finish's early drain.",
		}),
		retries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "remotequery_duplicate_part_uuid_retries_total",
			Help: "Number of times a query was retried after a duplicate part UUID was observed.",
		}),
		unknownPackets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "remotequery_unknown_packets_total",
			Help: "Number of packets received from a replica that the executor could not classify.",
		}),
		externalTableRows: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "remotequery_external_table_rows_streamed_total",
			Help: "Number of rows streamed to replicas as external table data.",
		}),
	}
}

func (m *Metrics) observePacket(kind string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeCancellation() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) observeUnknownPacket() {
	if m == nil {
		return
	}
	m.unknownPackets.Inc()
}

func (m *Metrics) observeExternalTableRows(n int) {
	if m == nil {
		return
	}
	m.externalTableRows.Add(float64(n))
}
