// Package metrics exposes Prometheus collectors for the indexing pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	blocksProcessed prometheus.Counter
	eventsDecoded   prometheus.Counter
	decodeFailures  prometheus.Counter
	pointsAccrued   prometheus.Counter
	reorgsHandled   prometheus.Counter
	rpcErrors       prometheus.Counter
	observedHead    prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init registers global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pointsd_blocks_processed_total",
				Help: "Total number of blocks committed",
			}),
			eventsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pointsd_events_decoded_total",
				Help: "Total number of domain events decoded",
			}),
			decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pointsd_decode_failures_total",
				Help: "Total number of poison-pill logs recorded for audit",
			}),
			pointsAccrued: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pointsd_points_accruals_total",
				Help: "Total number of point accruals applied",
			}),
			reorgsHandled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pointsd_reorgs_handled_total",
				Help: "Total number of chain reorganizations rolled back",
			}),
			rpcErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pointsd_rpc_errors_total",
				Help: "Total number of exhausted RPC retry budgets",
			}),
			observedHead: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "pointsd_observed_head",
				Help: "Last observed chain head height",
			}),
		}
		prometheus.MustRegister(
			metrics.blocksProcessed,
			metrics.eventsDecoded,
			metrics.decodeFailures,
			metrics.pointsAccrued,
			metrics.reorgsHandled,
			metrics.rpcErrors,
			metrics.observedHead,
		)
	})
	return metrics
}

// BlockProcessed increments the committed-blocks counter.
func (m *Metrics) BlockProcessed() {
	if m != nil {
		m.blocksProcessed.Inc()
	}
}

// EventsDecoded adds decoded events.
func (m *Metrics) EventsDecoded(n int) {
	if m != nil {
		m.eventsDecoded.Add(float64(n))
	}
}

// DecodeFailure increments the poison-pill counter.
func (m *Metrics) DecodeFailure() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

// PointsAccrued increments the accrual counter.
func (m *Metrics) PointsAccrued() {
	if m != nil {
		m.pointsAccrued.Inc()
	}
}

// ReorgHandled increments the reorg counter.
func (m *Metrics) ReorgHandled() {
	if m != nil {
		m.reorgsHandled.Inc()
	}
}

// RPCError increments the exhausted-retry counter.
func (m *Metrics) RPCError() {
	if m != nil {
		m.rpcErrors.Inc()
	}
}

// ObservedHead records the latest chain head.
func (m *Metrics) ObservedHead(height uint64) {
	if m != nil {
		m.observedHead.Set(float64(height))
	}
}
