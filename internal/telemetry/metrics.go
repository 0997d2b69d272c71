package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsNamespace prefixes every framelink metric.
const MetricsNamespace = "framelink"

// Metrics holds the Prometheus collectors for sessions. Every method is safe
// to call on a nil *Metrics, so sessions can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
	oversized        *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	framesFlushed    prometheus.Counter
	snapshots        prometheus.Counter
	aggregatorResets prometheus.Counter
	participants     *prometheus.GaugeVec
	tickDuration     prometheus.Histogram
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "messages_received_total",
			Help:      "Messages decoded and dispatched, by session role and tag",
		}, []string{"role", "tag"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped without a state change",
		}, []string{"role", "reason"}),

		sendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "send_failures_total",
			Help:      "Failed sends by transport error classification",
		}, []string{"role", "kind"}),

		oversized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "messages_oversized_total",
			Help:      "Outbound messages withheld for exceeding the transport size limit",
		}, []string{"role", "tag"}),

		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "participants_rejected_total",
			Help:      "Connections rejected or evicted, by end reason",
		}, []string{"reason"}),

		framesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "channel_frames_flushed_total",
			Help:      "Channel frames drained into periodic snapshots",
		}),

		snapshots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "snapshots_sent_total",
			Help:      "Periodic snapshots broadcast",
		}),

		aggregatorResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "aggregator_resets_total",
			Help:      "Aggregated buffers discarded after a size mismatch",
		}),

		participants: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "participants",
			Help:      "Current participants by record state",
		}, []string{"state"}),

		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "tick_duration_seconds",
			Help:      "Session tick processing time",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageReceived(role, tag string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(role, tag).Inc()
}

func (m *Metrics) MessageDropped(role, reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(role, reason).Inc()
}

func (m *Metrics) SendFailed(role, kind string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(role, kind).Inc()
}

func (m *Metrics) ParticipantRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// MessageOversized records an outbound message that was too large to send.
func (m *Metrics) MessageOversized(role, tag string) {
	if m == nil {
		return
	}
	m.oversized.WithLabelValues(role, tag).Inc()
}

// SnapshotSent records one periodic snapshot carrying frames channel frames.
func (m *Metrics) SnapshotSent(frames int) {
	if m == nil {
		return
	}
	m.snapshots.Inc()
	m.framesFlushed.Add(float64(frames))
}

func (m *Metrics) AggregatorReset() {
	if m == nil {
		return
	}
	m.aggregatorResets.Inc()
}

// SetParticipants updates the participant gauges.
func (m *Metrics) SetParticipants(pending, active int) {
	if m == nil {
		return
	}
	m.participants.WithLabelValues("pending").Set(float64(pending))
	m.participants.WithLabelValues("active").Set(float64(active))
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}
