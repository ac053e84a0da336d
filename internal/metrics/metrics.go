// Package metrics exposes pipeline counters and gauges to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "acheron"

// Metrics holds every collector the pipeline reports to.
type Metrics struct {
	oddsUpdates         *prometheus.CounterVec
	rejectedUpdates     *prometheus.CounterVec
	opportunities       *prometheus.CounterVec
	sinkFailures        *prometheus.CounterVec
	processLatency      prometheus.Histogram
	frames              *prometheus.CounterVec
	reconnects          prometheus.Counter
	heartbeats          prometheus.Counter
	streamState         prometheus.Gauge
	componentHealthy    *prometheus.GaugeVec
	consecutiveFailures *prometheus.GaugeVec
	storeEntries        prometheus.Gauge
}

// New builds the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		oddsUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "odds_updates_total",
			Help: "Price updates admitted to the odds store.",
		}, []string{"source"}),
		rejectedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "odds_rejected_total",
			Help: "Price updates dropped before storage.",
		}, []string{"reason"}),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "arbitrage_opportunities_total",
			Help: "Arbitrage opportunities detected.",
		}, []string{"market"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "opportunity_sink_failures_total",
			Help: "Failed opportunity deliveries per sink.",
		}, []string{"sink"}),
		processLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "process_update_seconds",
			Help:    "Time spent in the update-then-check critical section.",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_frames_total",
			Help: "Inbound stream frames by classification.",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_reconnects_total",
			Help: "Reconnect attempts by the stream interceptor.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_heartbeats_sent_total",
			Help: "Keep-alive signals sent.",
		}),
		streamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stream_state",
			Help: "0 disconnected, 1 connecting, 2 connected, 3 given up.",
		}),
		componentHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "component_healthy",
			Help: "1 healthy, 0 unhealthy, -1 unknown.",
		}, []string{"component"}),
		consecutiveFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "component_consecutive_failures",
			Help: "Current failure streak per component.",
		}, []string{"component"}),
		storeEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "odds_store_entries",
			Help: "Snapshots held in memory after the last sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.oddsUpdates, m.rejectedUpdates, m.opportunities, m.sinkFailures,
			m.processLatency, m.frames, m.reconnects, m.heartbeats,
			m.streamState, m.componentHealthy, m.consecutiveFailures, m.storeEntries,
		)
	}
	return m
}

// Handler serves the default gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) OddsUpdate(source string) {
	if m == nil {
		return
	}
	m.oddsUpdates.WithLabelValues(source).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedUpdates.WithLabelValues(reason).Inc()
}

func (m *Metrics) Opportunity(market string) {
	if m == nil {
		return
	}
	m.opportunities.WithLabelValues(market).Inc()
}

func (m *Metrics) SinkFailure(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) ProcessDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.processLatency.Observe(d.Seconds())
}

func (m *Metrics) Frame(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) HeartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) StreamState(state int) {
	if m == nil {
		return
	}
	m.streamState.Set(float64(state))
}

// ComponentHealth records status as 1 (healthy), 0 (unhealthy) or -1.
func (m *Metrics) ComponentHealth(component string, status float64, failures int) {
	if m == nil {
		return
	}
	m.componentHealthy.WithLabelValues(component).Set(status)
	m.consecutiveFailures.WithLabelValues(component).Set(float64(failures))
}

func (m *Metrics) StoreEntries(n int) {
	if m == nil {
		return
	}
	m.storeEntries.Set(float64(n))
}
