package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runit_provider"

// Metrics groups the provider collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	heartbeats      *prometheus.CounterVec
	registrations   *prometheus.CounterVec
	statusChecks    *prometheus.CounterVec
	activityEvents  prometheus.Counter
	idleSeconds     prometheus.Gauge
	lifecycleState  *prometheus.GaugeVec
	teardownSeconds prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent, by acknowledgement.",
		}, []string{"ack"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Session registration attempts, by kind and result.",
		}, []string{"kind", "result"}),
		statusChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_checks_total",
			Help:      "Session status polls, by observed status.",
		}, []string{"status"}),
		activityEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_events_total",
			Help:      "I/O samples that differed from the previous sample.",
		}),
		idleSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle_seconds",
			Help:      "Seconds since the last observed activity.",
		}),
		lifecycleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "1 for the current lifecycle state, 0 otherwise.",
		}, []string{"state"}),
		teardownSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "teardown_seconds",
			Help:      "Time spent draining the session.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.heartbeats,
		m.registrations,
		m.statusChecks,
		m.activityEvents,
		m.idleSeconds,
		m.lifecycleState,
		m.teardownSeconds,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHeartbeat(ack string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(ack).Inc()
}

func (m *Metrics) ObserveRegistration(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.registrations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveStatusCheck(status string) {
	if m == nil {
		return
	}
	m.statusChecks.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveActivity() {
	if m == nil {
		return
	}
	m.activityEvents.Inc()
}

func (m *Metrics) SetIdle(d time.Duration) {
	if m == nil {
		return
	}
	m.idleSeconds.Set(d.Seconds())
}

// SetState marks state as current and every other known state as inactive.
func (m *Metrics) SetState(state string, known []string) {
	if m == nil {
		return
	}
	for _, s := range known {
		m.lifecycleState.WithLabelValues(s).Set(0)
	}
	m.lifecycleState.WithLabelValues(state).Set(1)
}

func (m *Metrics) ObserveTeardown(d time.Duration) {
	if m == nil {
		return
	}
	m.teardownSeconds.Observe(d.Seconds())
}
