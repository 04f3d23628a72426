package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the broker's Prometheus collectors: lookup outcomes,
// miss reasons, proffer activity, and availability fan-out.
type Metrics struct {
	LookupsTotal        *prometheus.CounterVec
	LookupDuration      *prometheus.HistogramVec
	MissesTotal         *prometheus.CounterVec
	ProffersTotal       *prometheus.CounterVec
	ActiveProffers      *prometheus.GaugeVec
	AvailabilityEvents  *prometheus.CounterVec
	ActivationFaults    *prometheus.CounterVec
	SubscribedViews     prometheus.Gauge
}

// NewMetrics registers a fresh Metrics against a private registry: each
// Container gets its own collector instances, so constructing more than
// one Container in the same process (as the test suite does) never
// collides on the process-wide default registerer. Callers that want a
// Container's metrics scraped process-wide should pass
// ContainerOptions.MetricsRegisterer (e.g. prometheus.DefaultRegisterer)
// instead of relying on this default.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry registers against a custom registerer, used by
// tests to avoid colliding with the process-wide default registry.
func NewMetricsWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_lookups_total",
				Help: "Total number of lookup engine invocations, by outcome (hit or miss).",
			},
			[]string{"outcome"},
		),
		LookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_lookup_duration_seconds",
				Help:    "Lookup engine duration in seconds.",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"outcome"},
		),
		MissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_misses_total",
				Help: "Total number of lookup misses, by MissKind.",
			},
			[]string{"kind"},
		),
		ProffersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_proffers_total",
				Help: "Total number of successful Proffer calls, by source.",
			},
			[]string{"source"},
		),
		ActiveProffers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_active_proffers",
				Help: "Current number of live proffered entries, by source.",
			},
			[]string{"source"},
		),
		AvailabilityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_availability_events_total",
				Help: "Total number of AvailabilityChanged events delivered to views.",
			},
			[]string{"forwarded"},
		),
		ActivationFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_activation_faults_total",
				Help: "Total number of ServiceActivationFailed errors, by fault stage.",
			},
			[]string{"fault"},
		),
		SubscribedViews: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_subscribed_views",
				Help: "Current number of views subscribed to availability changes.",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.LookupsTotal,
			m.LookupDuration,
			m.MissesTotal,
			m.ProffersTotal,
			m.ActiveProffers,
			m.AvailabilityEvents,
			m.ActivationFaults,
			m.SubscribedViews,
		)
	}
	return m
}

// ObserveLookup records one lookup engine invocation.
func (m *Metrics) ObserveLookup(result lookupResult, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "hit"
	if !result.Hit() {
		outcome = "miss"
		m.MissesTotal.WithLabelValues(string(result.Miss.Kind)).Inc()
	}
	m.LookupsTotal.WithLabelValues(outcome).Inc()
	m.LookupDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveProffer records one successful Proffer call.
func (m *Metrics) ObserveProffer(source Source) {
	if m == nil {
		return
	}
	m.ProffersTotal.WithLabelValues(source.String()).Inc()
	m.ActiveProffers.WithLabelValues(source.String()).Inc()
}

// ObserveDispose records a retraction, the mirror of ObserveProffer.
func (m *Metrics) ObserveDispose(source Source) {
	if m == nil {
		return
	}
	m.ActiveProffers.WithLabelValues(source.String()).Dec()
}

// ObserveAvailabilityEvent records one delivered AvailabilityChanged
// event.
func (m *Metrics) ObserveAvailabilityEvent(forwarded bool) {
	if m == nil {
		return
	}
	label := "direct"
	if forwarded {
		label = "forwarded"
	}
	m.AvailabilityEvents.WithLabelValues(label).Inc()
}

// ObserveActivationFault records one ServiceActivationFailed.
func (m *Metrics) ObserveActivationFault(fault ActivationFault) {
	if m == nil {
		return
	}
	m.ActivationFaults.WithLabelValues(string(fault)).Inc()
}
