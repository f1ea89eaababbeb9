package dualauth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the authorization flows.
type Metrics struct {
	inits           *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers it with the provided registerer.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		inits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dualauth",
				Subsystem: "flow",
				Name:      "inits_total",
				Help:      "Authorization attempts started, by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dualauth",
				Subsystem: "flow",
				Name:      "callbacks_total",
				Help:      "Callbacks processed, by protocol and result kind",
			},
			[]string{"protocol", "result"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dualauth",
				Subsystem: "provider",
				Name:      "request_seconds",
				Help:      "Latency of requests to the provider's token and identity endpoints",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"call"},
		),
	}

	registerer.MustRegister(m.inits, m.callbacks, m.providerLatency)
	return m
}

func (m *Metrics) recordInit(protocol Protocol, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	m.inits.WithLabelValues(string(protocol), outcome).Inc()
}

func (m *Metrics) recordCallback(protocol Protocol, err error) {
	if m == nil {
		return
	}
	result := "linked"
	if err != nil {
		result = string(KindOf(err))
	}
	m.callbacks.WithLabelValues(string(protocol), result).Inc()
}

// observeProvider returns a func that records the elapsed time when called.
func (m *Metrics) observeProvider(call string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.providerLatency.WithLabelValues(call).Observe(time.Since(start).Seconds())
	}
}
