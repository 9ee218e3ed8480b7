package chatspace

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by Client and Engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// RequestDuration tracks API request duration by operation and outcome.
	RequestDuration *prometheus.HistogramVec

	// PollIterations counts background poll fetches by outcome.
	PollIterations *prometheus.CounterVec

	// IntentErrors counts failed engine intents.
	IntentErrors *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatspace_request_duration_seconds",
				Help:    "Conversation API request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation", "outcome"},
		),
		PollIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatspace_poll_iterations_total",
				Help: "Background conversation poll fetches",
			},
			[]string{"outcome"},
		),
		IntentErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatspace_intent_errors_total",
				Help: "Engine intents that ended in an error",
			},
			[]string{"intent"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.RequestDuration, m.PollIterations, m.IntentErrors)
	}
	return m
}

func (m *Metrics) observeRequest(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (m *Metrics) pollIteration(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.PollIterations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) intentFailed(intent string) {
	if m == nil {
		return
	}
	m.IntentErrors.WithLabelValues(intent).Inc()
}
