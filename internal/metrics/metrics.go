// Package metrics exposes Prometheus instrumentation for device polling,
// command sequencing and tracking.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	Polls               *prometheus.CounterVec
	PollDuration        *prometheus.HistogramVec
	ConsecutiveFailures *prometheus.GaugeVec
	Commands            *prometheus.CounterVec
	SequencerState      *prometheus.GaugeVec
	TrackingCorrections *prometheus.CounterVec
}

// New registers the collectors against reg, defaulting to the global
// registry when nil. Registering twice against the same registry returns the
// existing collectors.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := &Metrics{gatherer: gatherer}
	var err error
	if m.Polls, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pwi_polls_total",
		Help: "Status polls by device and result (ok, transport_error, decode_error).",
	}, []string{"device", "result"})); err != nil {
		return nil, err
	}
	if m.PollDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pwi_poll_duration_seconds",
		Help:    "Status poll round trip latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"device"})); err != nil {
		return nil, err
	}
	if m.ConsecutiveFailures, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pwi_poll_consecutive_failures",
		Help: "Current run of failed status polls.",
	}, []string{"device"})); err != nil {
		return nil, err
	}
	if m.Commands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pwi_commands_total",
		Help: "Commands sent by device, verb and result.",
	}, []string{"device", "verb", "result"})); err != nil {
		return nil, err
	}
	if m.SequencerState, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pwi_sequencer_state",
		Help: "1 for the sequencer's current state, 0 for every other state.",
	}, []string{"device", "state"})); err != nil {
		return nil, err
	}
	if m.TrackingCorrections, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pwi_tracking_corrections_total",
		Help: "Tracking rate corrections issued.",
	}, []string{"device"})); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			return c, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return c, err
	}
	return c, nil
}

// Handler serves the registry this Metrics was created against.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Poll(device, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(device, result).Inc()
	if result != "transport_error" {
		m.PollDuration.WithLabelValues(device).Observe(seconds)
	}
}

func (m *Metrics) PollFailures(device string, n int) {
	if m == nil {
		return
	}
	m.ConsecutiveFailures.WithLabelValues(device).Set(float64(n))
}

func (m *Metrics) Command(device, verb string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(device, verb, result).Inc()
}

// State marks state as current for device among all of states.
func (m *Metrics) State(device, state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SequencerState.WithLabelValues(device, s).Set(v)
	}
}

func (m *Metrics) TrackingCorrection(device string) {
	if m == nil {
		return
	}
	m.TrackingCorrections.WithLabelValues(device).Inc()
}
