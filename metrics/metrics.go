// Package metrics exposes prometheus collectors for the protocol, transport and
// registry layers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"spi-rpc/message"
)

const namespace = "spirpc"

// Call outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
)

type Metrics struct {
	framesEncoded   *prometheus.CounterVec
	framesDecoded   *prometheus.CounterVec
	calls           *prometheus.CounterVec
	pending         prometheus.Gauge
	heartbeats      *prometheus.CounterVec
	registryLookups *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesEncoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "frames_encoded_total",
			Help:      "Frames encoded, by message type.",
		}, []string{"type"}),
		framesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "frames_decoded_total",
			Help:      "Frames decoded, by message type.",
		}, []string{"type"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "calls_total",
			Help:      "Completed client calls, by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "pending_calls",
			Help:      "Calls sent and not yet completed.",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "heartbeats_total",
			Help:      "Heartbeat frames, by direction.",
		}, []string{"direction"}),
		registryLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "lookups_total",
			Help:      "Service lookups, by whether the address cache answered.",
		}, []string{"source"}),
	}
	for _, c := range []prometheus.Collector{
		m.framesEncoded, m.framesDecoded, m.calls, m.pending, m.heartbeats, m.registryLookups,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) FrameEncoded(t message.Type) {
	if m == nil {
		return
	}
	m.framesEncoded.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) FrameDecoded(t message.Type) {
	if m == nil {
		return
	}
	m.framesDecoded.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) CallCompleted(outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// Heartbeat counts a heartbeat frame; direction is "sent" or "received".
func (m *Metrics) Heartbeat(direction string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(direction).Inc()
}

// RegistryLookup counts a lookup; source is "cache" or "registry".
func (m *Metrics) RegistryLookup(source string) {
	if m == nil {
		return
	}
	m.registryLookups.WithLabelValues(source).Inc()
}
