package ebusd

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's Prometheus collectors. All methods are
// no-ops on a nil *Metrics.
type Metrics struct {
	messagesReceived *prometheus.CounterVec
	valuesDecoded    *prometheus.CounterVec
	decodeIssues     *prometheus.CounterVec
	setCommands      *prometheus.CounterVec
	pollCommands     *prometheus.CounterVec
	healthChecks     *prometheus.CounterVec
	circuitStatus    *prometheus.GaugeVec
	configRevision   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ebusbridge",
			Name:      "messages_received_total",
			Help:      "Inbound ebusd message broadcasts per circuit.",
		}, []string{"circuit"}),
		valuesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ebusbridge",
			Name:      "values_decoded_total",
			Help:      "Field values decoded from kept messages.",
		}, []string{"circuit"}),
		decodeIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ebusbridge",
			Name:      "decode_issues_total",
			Help:      "Per-field decode problems by class.",
		}, []string{"circuit", "class"}),
		setCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ebusbridge",
			Name:      "set_commands_total",
			Help:      "Set commands by result.",
		}, []string{"circuit", "result"}),
		pollCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ebusbridge",
			Name:      "poll_commands_total",
			Help:      "Poll priority commands published.",
		}, []string{"circuit"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ebusbridge",
			Name:      "health_checks_total",
			Help:      "Connection health evaluations by resulting status.",
		}, []string{"circuit", "status"}),
		circuitStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ebusbridge",
			Name:      "circuit_status_code",
			Help:      "Current status code per circuit (102 = active).",
		}, []string{"circuit"}),
		configRevision: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ebusbridge",
			Name:      "config_revision",
			Help:      "Revision of the loaded message configuration per circuit.",
		}, []string{"circuit"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.messagesReceived, m.valuesDecoded, m.decodeIssues, m.setCommands,
			m.pollCommands, m.healthChecks, m.circuitStatus, m.configRevision,
		)
	}
	return m
}

func (m *Metrics) messageReceived(circuit string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(circuit).Inc()
}

func (m *Metrics) decoded(circuit string, d MessageDecode) {
	if m == nil {
		return
	}
	m.valuesDecoded.WithLabelValues(circuit).Add(float64(len(d.Present())))
	for _, issue := range d.Issues {
		m.decodeIssues.WithLabelValues(circuit, string(issue.Class)).Inc()
	}
}

func (m *Metrics) setCommand(circuit string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.setCommands.WithLabelValues(circuit, result).Inc()
}

func (m *Metrics) pollCommandsPublished(circuit string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pollCommands.WithLabelValues(circuit).Add(float64(n))
}

func (m *Metrics) healthChecked(circuit string, s Status) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(circuit, s.String()).Inc()
	m.circuitStatus.WithLabelValues(circuit).Set(float64(s.Code()))
}

func (m *Metrics) revision(circuit string, rev uint64) {
	if m == nil {
		return
	}
	m.configRevision.WithLabelValues(circuit).Set(float64(rev))
}

// BridgeMetrics is a point-in-time snapshot of bridge counters.
type BridgeMetrics struct {
	MessagesReceived uint64 `json:"messages_received"`
	MessagesApplied  uint64 `json:"messages_applied"`
	MessagesSkipped  uint64 `json:"messages_skipped"`
	DecodeErrors     uint64 `json:"decode_errors"`
	SetCommands      uint64 `json:"set_commands"`
	SetErrors        uint64 `json:"set_errors"`
	PollCommands     uint64 `json:"poll_commands"`
	Circuits         int    `json:"circuits"`
	CircuitsActive   int    `json:"circuits_active"`
}

// counters are the in-process totals behind BridgeMetrics.
type counters struct {
	received     atomic.Uint64
	applied      atomic.Uint64
	skipped      atomic.Uint64
	decodeErrors atomic.Uint64
	sets         atomic.Uint64
	setErrors    atomic.Uint64
	polls        atomic.Uint64
}
