package serial

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts channel traffic. A nil *Metrics records nothing.
type Metrics struct {
	BytesReceived   prometheus.Counter
	BytesSent       prometheus.Counter
	ReadsDropped    prometheus.Counter
	ConnectFailures prometheus.Counter
	StateChanges    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesReceived:   prometheus.NewCounter(prometheus.CounterOpts{Name: "serial_bytes_received_total", Help: "Bytes read from the channel socket"}),
		BytesSent:       prometheus.NewCounter(prometheus.CounterOpts{Name: "serial_bytes_sent_total", Help: "Bytes accepted by the channel socket"}),
		ReadsDropped:    prometheus.NewCounter(prometheus.CounterOpts{Name: "serial_reads_dropped_total", Help: "Reads discarded because no data callback was set"}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "serial_connect_failures_total", Help: "Failed connects after the broker reported OPENED"}),
		StateChanges:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "serial_state_changes_total", Help: "Successful state transitions"}, []string{"state"}),
	}
	reg.MustRegister(m.BytesReceived, m.BytesSent, m.ReadsDropped, m.ConnectFailures, m.StateChanges)
	return m
}

func (m *Metrics) received(n int) {
	if m != nil {
		m.BytesReceived.Add(float64(n))
	}
}

func (m *Metrics) sent(n int) {
	if m != nil {
		m.BytesSent.Add(float64(n))
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.ReadsDropped.Inc()
	}
}

func (m *Metrics) connectFailed() {
	if m != nil {
		m.ConnectFailures.Inc()
	}
}

func (m *Metrics) stateChanged(state State) {
	if m != nil {
		m.StateChanges.WithLabelValues(state.String()).Inc()
	}
}
