package transfer

import "github.com/prometheus/client_golang/prometheus"

const (
	targetLastAcker = "last_acker"
	targetOrigin    = "origin"
	targetAny       = "any"
)

// Metrics are the transfer engine counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	BlocksReceived  prometheus.Counter
	DuplicateBlocks prometheus.Counter
	RequestsSent    *prometheus.CounterVec
	ResponsesServed prometheus.Counter
	BlocksResent    prometheus.Counter
	Dropped         *prometheus.CounterVec
	Completed       *prometheus.CounterVec
	Evicted         *prometheus.CounterVec
	Live            *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlocksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockcast",
			Subsystem: "transfer",
			Name:      "blocks_received_total",
			Help:      "New blocks stored by receivers",
		}),
		DuplicateBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockcast",
			Subsystem: "transfer",
			Name:      "duplicate_blocks_total",
			Help:      "Blocks dropped because they were already received",
		}),
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcast",
			Subsystem: "transfer",
			Name:      "requests_sent_total",
			Help:      "Missing-block requests by addressee class",
		}, []string{"target"}),
		ResponsesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockcast",
			Subsystem: "transfer",
			Name:      "responses_served_total",
			Help:      "Blocks sent in answer to requests",
		}),
		BlocksResent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockcast",
			Subsystem: "transfer",
			Name:      "blocks_resent_total",
			Help:      "Unacknowledged blocks re-broadcast by senders",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcast",
			Subsystem: "dispatch",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped by reason",
		}, []string{"reason"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcast",
			Subsystem: "transfer",
			Name:      "completed_total",
			Help:      "Transfers completed",
		}, []string{"direction"}),
		Evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcast",
			Subsystem: "transfer",
			Name:      "evicted_total",
			Help:      "Wranglers evicted after idling past their lifetime",
		}, []string{"direction", "complete"}),
		Live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blockcast",
			Subsystem: "transfer",
			Name:      "live_wranglers",
			Help:      "Registered wranglers",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BlocksReceived,
			m.DuplicateBlocks,
			m.RequestsSent,
			m.ResponsesServed,
			m.BlocksResent,
			m.Dropped,
			m.Completed,
			m.Evicted,
			m.Live,
		)
	}
	return m
}

func (m *Metrics) blockReceived() {
	if m != nil {
		m.BlocksReceived.Inc()
	}
}

func (m *Metrics) duplicateBlock() {
	if m != nil {
		m.DuplicateBlocks.Inc()
	}
}

func (m *Metrics) requestSent(target string) {
	if m != nil {
		m.RequestsSent.WithLabelValues(target).Inc()
	}
}

func (m *Metrics) responseServed() {
	if m != nil {
		m.ResponsesServed.Inc()
	}
}

func (m *Metrics) blocksResent(n int) {
	if m != nil {
		m.BlocksResent.Add(float64(n))
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) transferCompleted(dir Direction) {
	if m != nil {
		m.Completed.WithLabelValues(string(dir)).Inc()
	}
}

func (m *Metrics) evicted(s Summary) {
	if m == nil {
		return
	}
	complete := "false"
	if s.Complete {
		complete = "true"
	}
	m.Evicted.WithLabelValues(string(s.Direction), complete).Inc()
}

func (m *Metrics) liveAdd(dir Direction, delta float64) {
	if m != nil {
		m.Live.WithLabelValues(string(dir)).Add(delta)
	}
}
