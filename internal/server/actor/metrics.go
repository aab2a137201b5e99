package actor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is shared by all actors of a process. Namespaces are not used as
// labels.
type Metrics struct {
	writes    *prometheus.CounterVec
	entries   prometheus.Counter
	peers     prometheus.Gauge
	actors    prometheus.Gauge
	frames    *prometheus.CounterVec
	malformed prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gophsync",
			Subsystem: "actor",
			Name:      "writes_total",
			Help:      "WriteEntries requests by outcome.",
		}, []string{"result"}),
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gophsync",
			Subsystem: "actor",
			Name:      "entries_stored_total",
			Help:      "Entries returned by storage for accepted writes.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gophsync",
			Subsystem: "actor",
			Name:      "peers",
			Help:      "Connected peers across all namespaces.",
		}),
		actors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gophsync",
			Subsystem: "actor",
			Name:      "running",
			Help:      "Running namespace actors.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gophsync",
			Subsystem: "actor",
			Name:      "frames_sent_total",
			Help:      "Frames queued to peers by kind.",
		}, []string{"kind"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gophsync",
			Subsystem: "actor",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.entries, m.peers, m.actors, m.frames, m.malformed)
	}
	return m
}

func (m *Metrics) write(result string, stored int) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(result).Inc()
	m.entries.Add(float64(stored))
}

func (m *Metrics) sent(kind string, n int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) peer(delta float64) {
	if m == nil {
		return
	}
	m.peers.Add(delta)
}

func (m *Metrics) actor(delta float64) {
	if m == nil {
		return
	}
	m.actors.Add(delta)
}

func (m *Metrics) badFrame() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}
