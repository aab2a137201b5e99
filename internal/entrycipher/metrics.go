package entrycipher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics records latency and volume of cipher operations.
type Metrics struct {
	operations *prometheus.CounterVec
	entries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the cipher collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gophsync",
			Subsystem: "cipher",
			Name:      "operations_total",
			Help:      "Encrypt/decrypt calls by result.",
		}, []string{"op", "result"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gophsync",
			Subsystem: "cipher",
			Name:      "entries_total",
			Help:      "Entries processed by the cipher.",
		}, []string{"op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gophsync",
			Subsystem: "cipher",
			Name:      "duration_seconds",
			Help:      "Latency of encrypt/decrypt calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.entries, m.duration)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, n int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.entries.WithLabelValues(op).Add(float64(n))
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Entries reports how many entries went through op, "encrypt" or "decrypt".
func (m *Metrics) Entries(op string) int {
	if m == nil {
		return 0
	}
	var pb dto.Metric
	if err := m.entries.WithLabelValues(op).Write(&pb); err != nil {
		return 0
	}
	return int(pb.GetCounter().GetValue())
}
