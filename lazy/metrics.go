package lazy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values for construction results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultPanic   = "panic"
)

// Metrics holds the collectors shared by every Cell configured with it. Cells
// are told apart by the "name" label.
type Metrics struct {
	constructions     *prometheus.CounterVec
	constructDuration *prometheus.HistogramVec
	waiters           *prometheus.GaugeVec
	backoffRejections *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		constructions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lazy",
			Name:      "constructions_total",
			Help:      "The total number of construction attempts, by result. A healthy cell records exactly one success.",
		}, []string{"name", "result"}),
		constructDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lazy",
			Name:      "construction_duration_seconds",
			Help:      "Time spent inside constructors.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"name"}),
		waiters: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lazy",
			Name:      "waiters",
			Help:      "Callers currently blocked on an in-flight construction.",
		}, []string{"name"}),
		backoffRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lazy",
			Name:      "backoff_rejections_total",
			Help:      "Loads that returned the previous failure because the cell was inside its retry backoff window.",
		}, []string{"name"}),
	}
}

// The methods below accept a nil receiver so cells without metrics don't
// have to check.

func (m *Metrics) recordConstruction(name, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.constructions.WithLabelValues(name, result).Inc()
	m.constructDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *Metrics) addWaiter(name string, delta float64) {
	if m == nil {
		return
	}
	m.waiters.WithLabelValues(name).Add(delta)
}

func (m *Metrics) recordBackoffRejection(name string) {
	if m == nil {
		return
	}
	m.backoffRejections.WithLabelValues(name).Inc()
}
