package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// Gather collects every metric family from the registry, failing the test on
// error.
func Gather(t testing.TB, reg prometheus.Gatherer) []*dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	return metrics
}

// PromCounterValue returns the value of the counter with the given name and
// label values, or -1 if no such series exists.
func PromCounterValue(t testing.TB, metrics []*dto.MetricFamily, name string, label ...string) float64 {
	t.Helper()
	m := findMetric(t, metrics, name, label...)
	if m == nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

// PromGaugeValue returns the value of the gauge with the given name and label
// values, or -1 if no such series exists.
func PromGaugeValue(t testing.TB, metrics []*dto.MetricFamily, name string, label ...string) float64 {
	t.Helper()
	m := findMetric(t, metrics, name, label...)
	if m == nil {
		return -1
	}
	return m.GetGauge().GetValue()
}

// PromHistogramCount returns the number of observations in the histogram with
// the given name and label values, or 0 if no such series exists.
func PromHistogramCount(t testing.TB, metrics []*dto.MetricFamily, name string, label ...string) uint64 {
	t.Helper()
	m := findMetric(t, metrics, name, label...)
	if m == nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func findMetric(t testing.TB, metrics []*dto.MetricFamily, name string, label ...string) *dto.Metric {
	t.Helper()
	for _, family := range metrics {
		if family.GetName() != name {
			continue
		}
	metricsLoop:
		for _, m := range family.GetMetric() {
			require.Equal(t, len(label), len(m.GetLabel()))
			for i, lv := range label {
				if lv != m.GetLabel()[i].GetValue() {
					continue metricsLoop
				}
			}
			return m
		}
	}
	return nil
}
