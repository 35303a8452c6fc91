package metric

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/shmview/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry.PrometheusRegistry())
	require.Same(t, registry.Metrics, registry.CoreMetrics())

	registry.CoreMetrics().RecordBuildInfo("test")
	registry.CoreMetrics().RecordNATSStatus(true)

	names := gatheredNames(t, registry)
	assert.True(t, names["shmview_build_info"])
	assert.True(t, names["shmview_nats_connected"])
	assert.True(t, names["go_goroutines"], "runtime collector")
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, registry.RegisterCounter("fits", "files",
		prometheus.NewCounter(prometheus.CounterOpts{Name: "test_files_total", Help: "h"})))
	require.NoError(t, registry.RegisterGauge("fits", "kept",
		prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_kept", Help: "h"})))
	require.NoError(t, registry.RegisterHistogram("fits", "write",
		prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_write_seconds", Help: "h"})))
	require.NoError(t, registry.RegisterCounterVec("fits", "errors",
		prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_errors_total", Help: "h"}, []string{"kind"})))
	require.NoError(t, registry.RegisterGaugeVec("fits", "slots",
		prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_slots", Help: "h"}, []string{"slot"})))
	require.NoError(t, registry.RegisterHistogramVec("fits", "sizes",
		prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_sizes", Help: "h"}, []string{"type"})))
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "h"})

	require.NoError(t, registry.RegisterCounter("a", "dup", counter))

	err := registry.RegisterCounter("a", "dup", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "h"})
	err = registry.RegisterCounter("b", "dup", other)
	require.Error(t, err, "same prometheus name under another component")
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "gone", Help: "h"})
	gauge.Set(1)

	require.NoError(t, registry.RegisterGauge("journal", "gone", gauge))
	assert.True(t, gatheredNames(t, registry)["gone"])

	assert.True(t, registry.Unregister("journal", "gone"))
	assert.False(t, gatheredNames(t, registry)["gone"])
	assert.False(t, registry.Unregister("journal", "gone"))

	require.NoError(t, registry.RegisterGauge("journal", "gone", gauge), "re-register after unregister")
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: fmt.Sprintf("concurrent_%d_total", i), Help: "h"})
			assert.NoError(t, registry.RegisterCounter("c", fmt.Sprintf("m%d", i), c))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		assert.True(t, registry.Unregister("c", fmt.Sprintf("m%d", i)))
	}
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	m := NewMetricsRegistry().CoreMetrics()

	m.RecordError("stream", "not_found")
	m.RecordError("stream", "not_found")
	assert.Equal(t, float64(2), promtest.ToFloat64(m.ComponentErrors.WithLabelValues("stream", "not_found")))

	m.RecordHealthStatus("stream", "healthy")
	assert.Equal(t, float64(2), promtest.ToFloat64(m.HealthCheckStatus.WithLabelValues("stream")))
	m.RecordHealthStatus("stream", "degraded")
	assert.Equal(t, float64(1), promtest.ToFloat64(m.HealthCheckStatus.WithLabelValues("stream")))
	m.RecordHealthStatus("stream", "unhealthy")
	assert.Equal(t, float64(0), promtest.ToFloat64(m.HealthCheckStatus.WithLabelValues("stream")))

	m.RecordNATSReconnect()
	assert.Equal(t, float64(1), promtest.ToFloat64(m.NATSReconnects))

	m.RecordCircuitBreakerState(true)
	assert.Equal(t, float64(1), promtest.ToFloat64(m.NATSCircuitBreaker))
}
