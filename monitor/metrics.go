package monitor

import (
	stderrors "errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/shmview/metric"
)

// Metrics holds Prometheus metrics for the stream runner and its monitors
type Metrics struct {
	framesForwarded  prometheus.Counter
	attachAttempts   *prometheus.CounterVec
	geometryChanges  prometheus.Counter
	producerGone     prometheus.Counter
	monitorState     prometheus.Gauge
	attached         prometheus.Gauge
	lastWriteCounter prometheus.Gauge
	deliveryErrors   prometheus.Counter
	deliveryDuration prometheus.Histogram
}

// newMetrics creates and registers stream metrics
func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		framesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "frames_forwarded_total",
			Help:      "Frames handed to the display sink",
		}),
		attachAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "attach_attempts_total",
			Help:      "Attach attempts by result (ok or the stream error kind)",
		}, []string{"result"}),
		geometryChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "geometry_changes_total",
			Help:      "Times the stream dims changed under an attachment",
		}),
		producerGone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "producer_gone_total",
			Help:      "Times the producer was detected gone",
		}),
		monitorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "monitor_state",
			Help:      "Current monitor state (0=waiting, 1=frame_ready, 2=geometry_changed, 3=producer_gone)",
		}),
		attached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "attached",
			Help:      "1 while attached to the stream",
		}),
		lastWriteCounter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "last_write_counter",
			Help:      "Write counter of the last forwarded frame",
		}),
		deliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "delivery_errors_total",
			Help:      "Frames the display sink failed to take",
		}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "stream",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in the display sink per frame",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
	}

	err := stderrors.Join(
		registry.RegisterCounter("stream", "frames_forwarded", m.framesForwarded),
		registry.RegisterCounterVec("stream", "attach_attempts", m.attachAttempts),
		registry.RegisterCounter("stream", "geometry_changes", m.geometryChanges),
		registry.RegisterCounter("stream", "producer_gone", m.producerGone),
		registry.RegisterGauge("stream", "monitor_state", m.monitorState),
		registry.RegisterGauge("stream", "attached", m.attached),
		registry.RegisterGauge("stream", "last_write_counter", m.lastWriteCounter),
		registry.RegisterCounter("stream", "delivery_errors", m.deliveryErrors),
		registry.RegisterHistogram("stream", "delivery_duration", m.deliveryDuration),
	)
	if err != nil {
		logger.Warn("Stream metrics not fully registered", "error", err)
	}

	return m
}

func (m *Metrics) recordState(s State) {
	if m != nil {
		m.monitorState.Set(float64(s))
	}
}

func (m *Metrics) recordAttach(result string) {
	if m != nil {
		m.attachAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) recordAttached(on bool) {
	if m == nil {
		return
	}
	if on {
		m.attached.Set(1)
	} else {
		m.attached.Set(0)
	}
}
