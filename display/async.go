package display

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/shmview/errors"
	"github.com/c360/shmview/metric"
)

// DefaultQueueSize is the queue length used when AsyncConfig.QueueSize is unset.
const DefaultQueueSize = 8

// AsyncConfig configures an Async sink.
type AsyncConfig struct {
	Name            string // metric label, required with MetricsRegistry
	QueueSize       int
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// AsyncStats are an Async sink's lifetime counters.
type AsyncStats struct {
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

type asyncMetrics struct {
	queueDepth *prometheus.GaugeVec
	dropped    *prometheus.CounterVec
	failed     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// asyncMetricsByRegistry shares one set of vectors per registry.
var asyncMetricsByRegistry sync.Map

func newAsyncMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *asyncMetrics {
	if registry == nil {
		return nil
	}
	if m, ok := asyncMetricsByRegistry.Load(registry); ok {
		return m.(*asyncMetrics)
	}

	m := &asyncMetrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "output",
			Name:      "queue_depth",
			Help:      "Frames waiting for a queued output",
		}, []string{"output"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "output",
			Name:      "dropped_total",
			Help:      "Frames dropped because an output queue was full",
		}, []string{"output"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "output",
			Name:      "failed_total",
			Help:      "Queued frames an output failed to display",
		}, []string{"output"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "output",
			Name:      "display_duration_seconds",
			Help:      "Time an output spent on one queued frame",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1.0},
		}, []string{"output"}),
	}
	actual, loaded := asyncMetricsByRegistry.LoadOrStore(registry, m)
	if loaded {
		return actual.(*asyncMetrics)
	}

	err := stderrors.Join(
		registry.RegisterGaugeVec("output", "queue_depth", m.queueDepth),
		registry.RegisterCounterVec("output", "dropped_total", m.dropped),
		registry.RegisterCounterVec("output", "failed_total", m.failed),
		registry.RegisterHistogramVec("output", "display_duration_seconds", m.duration),
	)
	if err != nil {
		logger.Warn("Output queue metrics not fully registered", "error", err)
	}
	return m
}

// Async decouples a slow sink from the stream monitor. Display copies the
// frame into a bounded queue and returns at once; a single worker feeds the
// queue to the wrapped sink in order. When the queue is full the frame is
// dropped, since a newer one is always coming.
type Async struct {
	name    string
	next    Sink
	queue   chan Frame
	logger  *slog.Logger
	metrics *asyncMetrics

	// Lifecycle management
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	failing   atomic.Bool
}

// NewAsync wraps next. Call Start before the first Display.
func NewAsync(next Sink, cfg AsyncConfig) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "async-output", "output", cfg.Name)
	}
	return &Async{
		name:    cfg.Name,
		next:    next,
		queue:   make(chan Frame, cfg.QueueSize),
		logger:  logger,
		metrics: newAsyncMetrics(cfg.MetricsRegistry, logger),
	}
}

// Start starts the worker. It exits when ctx is cancelled or on Close.
func (a *Async) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Async", "Start", a.name)
	}
	a.started = true
	a.wg.Add(1)
	go a.worker(ctx)
	return nil
}

// Display queues a copy of f.
func (a *Async) Display(_ context.Context, f Frame) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if !a.started {
		return errors.WrapFatal(errors.ErrNotStarted, "Async", "Display", a.name)
	}
	if a.stopped {
		return errors.WrapFatal(errors.ErrShuttingDown, "Async", "Display", a.name)
	}

	f.Pixels = append([]byte(nil), f.Pixels...)
	select {
	case a.queue <- f:
		a.submitted.Add(1)
		if a.metrics != nil {
			a.metrics.queueDepth.WithLabelValues(a.name).Set(float64(len(a.queue)))
		}
	default:
		a.dropped.Add(1)
		if a.metrics != nil {
			a.metrics.dropped.WithLabelValues(a.name).Inc()
		}
	}
	return nil
}

func (a *Async) worker(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-a.queue:
			if !ok {
				return
			}
			a.deliver(ctx, f)
		}
	}
}

func (a *Async) deliver(ctx context.Context, f Frame) {
	start := time.Now()
	err := a.next.Display(ctx, f)
	if a.metrics != nil {
		a.metrics.duration.WithLabelValues(a.name).Observe(time.Since(start).Seconds())
		a.metrics.queueDepth.WithLabelValues(a.name).Set(float64(len(a.queue)))
	}

	if err != nil {
		a.failed.Add(1)
		if a.metrics != nil {
			a.metrics.failed.WithLabelValues(a.name).Inc()
		}
		if !a.failing.Swap(true) {
			a.logger.Warn("Output failed", "output", a.name, "error", err)
		}
		return
	}
	a.delivered.Add(1)
	if a.failing.Swap(false) {
		a.logger.Info("Output recovered", "output", a.name)
	}
}

// Stats returns current counters.
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		QueueSize:  cap(a.queue),
		QueueDepth: len(a.queue),
		Submitted:  a.submitted.Load(),
		Delivered:  a.delivered.Load(),
		Failed:     a.failed.Load(),
		Dropped:    a.dropped.Load(),
	}
}

// Stop drains what is queued, waiting at most timeout, and refuses new frames.
func (a *Async) Stop(timeout time.Duration) error {
	a.lifecycleMu.Lock()
	if !a.started || a.stopped {
		a.stopped = true
		a.lifecycleMu.Unlock()
		return nil
	}
	a.stopped = true
	close(a.queue)
	a.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Async", "Stop", "drain "+a.name)
	}
}

// Close stops the queue and closes the wrapped sink.
func (a *Async) Close() error {
	stopErr := a.Stop(5 * time.Second)
	if err := CloseAll(a.next); err != nil {
		return err
	}
	return stopErr
}
