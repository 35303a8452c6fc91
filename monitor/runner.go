package monitor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/shmview/display"
	"github.com/c360/shmview/errors"
	"github.com/c360/shmview/health"
	"github.com/c360/shmview/imagestream"
	"github.com/c360/shmview/metric"
	"github.com/c360/shmview/pkg/retry"
)

// DefaultBackoff is the fixed wait between attach attempts.
const DefaultBackoff = time.Second

// HealthComponent is the name the runner reports under.
const HealthComponent = "stream"

// RunnerConfig holds the stream to watch and how to watch it.
type RunnerConfig struct {
	Stream  imagestream.Options
	Monitor Config
	// Backoff is the wait between failed attach attempts and after the
	// producer went away.
	Backoff time.Duration
}

// Validate checks the configuration
func (c RunnerConfig) Validate() error {
	if c.Stream.Key == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "RunnerConfig", "Validate", "stream key")
	}
	if c.Stream.Slot < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: slot %d is negative", errors.ErrInvalidConfig, c.Stream.Slot),
			"RunnerConfig", "Validate", "slot check")
	}
	if c.Backoff < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative backoff", errors.ErrInvalidConfig),
			"RunnerConfig", "Validate", "backoff check")
	}
	return c.Monitor.Validate()
}

// RunnerDeps holds runtime dependencies for a Runner
type RunnerDeps struct {
	Config          RunnerConfig
	Sink            display.Sink
	Logger          *slog.Logger            // Optional
	MetricsRegistry *metric.MetricsRegistry // Optional
	Health          *health.Monitor         // Optional
}

// Stats are the runner's lifetime counters.
type Stats struct {
	AttachAttempts  uint64
	Attaches        uint64
	Detaches        uint64
	FramesForwarded uint64
	DeliveryErrors  uint64
	GeometryChanges uint64
	ProducerGone    uint64
}

// Runner is the outer loop: attach with fixed backoff, monitor, detach and start
// over, until its context ends.
type Runner struct {
	cfg      RunnerConfig
	sink     display.Sink
	logger   *slog.Logger
	metrics  *Metrics
	health   *health.Monitor
	reporter *retry.Reporter

	running  atomic.Bool
	attached atomic.Bool
	current  atomic.Pointer[Monitor]

	attachAttempts  atomic.Uint64
	attaches        atomic.Uint64
	detaches        atomic.Uint64
	frames          atomic.Uint64
	deliveryErrors  atomic.Uint64
	geometryChanges atomic.Uint64
	producerGone    atomic.Uint64
}

// NewRunner validates the configuration and creates a Runner.
func NewRunner(deps RunnerDeps) (*Runner, error) {
	cfg := deps.Config
	if cfg.Backoff == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "runner")
	}
	sink := deps.Sink
	if sink == nil {
		sink = display.Discard
	}

	return &Runner{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		metrics: newMetrics(deps.MetricsRegistry, logger),
		health:  deps.Health,
		reporter: retry.NewReporter(func(err error) string {
			return errors.StreamErrorKind(err)
		}),
	}, nil
}

// Attached reports whether the runner currently holds an attachment.
func (r *Runner) Attached() bool { return r.attached.Load() }

// Stats returns a snapshot of the counters, including the live attachment.
func (r *Runner) Stats() Stats {
	s := Stats{
		AttachAttempts:  r.attachAttempts.Load(),
		Attaches:        r.attaches.Load(),
		Detaches:        r.detaches.Load(),
		FramesForwarded: r.frames.Load(),
		DeliveryErrors:  r.deliveryErrors.Load(),
		GeometryChanges: r.geometryChanges.Load(),
		ProducerGone:    r.producerGone.Load(),
	}
	if m := r.current.Load(); m != nil {
		s.FramesForwarded += m.Forwarded()
		s.DeliveryErrors += m.DeliveryErrors()
	}
	return s
}

// Run loops until ctx is cancelled, which is a clean exit and returns nil. A
// Runner runs once at a time.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Runner", "Run", "start check")
	}
	defer r.running.Store(false)

	r.logger.Info("Stream runner started",
		"key", r.cfg.Stream.Key,
		"slot", r.cfg.Stream.Slot,
		"mode", r.cfg.Monitor.Mode.String(),
		"backoff", r.cfg.Backoff)
	defer r.logger.Info("Stream runner stopped", "key", r.cfg.Stream.Key)

	for {
		if ctx.Err() != nil {
			return nil
		}

		h, err := r.attach(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.updateHealth(err)
			return err
		}

		err = r.watch(ctx, h)
		r.detach(h)

		switch {
		case ctx.Err() != nil:
			return nil
		case stderrors.Is(err, errors.ErrGeometryChanged):
			r.geometryChanges.Add(1)
			if r.metrics != nil {
				r.metrics.geometryChanges.Inc()
			}
			r.logger.Info("Stream geometry changed, re-attaching", "key", r.cfg.Stream.Key, "error", err)
		case stderrors.Is(err, errors.ErrProducerGone):
			r.updateHealth(err)
			r.producerGone.Add(1)
			if r.metrics != nil {
				r.metrics.producerGone.Inc()
			}
			r.logger.Warn("Stream producer gone, waiting before re-attach", "key", r.cfg.Stream.Key)
			if retry.Sleep(ctx, r.cfg.Backoff) != nil {
				return nil
			}
		default:
			r.logger.Warn("Stream monitoring ended, re-attaching",
				"key", r.cfg.Stream.Key, "kind", errors.StreamErrorKind(err), "error", err)
			r.updateHealth(err)
			if retry.Sleep(ctx, r.cfg.Backoff) != nil {
				return nil
			}
		}
	}
}

// attach retries until the stream is attachable. Each distinct failure kind is
// logged once; repeats go to debug.
func (r *Runner) attach(ctx context.Context) (*imagestream.Handle, error) {
	h, err := retry.ForeverWithResult(ctx, r.cfg.Backoff, func() (*imagestream.Handle, error) {
		r.attachAttempts.Add(1)
		h, err := imagestream.Attach(ctx, r.cfg.Stream)
		if err != nil {
			if ctx.Err() != nil {
				return nil, retry.NonRetryable(ctx.Err())
			}
			r.metrics.recordAttach(errors.StreamErrorKind(err))
			if !errors.IsTransient(err) {
				return nil, retry.NonRetryable(err)
			}
			return nil, err
		}
		r.metrics.recordAttach("ok")
		return h, nil
	}, func(err error, attempt int) {
		r.updateHealth(err)
		if r.reporter.ShouldReport(err) {
			r.logger.Warn("Stream not attachable, retrying",
				"key", r.cfg.Stream.Key,
				"kind", errors.StreamErrorKind(err),
				"attempt", attempt,
				"error", err)
			return
		}
		r.logger.Debug("Stream still not attachable",
			"key", r.cfg.Stream.Key, "kind", errors.StreamErrorKind(err), "attempt", attempt)
	})
	if err != nil {
		return nil, err
	}
	r.reporter.Reset()
	return h, nil
}

// watch runs a monitor over h until it ends.
func (r *Runner) watch(ctx context.Context, h *imagestream.Handle) error {
	r.attaches.Add(1)
	r.attached.Store(true)
	r.metrics.recordAttached(true)
	if r.health != nil {
		r.health.UpdateHealthy(HealthComponent, fmt.Sprintf("attached to %s", h.Key))
	}

	r.logger.Info("Attached to stream",
		"key", h.Key,
		"name", h.Name(),
		"geometry", h.Geometry().String(),
		"element_type", h.ElementType().Name,
		"slot", h.Slot,
		"attachment_id", h.ID.String())

	m := New(h, r.sink, r.cfg.Monitor, r.logger, r.metrics)
	r.current.Store(m)
	err := m.Run(ctx)

	r.current.Store(nil)
	r.frames.Add(m.Forwarded())
	r.deliveryErrors.Add(m.DeliveryErrors())
	return err
}

func (r *Runner) detach(h *imagestream.Handle) {
	if err := h.Detach(); err != nil {
		r.logger.Warn("Detach failed", "key", h.Key, "attachment_id", h.ID.String(), "error", err)
	}
	r.detaches.Add(1)
	r.attached.Store(false)
	r.metrics.recordAttached(false)
	r.logger.Debug("Detached from stream", "key", h.Key, "attachment_id", h.ID.String())
}

func (r *Runner) updateHealth(err error) {
	if r.health != nil {
		r.health.UpdateFromError(HealthComponent, err)
	}
}
