package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/shmview/display"
	"github.com/c360/shmview/errors"
	"github.com/c360/shmview/imagestream"
	"github.com/c360/shmview/pkg/retry"
)

// Mode selects how a monitor learns about new frames.
type Mode int

const (
	// ModeCounter polls the header write counter.
	ModeCounter Mode = iota
	// ModeSemaphore polls the consumer semaphore without blocking.
	ModeSemaphore
)

func (m Mode) String() string {
	switch m {
	case ModeCounter:
		return "counter"
	case ModeSemaphore:
		return "semaphore"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration value to a Mode. Empty means ModeCounter.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "counter":
		return ModeCounter, nil
	case "semaphore", "sem":
		return ModeSemaphore, nil
	default:
		return ModeCounter, errors.WrapInvalid(
			fmt.Errorf("unknown mode %q", s), "monitor", "ParseMode", "mode lookup")
	}
}

// State is the monitor state after a step.
type State int

const (
	StateWaiting State = iota
	StateFrameReady
	StateGeometryChanged
	StateProducerGone
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateFrameReady:
		return "FRAME_READY"
	case StateGeometryChanged:
		return "GEOMETRY_CHANGED"
	case StateProducerGone:
		return "PRODUCER_GONE"
	default:
		return "UNKNOWN"
	}
}

// Default timings, matching the historical 1000us / 10000us defaults.
const (
	DefaultPause    = time.Millisecond
	DefaultPostSend = 10 * time.Millisecond
)

// Config tunes a monitor.
type Config struct {
	Mode Mode
	// Pause is the sleep after a poll that found nothing new.
	Pause time.Duration
	// PostSend is the sleep after a frame was delivered.
	PostSend time.Duration
	// TargetSlot is the viewer frame the images go to.
	TargetSlot int
	Title      string
}

// DefaultConfig returns counter mode with the default timings and target slot 1.
func DefaultConfig() Config {
	return Config{
		Mode:       ModeCounter,
		Pause:      DefaultPause,
		PostSend:   DefaultPostSend,
		TargetSlot: 1,
	}
}

// Validate checks the timings.
func (c Config) Validate() error {
	if c.Pause < 0 || c.PostSend < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "monitor", "Validate", "negative sleep")
	}
	if c.Mode != ModeCounter && c.Mode != ModeSemaphore {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "monitor", "Validate", "mode check")
	}
	return nil
}

// Monitor watches one attachment and hands every new frame to a sink. It is
// driven by a single goroutine and never blocks on the producer; only the
// counters may be read concurrently.
type Monitor struct {
	cfg     Config
	handle  *imagestream.Handle
	sink    display.Sink
	logger  *slog.Logger
	metrics *Metrics

	state    State
	last     uint64
	observed bool

	forwarded      atomic.Uint64
	deliveryErrors atomic.Uint64

	// sinkErr is the text of the last delivery failure, "" while deliveries succeed.
	sinkErr string
}

// New creates a monitor over h. metrics may be nil.
func New(h *imagestream.Handle, sink display.Sink, cfg Config, logger *slog.Logger, metrics *Metrics) *Monitor {
	if logger == nil {
		logger = slog.Default().With("component", "monitor")
	}
	if sink == nil {
		sink = display.Discard
	}
	return &Monitor{
		cfg:     cfg,
		handle:  h,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		state:   StateWaiting,
	}
}

// State returns the state reached by the last step.
func (m *Monitor) State() State { return m.state }

// Forwarded returns the number of frames handed to the sink.
func (m *Monitor) Forwarded() uint64 { return m.forwarded.Load() }

// DeliveryErrors returns the number of frames the sink rejected.
func (m *Monitor) DeliveryErrors() uint64 { return m.deliveryErrors.Load() }

// LastWriteCounter returns the last observed write counter and whether one has
// been observed since attach.
func (m *Monitor) LastWriteCounter() (uint64, bool) { return m.last, m.observed }

// Run steps until the stream needs re-attaching or ctx is done. It returns an
// error carrying ErrGeometryChanged or ErrProducerGone, or ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.Step(ctx); err != nil {
			return err
		}
	}
}

// Step runs one iteration of the state machine. A non-nil error ends the
// attachment: a stream condition or the context error.
func (m *Monitor) Step(ctx context.Context) (State, error) {
	hdr := m.handle.Header()
	if hdr == nil {
		return m.state, errors.Stream(errors.ErrStreamNotReady,
			fmt.Errorf("handle %s is detached", m.handle.ID), "monitor", "Step", "header access")
	}

	switch m.cfg.Mode {
	case ModeSemaphore:
		if !m.handle.Semaphore().TryWait() {
			return m.idle(ctx, hdr)
		}
		cnt := hdr.WriteCounter()
		m.observe(cnt)
		return m.ready(ctx, hdr, cnt)
	default:
		cnt := hdr.WriteCounter()
		if m.observed && cnt == m.last {
			return m.idle(ctx, hdr)
		}
		if !m.observed && cnt == 0 {
			// Nothing written yet; every slot is uninitialized.
			m.observe(cnt)
			return m.idle(ctx, hdr)
		}
		m.observe(cnt)
		return m.ready(ctx, hdr, cnt)
	}
}

func (m *Monitor) observe(cnt uint64) {
	m.last = cnt
	m.observed = true
}

func (m *Monitor) setState(s State) State {
	m.state = s
	m.metrics.recordState(s)
	return s
}

// idle is the no-news branch: liveness check, then pause.
func (m *Monitor) idle(ctx context.Context, hdr *imagestream.Header) (State, error) {
	if n := hdr.SemaphoreCount(); int64(n) <= int64(m.handle.Slot) {
		s := m.setState(StateProducerGone)
		return s, errors.Stream(errors.ErrProducerGone,
			fmt.Errorf("semaphore count %d, slot %d", n, m.handle.Slot),
			"monitor", "Step", "liveness check")
	}
	s := m.setState(StateWaiting)
	return s, retry.Sleep(ctx, m.cfg.Pause)
}

// ready locates the newest frame, checks the dims and delivers it.
func (m *Monitor) ready(ctx context.Context, hdr *imagestream.Header, cnt uint64) (State, error) {
	geom := m.handle.Geometry()
	slot := imagestream.ReadySlot(hdr.SlotCounter(), geom.Depth)

	if live, changed := m.handle.GeometryChanged(); changed {
		s := m.setState(StateGeometryChanged)
		return s, errors.Stream(errors.ErrGeometryChanged,
			fmt.Errorf("%s -> %s", geom, live), "monitor", "Step", "geometry check")
	}

	pixels, err := m.handle.Frame(slot)
	if err != nil {
		s := m.setState(StateWaiting)
		return s, errors.Stream(errors.ErrStreamNotReady, err, "monitor", "Step", "frame access")
	}

	m.setState(StateFrameReady)
	ts := hdr.LastWriteAt()
	if ts.UnixNano() <= 0 {
		ts = time.Now()
	}
	et := m.handle.ElementType()
	f := display.Frame{
		Pixels:       pixels,
		DepthTag:     m.handle.DepthTag(),
		ElementSize:  et.Size,
		Width:        int(geom.Width),
		Height:       int(geom.Height),
		Planes:       1,
		TargetSlot:   m.cfg.TargetSlot,
		Stream:       m.handle.Key,
		Title:        m.cfg.Title,
		WriteCounter: cnt,
		RingSlot:     slot,
		AttachmentID: m.handle.ID.String(),
		ElementType:  et.Name,
		Timestamp:    ts,
	}
	m.deliver(ctx, f)

	m.setState(StateWaiting)
	return StateFrameReady, retry.Sleep(ctx, m.cfg.PostSend)
}

// deliver hands f to the sink. Failures are counted and logged once per change
// of error; they never end monitoring.
func (m *Monitor) deliver(ctx context.Context, f display.Frame) {
	start := time.Now()
	err := m.sink.Display(ctx, f)
	if m.metrics != nil {
		m.metrics.deliveryDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		m.deliveryErrors.Add(1)
		if m.metrics != nil {
			m.metrics.deliveryErrors.Inc()
		}
		if msg := err.Error(); msg != m.sinkErr {
			m.sinkErr = msg
			m.logger.Warn("Display sink rejected frame",
				"stream", f.Stream, "write_counter", f.WriteCounter, "error", err)
		}
		return
	}

	if m.sinkErr != "" {
		m.logger.Info("Display sink recovered", "stream", f.Stream)
		m.sinkErr = ""
	}
	m.forwarded.Add(1)
	if m.metrics != nil {
		m.metrics.framesForwarded.Inc()
		m.metrics.lastWriteCounter.Set(float64(f.WriteCounter))
	}
}
