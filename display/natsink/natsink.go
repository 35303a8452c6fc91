package natsink

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/shmview/display"
	"github.com/c360/shmview/errors"
	"github.com/c360/shmview/metric"
	"github.com/c360/shmview/natsclient"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "shmview.frames"

// Publisher sends one message. *natsclient.Client satisfies it.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg) error
}

// LatestStore keeps the newest frame description per stream.
// *natsclient.KVStore satisfies it.
type LatestStore interface {
	PutJSON(ctx context.Context, key string, v any) (uint64, error)
}

// Config configures the sink.
type Config struct {
	SubjectPrefix   string
	KVBucket        string // empty disables the latest-frame record
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Metrics for the NATS sink
type Metrics struct {
	published       prometheus.Counter
	bytesPublished  prometheus.Counter
	errors          *prometheus.CounterVec
	publishDuration prometheus.Histogram
}

func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats_sink",
			Name:      "frames_published_total",
			Help:      "Frames published to NATS",
		}),
		bytesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats_sink",
			Name:      "bytes_published_total",
			Help:      "Pixel bytes published to NATS",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats_sink",
			Name:      "errors_total",
			Help:      "NATS sink errors by operation",
		}, []string{"operation"}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats_sink",
			Name:      "publish_duration_seconds",
			Help:      "Time to hand a frame to the NATS client",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
	}

	err := stderrors.Join(
		registry.RegisterCounter("nats_sink", "frames_published_total", m.published),
		registry.RegisterCounter("nats_sink", "bytes_published_total", m.bytesPublished),
		registry.RegisterCounterVec("nats_sink", "errors_total", m.errors),
		registry.RegisterHistogram("nats_sink", "publish_duration_seconds", m.publishDuration),
	)
	if err != nil {
		logger.Warn("NATS sink metrics not fully registered", "error", err)
	}
	return m
}

// Sink publishes frames to NATS, one subject per target slot.
type Sink struct {
	pub     Publisher
	latest  LatestStore
	prefix  string
	logger  *slog.Logger
	metrics *Metrics
}

// New creates a sink publishing through client. When cfg.KVBucket is set the
// bucket is created if missing and the newest frame of every stream is kept
// there under the stream name.
func New(ctx context.Context, client *natsclient.Client, cfg Config) (*Sink, error) {
	var latest LatestStore
	if cfg.KVBucket != "" {
		bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.KVBucket,
			Description: "latest frame per shared-memory stream",
			History:     1,
		})
		if err != nil {
			return nil, errors.Wrap(err, "natsink", "New", "open kv bucket")
		}
		latest = client.NewKVStore(bucket)
	}
	return NewWithPublisher(client, latest, cfg), nil
}

// NewWithPublisher creates a sink over any Publisher. latest may be nil.
func NewWithPublisher(pub Publisher, latest LatestStore, cfg Config) *Sink {
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "natsink")
	}
	return &Sink{
		pub:     pub,
		latest:  latest,
		prefix:  prefix,
		logger:  logger,
		metrics: newMetrics(cfg.MetricsRegistry, logger),
	}
}

// Subject returns the subject frames for targetSlot are published on.
func (s *Sink) Subject(targetSlot int) string {
	return s.prefix + "." + strconv.Itoa(targetSlot)
}

// Display publishes the pixels with the frame metadata in headers, then records
// the metadata as the stream's latest frame.
func (s *Sink) Display(ctx context.Context, f display.Frame) error {
	meta := f.Meta()

	msg := nats.NewMsg(s.Subject(f.TargetSlot))
	for k, v := range meta.Headers() {
		if v != "" {
			msg.Header.Set(k, v)
		}
	}
	msg.Data = f.Pixels

	start := time.Now()
	if err := s.pub.PublishMsg(ctx, msg); err != nil {
		s.recordError("publish")
		return errors.WrapTransient(err, "natsink", "Display", "publish frame")
	}

	if s.metrics != nil {
		s.metrics.published.Inc()
		s.metrics.bytesPublished.Add(float64(len(f.Pixels)))
		s.metrics.publishDuration.Observe(time.Since(start).Seconds())
	}

	if s.latest == nil {
		return nil
	}
	if _, err := s.latest.PutJSON(ctx, KVKey(f.Stream), meta); err != nil {
		s.recordError("kv_put")
		return errors.WrapTransient(err, "natsink", "Display", "record latest frame")
	}
	return nil
}

func (s *Sink) recordError(op string) {
	if s.metrics != nil {
		s.metrics.errors.WithLabelValues(op).Inc()
	}
}

// KVKey maps a stream name onto the key alphabet NATS KV accepts.
func KVKey(stream string) string {
	if stream == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range stream {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Decode reverses Display for subscribers: metadata from headers, pixels from
// the payload.
func Decode(msg *nats.Msg) (display.Meta, []byte, error) {
	if msg.Header == nil {
		return display.Meta{}, nil, fmt.Errorf("frame message on %s has no headers", msg.Subject)
	}

	h := msg.Header
	var meta display.Meta
	var err error

	intField := func(key string) int {
		if err != nil {
			return 0
		}
		var v int
		v, err = strconv.Atoi(h.Get(key))
		if err != nil {
			err = fmt.Errorf("header %s: %w", key, err)
		}
		return v
	}

	meta.Stream = h.Get("Shmview-Stream")
	meta.ElementType = h.Get("Shmview-Element-Type")
	meta.AttachmentID = h.Get("Shmview-Attachment")
	meta.RingSlot = intField("Shmview-Ring-Slot")
	meta.TargetSlot = intField("Shmview-Target-Slot")
	meta.Width = intField("Shmview-Width")
	meta.Height = intField("Shmview-Height")
	meta.ElementSize = intField("Shmview-Element-Size")
	meta.Bitpix = intField("Shmview-Bitpix")
	if err != nil {
		return display.Meta{}, nil, err
	}

	if meta.WriteCounter, err = strconv.ParseUint(h.Get("Shmview-Write-Counter"), 10, 64); err != nil {
		return display.Meta{}, nil, fmt.Errorf("header Shmview-Write-Counter: %w", err)
	}
	if ts := h.Get("Shmview-Timestamp"); ts != "" {
		if meta.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return display.Meta{}, nil, fmt.Errorf("header Shmview-Timestamp: %w", err)
		}
	}

	meta.Planes = 1
	meta.Bytes = len(msg.Data)
	return meta, msg.Data, nil
}
