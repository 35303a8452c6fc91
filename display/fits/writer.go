package fits

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/shmview/display"
	"github.com/c360/shmview/errors"
	"github.com/c360/shmview/metric"
)

// Config configures the FITS writer.
type Config struct {
	Dir string
	// MaxFiles bounds the files kept per writer; the oldest are removed first.
	// 1 keeps a single "<stream>.fits" that is replaced on every frame.
	// 0 keeps everything.
	MaxFiles        int
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Metrics for the FITS writer
type Metrics struct {
	filesWritten prometheus.Counter
	bytesWritten prometheus.Counter
	filesRemoved prometheus.Counter
	errors       *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		filesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "fits",
			Name:      "files_written_total",
			Help:      "FITS files written",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "fits",
			Name:      "bytes_written_total",
			Help:      "Bytes written to FITS files",
		}),
		filesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "fits",
			Name:      "files_removed_total",
			Help:      "FITS files removed by rotation",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "fits",
			Name:      "errors_total",
			Help:      "FITS writer errors by operation",
		}, []string{"operation"}),
	}

	err := stderrors.Join(
		registry.RegisterCounter("fits", "files_written_total", m.filesWritten),
		registry.RegisterCounter("fits", "bytes_written_total", m.bytesWritten),
		registry.RegisterCounter("fits", "files_removed_total", m.filesRemoved),
		registry.RegisterCounterVec("fits", "errors_total", m.errors),
	)
	if err != nil {
		logger.Warn("FITS metrics not fully registered", "error", err)
	}
	return m
}

// Writer is a display.Sink that writes each frame to its own FITS file.
type Writer struct {
	dir      string
	maxFiles int
	logger   *slog.Logger
	metrics  *Metrics

	mu      sync.Mutex
	written []string
}

// New creates the output directory and returns a writer.
func New(cfg Config) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "fits", "New", "output directory")
	}
	if cfg.MaxFiles < 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: max_files %d", errors.ErrInvalidConfig, cfg.MaxFiles),
			"fits", "New", "validate config")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "fits", "New", "create output directory")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "fits")
	}

	return &Writer{
		dir:      cfg.Dir,
		maxFiles: cfg.MaxFiles,
		logger:   logger,
		metrics:  newMetrics(cfg.MetricsRegistry, logger),
	}, nil
}

// FileName returns the file a frame is written to.
func (w *Writer) FileName(f display.Frame) string {
	stream := sanitize(f.Stream)
	if w.maxFiles == 1 {
		return stream + ".fits"
	}
	return fmt.Sprintf("%s_%010d.fits", stream, f.WriteCounter)
}

// Display encodes f into a temporary file and renames it into place, so
// readers never observe a partial file.
func (w *Writer) Display(_ context.Context, f display.Frame) error {
	name := w.FileName(f)

	tmp, err := os.CreateTemp(w.dir, ".frame-*.fits")
	if err != nil {
		w.recordError("create")
		return errors.WrapTransient(err, "fits", "Display", "create temp file")
	}
	tmpPath := tmp.Name()

	if err := Encode(tmp, f); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		w.recordError("encode")
		return errors.WrapInvalid(err, "fits", "Display", "encode frame")
	}

	info, statErr := tmp.Stat()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		w.recordError("close")
		return errors.WrapTransient(err, "fits", "Display", "close temp file")
	}

	if err := os.Rename(tmpPath, filepath.Join(w.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		w.recordError("rename")
		return errors.WrapTransient(err, "fits", "Display", "rename into place")
	}

	if w.metrics != nil {
		w.metrics.filesWritten.Inc()
		if statErr == nil {
			w.metrics.bytesWritten.Add(float64(info.Size()))
		}
	}

	w.rotate(name)
	return nil
}

func (w *Writer) rotate(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if i := slices.Index(w.written, name); i >= 0 {
		w.written = slices.Delete(w.written, i, i+1)
	}
	w.written = append(w.written, name)

	if w.maxFiles == 0 {
		return
	}
	for len(w.written) > w.maxFiles {
		oldest := w.written[0]
		w.written = w.written[1:]
		if err := os.Remove(filepath.Join(w.dir, oldest)); err != nil && !os.IsNotExist(err) {
			w.recordError("remove")
			w.logger.Warn("Failed to remove rotated FITS file", "file", oldest, "error", err)
			continue
		}
		if w.metrics != nil {
			w.metrics.filesRemoved.Inc()
		}
	}
}

// Files returns the files currently kept, oldest first.
func (w *Writer) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.written)
}

func (w *Writer) recordError(op string) {
	if w.metrics != nil {
		w.metrics.errors.WithLabelValues(op).Inc()
	}
}

func sanitize(stream string) string {
	if stream == "" {
		return "frame"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, stream)
}
