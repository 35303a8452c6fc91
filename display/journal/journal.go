package journal

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/shmview/display"
	"github.com/c360/shmview/errors"
	"github.com/c360/shmview/metric"
)

const schema = `
CREATE TABLE IF NOT EXISTS frames (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	stream        TEXT    NOT NULL,
	attachment    TEXT    NOT NULL DEFAULT '',
	write_counter INTEGER NOT NULL,
	ring_slot     INTEGER NOT NULL,
	target_slot   INTEGER NOT NULL,
	width         INTEGER NOT NULL,
	height        INTEGER NOT NULL,
	planes        INTEGER NOT NULL,
	element_type  TEXT    NOT NULL,
	bitpix        INTEGER NOT NULL,
	bytes         INTEGER NOT NULL,
	captured_at   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS frames_stream_counter ON frames (stream, write_counter);
`

const insertFrame = `
INSERT INTO frames (stream, attachment, write_counter, ring_slot, target_slot,
	width, height, planes, element_type, bitpix, bytes, captured_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Config configures the journal.
type Config struct {
	Path            string
	BusyTimeout     time.Duration
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Entry is one journaled frame.
type Entry struct {
	ID           int64
	Stream       string
	AttachmentID string
	WriteCounter uint64
	RingSlot     int
	TargetSlot   int
	Width        int
	Height       int
	Planes       int
	ElementType  string
	Bitpix       int
	Bytes        int
	CapturedAt   time.Time
}

// Journal is a display.Sink recording one row per delivered frame in SQLite.
type Journal struct {
	db      *sql.DB
	insert  *sql.Stmt
	logger  *slog.Logger
	rows    prometheus.Counter
	failure prometheus.Counter
}

// Open opens or creates the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "journal", "Open", "database path")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "journal", "Open", "open database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "journal", "Open", "create schema")
	}

	insert, err := db.PrepareContext(ctx, insertFrame)
	if err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "journal", "Open", "prepare insert")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "journal")
	}

	j := &Journal{db: db, insert: insert, logger: logger}
	if cfg.MetricsRegistry != nil {
		j.rows = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "journal",
			Name:      "rows_total",
			Help:      "Frames recorded in the journal",
		})
		j.failure = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "journal",
			Name:      "errors_total",
			Help:      "Failed journal inserts",
		})
		err := stderrors.Join(
			cfg.MetricsRegistry.RegisterCounter("journal", "rows_total", j.rows),
			cfg.MetricsRegistry.RegisterCounter("journal", "errors_total", j.failure),
		)
		if err != nil {
			logger.Warn("Journal metrics not fully registered", "error", err)
		}
	}

	logger.Info("Frame journal opened", "path", cfg.Path)
	return j, nil
}

// Display records f. Pixels are not stored.
func (j *Journal) Display(ctx context.Context, f display.Frame) error {
	m := f.Meta()
	_, err := j.insert.ExecContext(ctx,
		m.Stream, m.AttachmentID, int64(m.WriteCounter), m.RingSlot, m.TargetSlot,
		m.Width, m.Height, m.Planes, m.ElementType, m.Bitpix, m.Bytes,
		m.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if j.failure != nil {
			j.failure.Inc()
		}
		return errors.WrapTransient(err, "journal", "Display", "insert frame")
	}
	if j.rows != nil {
		j.rows.Inc()
	}
	return nil
}

// Count returns the number of rows for stream, or for all streams when stream is empty.
func (j *Journal) Count(ctx context.Context, stream string) (int64, error) {
	var n int64
	var err error
	if stream == "" {
		err = j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM frames").Scan(&n)
	} else {
		err = j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM frames WHERE stream = ?", stream).Scan(&n)
	}
	if err != nil {
		return 0, errors.Wrap(err, "journal", "Count", "count frames")
	}
	return n, nil
}

// Recent returns up to limit newest entries for stream, newest first.
func (j *Journal) Recent(ctx context.Context, stream string, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, stream, attachment, write_counter, ring_slot, target_slot, width, height,
	planes, element_type, bitpix, bytes, captured_at
FROM frames WHERE stream = ? ORDER BY id DESC LIMIT ?`, stream, limit)
	if err != nil {
		return nil, errors.Wrap(err, "journal", "Recent", "query frames")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var counter int64
		var captured string
		if err := rows.Scan(&e.ID, &e.Stream, &e.AttachmentID, &counter, &e.RingSlot, &e.TargetSlot,
			&e.Width, &e.Height, &e.Planes, &e.ElementType, &e.Bitpix, &e.Bytes, &captured); err != nil {
			return nil, errors.Wrap(err, "journal", "Recent", "scan frame")
		}
		e.WriteCounter = uint64(counter)
		if e.CapturedAt, err = time.Parse(time.RFC3339Nano, captured); err != nil {
			return nil, errors.Wrap(err, "journal", "Recent", "parse captured_at")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "journal", "Recent", "iterate frames")
	}
	return out, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return stderrors.Join(j.insert.Close(), j.db.Close())
}
