package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/shmview/display"
	"github.com/c360/shmview/metric"
	"github.com/c360/shmview/testutil"
)

func openJournal(t *testing.T, registry *metric.MetricsRegistry) *Journal {
	t.Helper()
	j, err := Open(context.Background(), Config{
		Path:            filepath.Join(t.TempDir(), "frames.db"),
		MetricsRegistry: registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func frame(stream string, counter uint64) display.Frame {
	return display.Frame{
		Pixels:       testutil.Float32Frame(8, 8, float32(counter)),
		DepthTag:     -32,
		ElementSize:  4,
		Width:        8,
		Height:       8,
		TargetSlot:   1,
		Stream:       stream,
		WriteCounter: counter,
		RingSlot:     int((counter - 1) % 4),
		AttachmentID: "att-1",
		ElementType:  "float32",
		Timestamp:    time.Date(2026, 3, 1, 12, 0, int(counter), 0, time.UTC),
	}
}

func TestJournal_RecordsFrames(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	j := openJournal(t, registry)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, j.Display(ctx, frame("cam", i)))
	}
	require.NoError(t, j.Display(ctx, frame("other", 1)))

	n, err := j.Count(ctx, "cam")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = j.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	recent, err := j.Recent(ctx, "cam", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	assert.Equal(t, uint64(5), recent[0].WriteCounter)
	assert.Equal(t, uint64(4), recent[1].WriteCounter)
	assert.Equal(t, 0, recent[0].RingSlot)
	assert.Equal(t, 8, recent[0].Width)
	assert.Equal(t, 1, recent[0].Planes)
	assert.Equal(t, -32, recent[0].Bitpix)
	assert.Equal(t, 256, recent[0].Bytes)
	assert.Equal(t, "att-1", recent[0].AttachmentID)
	assert.True(t, recent[0].CapturedAt.Equal(time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)))

	assert.Equal(t, float64(6), promtest.ToFloat64(j.rows))
}

func TestJournal_SecondJournalOnSameRegistry(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	first := openJournal(t, registry)

	var second *Journal
	require.NotPanics(t, func() { second = openJournal(t, registry) })

	ctx := context.Background()
	require.NoError(t, first.Display(ctx, frame("cam", 1)))
	require.NoError(t, second.Display(ctx, frame("cam", 1)))
	require.NoError(t, second.Display(ctx, frame("cam", 2)))

	// The first journal owns the exported series; the second still counts.
	assert.Equal(t, float64(1), promtest.ToFloat64(first.rows))
	assert.Equal(t, float64(2), promtest.ToFloat64(second.rows))
	n, err := promtest.GatherAndCount(registry.PrometheusRegistry(), "shmview_journal_rows_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJournal_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.db")
	ctx := context.Background()

	j, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, j.Display(ctx, frame("cam", 1)))
	require.NoError(t, j.Close())

	j, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer j.Close()

	n, err := j.Count(ctx, "cam")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestJournal_LargeCounter(t *testing.T) {
	j := openJournal(t, nil)
	ctx := context.Background()

	f := frame("cam", 1)
	f.WriteCounter = 1 << 62
	require.NoError(t, j.Display(ctx, f))

	recent, err := j.Recent(ctx, "cam", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, uint64(1<<62), recent[0].WriteCounter)
}

func TestOpen_MissingPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestJournal_CancelledContext(t *testing.T) {
	j := openJournal(t, metric.NewMetricsRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, j.Display(ctx, frame("cam", 1)))
	assert.Equal(t, float64(1), promtest.ToFloat64(j.failure))
}
