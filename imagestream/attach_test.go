package imagestream_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/c360/shmview/errors"
	"github.com/c360/shmview/imagestream"
	"github.com/c360/shmview/testutil"
)

func attachOpts(p *testutil.Producer, slot int) imagestream.Options {
	return imagestream.Options{Key: p.Key(), Slot: slot, ShmDir: p.Dir(), SemDir: p.SemDir()}
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("fd accounting needs /proc")
	}
	return len(entries)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "/tmp/x/cam.im.shm", imagestream.ResolvePath("cam", "/tmp/x"))
	assert.Equal(t, "/data/raw.shm", imagestream.ResolvePath("/data/raw.shm", "/tmp/x"))
	assert.Equal(t, "rel/raw.shm", imagestream.ResolvePath("rel/raw.shm", ""))

	t.Setenv(imagestream.ShmDirEnv, "/custom")
	assert.Equal(t, "/custom", imagestream.ShmDir())
	assert.Equal(t, "/custom/cam.im.shm", imagestream.ResolvePath("cam", ""))

	t.Setenv(imagestream.ShmDirEnv, "")
	assert.Equal(t, imagestream.DefaultShmDir, imagestream.ShmDir())
}

func TestAttach_Success(t *testing.T) {
	p := testutil.NewProducer(t, testutil.ProducerConfig{
		Key:        "wfs",
		Name:       "wfs_stream",
		TypeCode:   imagestream.TypeFloat32,
		Geometry:   imagestream.Geometry{Width: 64, Height: 64, Depth: 4},
		Semaphores: 3,
	})

	h, err := imagestream.Attach(context.Background(), attachOpts(p, 2))
	require.NoError(t, err)
	defer h.Detach()

	assert.Equal(t, "wfs_stream", h.Name())
	assert.Equal(t, "wfs_stream_sem02", h.Semaphore().Name())
	assert.Equal(t, 4, h.ElementSize())
	assert.Equal(t, -32, h.DepthTag())
	assert.Equal(t, imagestream.Geometry{Width: 64, Height: 64, Depth: 4}, h.Geometry())
	assert.NotEqual(t, [16]byte{}, [16]byte(h.ID))
	assert.False(t, h.AttachedAt.IsZero())
	assert.True(t, p.Header().Shared(), "attach sets the advisory shared flag")

	slot, err := p.WriteFrame(testutil.Float32Frame(64, 64, 7))
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	ready := imagestream.ReadySlot(h.Header().SlotCounter(), h.Geometry().Depth)
	assert.Equal(t, 0, ready)
	frame, err := h.Frame(ready)
	require.NoError(t, err)
	assert.Len(t, frame, 64*64*4)
	assert.Equal(t, float32(7), testutil.FirstFloat32(frame))

	_, err = h.Frame(4)
	assert.Error(t, err)
}

func TestAttach_NotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := imagestream.Attach(context.Background(), imagestream.Options{Key: "missing", ShmDir: dir, SemDir: dir})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrStreamNotFound))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.True(t, errs.IsTransient(err))
}

func TestAttach_NotReady(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content []byte
	}{
		{"empty file", nil},
		{"short header", make([]byte, imagestream.HeaderSize-8)},
		{"no magic", make([]byte, imagestream.HeaderSize+64)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(dir, "pending.im.shm")
			require.NoError(t, os.WriteFile(path, test.content, 0o644))

			_, err := imagestream.Attach(context.Background(), imagestream.Options{Key: "pending", ShmDir: dir, SemDir: dir})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrStreamNotReady), "got %v", err)
		})
	}
}

func TestAttach_SemaphoreCountTooLow(t *testing.T) {
	p := testutil.NewProducer(t, testutil.ProducerConfig{
		Key:        "cam",
		Geometry:   imagestream.Geometry{Width: 4, Height: 4, Depth: 2},
		Semaphores: 2,
	})

	_, err := imagestream.Attach(context.Background(), attachOpts(p, 2))
	assert.True(t, errors.Is(err, errs.ErrStreamNotReady))

	p.Shutdown()
	_, err = imagestream.Attach(context.Background(), attachOpts(p, 0))
	assert.True(t, errors.Is(err, errs.ErrStreamNotReady))
}

func TestAttach_SemaphoreMissing(t *testing.T) {
	p := testutil.NewProducer(t, testutil.ProducerConfig{
		Key:      "cam",
		Geometry: imagestream.Geometry{Width: 4, Height: 4, Depth: 2},
	})
	require.NoError(t, imagestream.RemoveSemaphore(p.SemDir(), imagestream.SemaphoreName("cam", 0)))

	_, err := imagestream.Attach(context.Background(), attachOpts(p, 0))
	assert.True(t, errors.Is(err, errs.ErrOpenFailed))
}

func TestAttach_NoDisplayMapping(t *testing.T) {
	p := testutil.NewProducer(t, testutil.ProducerConfig{
		Key:      "cplx",
		TypeCode: imagestream.TypeComplex64,
		Geometry: imagestream.Geometry{Width: 4, Height: 4, Depth: 2},
	})

	_, err := imagestream.Attach(context.Background(), attachOpts(p, 0))
	assert.True(t, errors.Is(err, errs.ErrNoDisplayMapping))
}

func TestAttach_ShortDataRegion(t *testing.T) {
	p := testutil.NewProducer(t, testutil.ProducerConfig{
		Key:      "cam",
		Geometry: imagestream.Geometry{Width: 16, Height: 16, Depth: 2},
	})
	require.NoError(t, os.Truncate(p.Path(), imagestream.HeaderSize+100))

	_, err := imagestream.Attach(context.Background(), attachOpts(p, 0))
	assert.True(t, errors.Is(err, errs.ErrStreamNotReady))
}

func TestAttach_ImplausibleGeometry(t *testing.T) {
	const maxDim = 0xFFFFFFFF

	tests := []struct {
		name string
		geom imagestream.Geometry
	}{
		{"frame size wraps", imagestream.Geometry{Width: maxDim, Height: maxDim, Depth: 0}},
		{"ring size wraps", imagestream.Geometry{Width: maxDim, Height: maxDim, Depth: maxDim}},
		{"huge but no wrap", imagestream.Geometry{Width: maxDim, Height: 2, Depth: 4}},
		{"zero width", imagestream.Geometry{Width: 0, Height: 64, Depth: 4}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := testutil.NewProducer(t, testutil.ProducerConfig{
				Key:      "cam",
				Geometry: imagestream.Geometry{Width: 4, Height: 4, Depth: 1},
			})
			// A partly initialized header claims dims far past the 64 data bytes.
			p.Header().SetGeometry(test.geom)

			var h *imagestream.Handle
			var err error
			require.NotPanics(t, func() {
				h, err = imagestream.Attach(context.Background(), attachOpts(p, 0))
			})
			require.Error(t, err)
			assert.Nil(t, h)
			assert.True(t, errors.Is(err, errs.ErrStreamNotReady), "got %v", err)
			assert.True(t, errs.IsTransient(err))
		})
	}
}

func TestHandle_FrameWithoutSize(t *testing.T) {
	var h imagestream.Handle
	require.NotPanics(t, func() {
		_, err := h.Frame(0)
		assert.Error(t, err)
	})
}

func TestAttach_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := imagestream.Attach(ctx, imagestream.Options{Key: "x", ShmDir: t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetach_Idempotent(t *testing.T) {
	p := testutil.NewProducer(t, testutil.ProducerConfig{
		Key:      "cam",
		Geometry: imagestream.Geometry{Width: 4, Height: 4, Depth: 2},
	})

	h, err := imagestream.Attach(context.Background(), attachOpts(p, 0))
	require.NoError(t, err)

	assert.NoError(t, h.Detach())
	assert.True(t, h.Detached())
	assert.NoError(t, h.Detach())

	_, err = h.Frame(0)
	assert.Error(t, err)

	var nilHandle *imagestream.Handle
	assert.NoError(t, nilHandle.Detach())
}

// mappingsUnder counts the memory mappings of files below dir.
func mappingsUnder(t *testing.T, dir string) int {
	t.Helper()
	maps, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		t.Skip("mapping accounting needs /proc")
	}
	return strings.Count(string(maps), dir+"/")
}

func TestAttachDetach_ReturnsResourcesToBaseline(t *testing.T) {
	p := testutil.NewProducer(t, testutil.ProducerConfig{
		Key:      "cam",
		Geometry: imagestream.Geometry{Width: 32, Height: 32, Depth: 3},
	})
	ctx := context.Background()

	fds, maps := openFDs(t), mappingsUnder(t, p.Dir())
	for i := 0; i < 50; i++ {
		h, err := imagestream.Attach(ctx, attachOpts(p, 0))
		require.NoError(t, err)
		require.Equal(t, maps+2, mappingsUnder(t, p.Dir()), "stream and semaphore mapped once each")
		require.NoError(t, h.Detach())
	}
	assert.Equal(t, fds, openFDs(t))
	assert.Equal(t, maps, mappingsUnder(t, p.Dir()))
}

func TestAttach_FailuresReleaseResources(t *testing.T) {
	tests := []struct {
		name   string
		cfg    testutil.ProducerConfig
		mutate func(t *testing.T, p *testutil.Producer)
		want   error
	}{
		{
			name:   "producer gone",
			cfg:    testutil.ProducerConfig{Geometry: imagestream.Geometry{Width: 32, Height: 32, Depth: 3}},
			mutate: func(_ *testing.T, p *testutil.Producer) { p.Shutdown() },
			want:   errs.ErrStreamNotReady,
		},
		{
			name:   "no display mapping",
			cfg:    testutil.ProducerConfig{TypeCode: imagestream.TypeComplex64, Geometry: imagestream.Geometry{Width: 8, Height: 8, Depth: 2}},
			mutate: func(*testing.T, *testutil.Producer) {},
			want:   errs.ErrNoDisplayMapping,
		},
		{
			name: "short data region",
			cfg:  testutil.ProducerConfig{Geometry: imagestream.Geometry{Width: 32, Height: 32, Depth: 3}},
			mutate: func(t *testing.T, p *testutil.Producer) {
				require.NoError(t, os.Truncate(p.Path(), imagestream.HeaderSize+100))
			},
			want: errs.ErrStreamNotReady,
		},
		{
			name: "implausible geometry",
			cfg:  testutil.ProducerConfig{Geometry: imagestream.Geometry{Width: 4, Height: 4, Depth: 1}},
			mutate: func(_ *testing.T, p *testutil.Producer) {
				p.Header().SetGeometry(imagestream.Geometry{Width: 0xFFFFFFFF, Height: 0xFFFFFFFF})
			},
			want: errs.ErrStreamNotReady,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := test.cfg
			cfg.Key = "cam"
			p := testutil.NewProducer(t, cfg)
			test.mutate(t, p)

			fds, maps := openFDs(t), mappingsUnder(t, p.Dir())
			for i := 0; i < 20; i++ {
				_, err := imagestream.Attach(context.Background(), attachOpts(p, 0))
				require.Error(t, err)
				require.True(t, errors.Is(err, test.want), "got %v", err)
			}
			assert.Equal(t, fds, openFDs(t))
			assert.Equal(t, maps, mappingsUnder(t, p.Dir()))
		})
	}
}

func TestHandle_GeometryChanged(t *testing.T) {
	p := testutil.NewProducer(t, testutil.ProducerConfig{
		Key:      "cam",
		Geometry: imagestream.Geometry{Width: 64, Height: 64, Depth: 4},
	})

	h, err := imagestream.Attach(context.Background(), attachOpts(p, 0))
	require.NoError(t, err)
	defer h.Detach()

	_, changed := h.GeometryChanged()
	assert.False(t, changed)

	require.NoError(t, p.Reshape(imagestream.Geometry{Width: 128, Height: 128, Depth: 4}))

	live, changed := h.GeometryChanged()
	assert.True(t, changed)
	assert.Equal(t, uint32(128), live.Width)
	assert.Equal(t, uint32(64), h.Geometry().Width, "snapshot is unchanged")
}
