package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/shmview/display"
	"github.com/c360/shmview/metric"
	"github.com/c360/shmview/testutil"
)

func testFrame(counter uint64, v float32) display.Frame {
	return display.Frame{
		Pixels:       testutil.Float32Frame(8, 4, v),
		DepthTag:     -32,
		ElementSize:  4,
		Width:        8,
		Height:       4,
		Planes:       1,
		TargetSlot:   1,
		Stream:       "cam",
		WriteCounter: counter,
		RingSlot:     int(counter % 4),
		ElementType:  "float32",
		Timestamp:    time.Now(),
	}
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (display.Meta, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	meta, pixels, err := DecodeMessage(msg)
	require.NoError(t, err)
	return meta, pixels
}

func TestEncodeDecodeMessage(t *testing.T) {
	f := testFrame(7, 1.5)
	msg, err := EncodeMessage(f)
	require.NoError(t, err)

	meta, pixels, err := DecodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), meta.WriteCounter)
	assert.Equal(t, -32, meta.Bitpix)
	assert.Equal(t, f.Pixels, pixels)

	_, _, err = DecodeMessage([]byte{0, 0})
	assert.Error(t, err)
	_, _, err = DecodeMessage([]byte{0, 0, 0, 99, '{'})
	assert.Error(t, err)
}

func TestViewer_BroadcastsToAllClients(t *testing.T) {
	v := NewViewer(ConstructorConfig{Path: "/frames"})
	srv := httptest.NewServer(v.Handler())
	defer srv.Close()

	a := dial(t, srv, "/frames")
	b := dial(t, srv, "/frames")
	testutil.WaitFor(t, time.Second, "two viewers", func() bool { return v.ClientCount() == 2 })

	require.NoError(t, v.Display(context.Background(), testFrame(1, 3)))

	for _, c := range []*websocket.Conn{a, b} {
		meta, pixels := readFrame(t, c)
		assert.Equal(t, "cam", meta.Stream)
		assert.Equal(t, 8, meta.Width)
		assert.Equal(t, float32(3), testutil.FirstFloat32(pixels))
	}

	frames, _, _ := v.Stats()
	assert.Equal(t, int64(2), frames)
}

func TestViewer_ReplaysLatestFrameOnConnect(t *testing.T) {
	v := NewViewer(ConstructorConfig{Path: "/frames"})
	srv := httptest.NewServer(v.Handler())
	defer srv.Close()

	require.NoError(t, v.Display(context.Background(), testFrame(1, 1)))
	require.NoError(t, v.Display(context.Background(), testFrame(2, 2)))

	c := dial(t, srv, "/frames")
	meta, pixels := readFrame(t, c)
	assert.Equal(t, uint64(2), meta.WriteCounter)
	assert.Equal(t, float32(2), testutil.FirstFloat32(pixels))
}

func TestViewer_LatestEndpoint(t *testing.T) {
	v := NewViewer(ConstructorConfig{Path: "/frames"})
	srv := httptest.NewServer(v.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/frames/latest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, v.Display(context.Background(), testFrame(5, 0)))

	resp, err = http.Get(srv.URL + "/frames/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var meta display.Meta
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, uint64(5), meta.WriteCounter)
}

func TestViewer_DropsClosedClients(t *testing.T) {
	v := NewViewer(ConstructorConfig{Path: "/frames", WriteTimeout: 200 * time.Millisecond})
	srv := httptest.NewServer(v.Handler())
	defer srv.Close()

	c := dial(t, srv, "/frames")
	testutil.WaitFor(t, time.Second, "viewer", func() bool { return v.ClientCount() == 1 })

	require.NoError(t, c.Close())
	testutil.WaitFor(t, 2*time.Second, "viewer removal", func() bool {
		_ = v.Display(context.Background(), testFrame(1, 0))
		return v.ClientCount() == 0
	})
}

func TestViewer_StartStop(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	v := NewViewer(ConstructorConfig{Port: 0, Path: "/frames", MetricsRegistry: registry})

	require.NoError(t, v.Start(context.Background()))
	require.NotEmpty(t, v.Addr())
	require.NoError(t, v.Start(context.Background()), "second start is a no-op")

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+v.Addr()+"/frames", nil)
	require.NoError(t, err)
	defer conn.Close()
	testutil.WaitFor(t, time.Second, "viewer", func() bool { return v.ClientCount() == 1 })

	require.NoError(t, v.Display(context.Background(), testFrame(1, 0)))
	readFrame(t, conn)

	assert.Equal(t, float64(1), promtest.ToFloat64(v.metrics.framesSent))
	assert.Equal(t, float64(1), promtest.ToFloat64(v.metrics.connectionTotal))

	require.NoError(t, v.Close())
	assert.Equal(t, 0, v.ClientCount())
	assert.Empty(t, v.Addr())
	require.NoError(t, v.Stop(time.Second), "second stop is a no-op")
}

func TestViewer_RunStopsOnCancel(t *testing.T) {
	v := NewViewer(ConstructorConfig{Port: 0})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- v.Run(ctx) }()
	testutil.WaitFor(t, time.Second, "listener", func() bool { return v.Addr() != "" })

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
