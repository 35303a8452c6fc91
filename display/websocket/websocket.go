// Package websocket provides a display sink that broadcasts frames to browser viewers
package websocket

import (
	"context"
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/shmview/display"
	"github.com/c360/shmview/errors"
	"github.com/c360/shmview/metric"
)

// ConstructorConfig holds all configuration needed to construct a Viewer
type ConstructorConfig struct {
	Name            string                  // Component name (empty = auto-generate)
	Port            int                     // HTTP server port (0 = pick a free port)
	Path            string                  // WebSocket endpoint path
	WriteTimeout    time.Duration           // Per-client write deadline
	PingInterval    time.Duration           // Keepalive ping interval
	MetricsRegistry *metric.MetricsRegistry // Optional Prometheus metrics registry
	Logger          *slog.Logger
}

// DefaultConstructorConfig returns sensible defaults for Viewer construction
func DefaultConstructorConfig() ConstructorConfig {
	return ConstructorConfig{
		Port:         8081,
		Path:         "/frames",
		WriteTimeout: 2 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Viewer serves frames to WebSocket clients. Each frame is one binary message:
// a 4-byte big-endian length, that many bytes of JSON display.Meta, then the
// raw pixels. Newly connected clients first receive the most recent frame.
type Viewer struct {
	name         string
	port         int
	path         string
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger

	server    *http.Server
	listener  net.Listener
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	latestMu sync.RWMutex
	latest   []byte
	latestM  *display.Meta

	shutdown    chan struct{}
	running     bool
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
	wg          *sync.WaitGroup

	framesSent atomic.Int64
	bytesSent  atomic.Int64
	errors     atomic.Int64

	metrics *Metrics
}

// clientInfo holds information about a connected viewer
type clientInfo struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMutex  sync.Mutex // gorilla/websocket forbids concurrent writers
}

var (
	_ display.Sink   = (*Viewer)(nil)
	_ display.Closer = (*Viewer)(nil)
)

// Metrics holds Prometheus metrics for the Viewer
type Metrics struct {
	framesSent         prometheus.Counter
	bytesSent          prometheus.Counter
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	broadcastDuration  prometheus.Histogram
	errorsTotal        *prometheus.CounterVec
}

// newMetrics creates and registers Viewer metrics
func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *Metrics {
	// nil registry = no metrics
	if registry == nil {
		return nil
	}

	m := &Metrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmview",
			Subsystem: "websocket",
			Name:      "frames_sent_total",
			Help:      "Total frames sent to viewers (one per client per frame)",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmview",
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to viewers",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmview",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected viewers",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmview",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total viewer connections (including disconnected)",
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmview",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total viewer disconnections",
		}, []string{"disconnect_reason"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shmview",
			Subsystem: "websocket",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to broadcast one frame to all viewers",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1.0},
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmview",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Viewer server errors",
		}, []string{"error_type"}),
	}

	err := stderrors.Join(
		registry.RegisterCounter("websocket", "frames_sent_total", m.framesSent),
		registry.RegisterCounter("websocket", "bytes_sent_total", m.bytesSent),
		registry.RegisterGauge("websocket", "clients_connected", m.clientsConnected),
		registry.RegisterCounter("websocket", "client_connections_total", m.connectionTotal),
		registry.RegisterCounterVec("websocket", "client_disconnections_total", m.disconnectionTotal),
		registry.RegisterHistogram("websocket", "broadcast_duration_seconds", m.broadcastDuration),
		registry.RegisterCounterVec("websocket", "errors_total", m.errorsTotal),
	)
	if err != nil {
		logger.Warn("Viewer metrics not fully registered", "error", err)
	}

	return m
}

// NewViewer creates a Viewer from ConstructorConfig. Call Start to serve.
func NewViewer(cfg ConstructorConfig) *Viewer {
	defaults := DefaultConstructorConfig()
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("websocket-viewer-%d", cfg.Port)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", name)
	}

	return &Viewer{
		name:         name,
		port:         cfg.Port,
		path:         cfg.Path,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		clients: make(map[*websocket.Conn]*clientInfo),
		metrics: newMetrics(cfg.MetricsRegistry, logger),
	}
}

// Name returns the component name.
func (v *Viewer) Name() string { return v.name }

// Handler returns the HTTP handler serving the WebSocket endpoint at the
// configured path and the latest frame metadata at <path>/latest.
func (v *Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(v.path, v.handleWebSocket)
	mux.HandleFunc(strings.TrimSuffix(v.path, "/")+"/latest", v.handleLatest)
	return mux
}

// Start begins serving. It returns once the listener is bound.
func (v *Viewer) Start(ctx context.Context) error {
	v.lifecycleMu.Lock()
	defer v.lifecycleMu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Viewer", "Start", "context already cancelled")
	}
	if v.port < 0 || v.port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Viewer", "Start",
			fmt.Sprintf("invalid port %d", v.port))
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", v.port))
	if err != nil {
		return errors.WrapTransient(err, "Viewer", "Start", "listen")
	}
	v.listener = ln
	v.server = &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	v.shutdown = make(chan struct{})
	v.wg = &sync.WaitGroup{}
	v.running = true

	v.wg.Add(2)
	go v.runServer(v.server, ln)
	go v.maintainClients(ctx)

	v.logger.Info("viewer listening", "addr", ln.Addr().String(), "path", v.path)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (v *Viewer) Addr() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.listener == nil {
		return ""
	}
	return v.listener.Addr().String()
}

// Run starts the viewer and blocks until ctx is cancelled, then stops it.
func (v *Viewer) Run(ctx context.Context) error {
	if err := v.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return v.Stop(5 * time.Second)
}

func (v *Viewer) runServer(server *http.Server, ln net.Listener) {
	defer v.wg.Done()
	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		v.logger.Error("viewer server failed", "error", err)
		v.errors.Add(1)
		if v.metrics != nil {
			v.metrics.errorsTotal.WithLabelValues("serve").Inc()
		}
	}
}

// Stop shuts the server down and closes every client connection.
func (v *Viewer) Stop(timeout time.Duration) error {
	v.lifecycleMu.Lock()
	defer v.lifecycleMu.Unlock()

	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return nil
	}
	v.running = false
	close(v.shutdown)
	server := v.server
	wg := v.wg
	v.mu.Unlock()

	var shutdownErr error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "Viewer", "Stop", "server shutdown")
		}
	}

	// hijacked websocket connections are not tracked by Shutdown
	v.closeAllClients()

	if wg != nil {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			v.logger.Warn("viewer goroutines did not exit within timeout")
		}
	}

	v.mu.Lock()
	v.server = nil
	v.listener = nil
	v.wg = nil
	v.mu.Unlock()

	return shutdownErr
}

// Close implements display.Closer.
func (v *Viewer) Close() error {
	return v.Stop(5 * time.Second)
}

func (v *Viewer) closeAllClients() {
	v.clientsMu.Lock()
	clients := v.clients
	v.clients = make(map[*websocket.Conn]*clientInfo)
	v.clientsMu.Unlock()

	for conn := range clients {
		_ = conn.Close()
	}
	if v.metrics != nil {
		v.metrics.clientsConnected.Set(0)
	}
}

// ClientCount returns the number of connected viewers.
func (v *Viewer) ClientCount() int {
	v.clientsMu.RLock()
	defer v.clientsMu.RUnlock()
	return len(v.clients)
}

// Stats returns frames sent, bytes sent and error counts.
func (v *Viewer) Stats() (frames, bytes, errs int64) {
	return v.framesSent.Load(), v.bytesSent.Load(), v.errors.Load()
}

// EncodeMessage builds the binary message for f.
func EncodeMessage(f display.Frame) ([]byte, error) {
	meta, err := json.Marshal(f.Meta())
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 4+len(meta)+len(f.Pixels))
	binary.BigEndian.PutUint32(msg, uint32(len(meta)))
	copy(msg[4:], meta)
	copy(msg[4+len(meta):], f.Pixels)
	return msg, nil
}

// DecodeMessage splits a binary message into metadata and pixels.
func DecodeMessage(msg []byte) (display.Meta, []byte, error) {
	var meta display.Meta
	if len(msg) < 4 {
		return meta, nil, errors.WrapInvalid(errors.ErrInvalidData, "Viewer", "DecodeMessage", "length prefix")
	}
	n := int(binary.BigEndian.Uint32(msg))
	if len(msg) < 4+n {
		return meta, nil, errors.WrapInvalid(errors.ErrInvalidData, "Viewer", "DecodeMessage", "header length")
	}
	if err := json.Unmarshal(msg[4:4+n], &meta); err != nil {
		return meta, nil, errors.WrapInvalid(err, "Viewer", "DecodeMessage", "header decode")
	}
	return meta, msg[4+n:], nil
}

// Display broadcasts f to every connected viewer. Pixels are copied into the
// message before Display returns. Viewers whose write fails are dropped; that
// is not an error for the caller.
func (v *Viewer) Display(ctx context.Context, f display.Frame) error {
	msg, err := EncodeMessage(f)
	if err != nil {
		v.errors.Add(1)
		if v.metrics != nil {
			v.metrics.errorsTotal.WithLabelValues("encode").Inc()
		}
		return errors.WrapInvalid(err, "Viewer", "Display", "encode frame")
	}

	meta := f.Meta()
	v.latestMu.Lock()
	v.latest = msg
	v.latestM = &meta
	v.latestMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	v.broadcast(msg)
	return nil
}

func (v *Viewer) broadcast(msg []byte) {
	start := time.Now()

	v.clientsMu.RLock()
	clients := make([]*clientInfo, 0, len(v.clients))
	for _, info := range v.clients {
		if !info.closed.Load() {
			clients = append(clients, info)
		}
	}
	v.clientsMu.RUnlock()

	var wg sync.WaitGroup
	for _, info := range clients {
		wg.Add(1)
		go func(info *clientInfo) {
			defer wg.Done()
			if err := v.sendToClient(info, msg); err != nil {
				v.logger.Debug("dropping viewer after failed write", "client", info.id, "error", err)
				v.errors.Add(1)
				if v.metrics != nil {
					v.metrics.errorsTotal.WithLabelValues("write").Inc()
				}
				v.removeClient(info, "write_error")
			}
		}(info)
	}
	wg.Wait()

	if v.metrics != nil {
		v.metrics.broadcastDuration.Observe(time.Since(start).Seconds())
	}
}

// sendToClient writes one message under the client's write lock.
func (v *Viewer) sendToClient(info *clientInfo, msg []byte) error {
	info.writeMutex.Lock()
	defer info.writeMutex.Unlock()

	_ = info.conn.SetWriteDeadline(time.Now().Add(v.writeTimeout))
	if err := info.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return err
	}

	v.framesSent.Add(1)
	v.bytesSent.Add(int64(len(msg)))
	if v.metrics != nil {
		v.metrics.framesSent.Inc()
		v.metrics.bytesSent.Add(float64(len(msg)))
	}
	return nil
}

func (v *Viewer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.errors.Add(1)
		if v.metrics != nil {
			v.metrics.errorsTotal.WithLabelValues("connection_upgrade").Inc()
		}
		return
	}

	info := &clientInfo{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
	}

	v.clientsMu.Lock()
	v.clients[conn] = info
	count := len(v.clients)
	v.clientsMu.Unlock()

	if v.metrics != nil {
		v.metrics.connectionTotal.Inc()
		v.metrics.clientsConnected.Set(float64(count))
	}
	v.logger.Debug("viewer connected", "client", info.id, "remote", r.RemoteAddr)

	v.latestMu.RLock()
	latest := v.latest
	v.latestMu.RUnlock()
	if latest != nil {
		if err := v.sendToClient(info, latest); err != nil {
			v.removeClient(info, "write_error")
			return
		}
	}

	v.mu.RLock()
	wg := v.wg
	v.mu.RUnlock()
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		v.readLoop(info)
	}()
}

// readLoop drains control frames so pongs and closes are processed.
func (v *Viewer) readLoop(info *clientInfo) {
	defer v.removeClient(info, "normal")

	info.conn.SetPongHandler(func(string) error {
		return info.conn.SetReadDeadline(time.Now().Add(2 * v.pingInterval))
	})
	_ = info.conn.SetReadDeadline(time.Now().Add(2 * v.pingInterval))
	for {
		if _, _, err := info.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (v *Viewer) handleLatest(w http.ResponseWriter, _ *http.Request) {
	v.latestMu.RLock()
	meta := v.latestM
	v.latestMu.RUnlock()

	if meta == nil {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meta)
}

// removeClient removes a client exactly once.
func (v *Viewer) removeClient(info *clientInfo, reason string) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		v.clientsMu.Lock()
		delete(v.clients, info.conn)
		count := len(v.clients)
		v.clientsMu.Unlock()

		if v.metrics != nil {
			v.metrics.disconnectionTotal.WithLabelValues(reason).Inc()
			v.metrics.clientsConnected.Set(float64(count))
		}
		_ = info.conn.Close()
	})
}

// maintainClients pings viewers so dead connections are noticed.
func (v *Viewer) maintainClients(ctx context.Context) {
	defer v.wg.Done()

	ticker := time.NewTicker(v.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.shutdown:
			return
		case <-ticker.C:
			v.pingClients()
		}
	}
}

func (v *Viewer) pingClients() {
	v.clientsMu.RLock()
	clients := make([]*clientInfo, 0, len(v.clients))
	for _, info := range v.clients {
		clients = append(clients, info)
	}
	v.clientsMu.RUnlock()

	for _, info := range clients {
		if info.closed.Load() {
			continue
		}
		info.writeMutex.Lock()
		err := info.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(v.writeTimeout))
		info.writeMutex.Unlock()
		if err != nil {
			v.removeClient(info, "ping_timeout")
		}
	}
}
