// Package websocket provides a display sink that pushes frames to browser viewers
// over WebSocket.
//
// # Overview
//
// Viewer runs an HTTP server with a WebSocket endpoint (default /frames). Every
// frame passed to Display is broadcast to all connected viewers as one binary
// message:
//
//	+----------------+----------------------+------------------+
//	| uint32 (BE) n  | n bytes JSON Meta    | raw pixel bytes  |
//	+----------------+----------------------+------------------+
//
// The JSON header is display.Meta: stream, write_counter, ring_slot,
// target_slot, width, height, element_size, element_type, bitpix and timestamp.
// Pixels are the frame exactly as found in shared memory (host byte order).
//
// A newly connected viewer immediately receives the most recent frame, and
// GET <path>/latest returns its metadata as JSON.
//
// # Slow and dead viewers
//
// Writes carry a deadline (WriteTimeout, default 2s). A viewer whose write
// fails or times out is dropped; Display never reports per-viewer failures to
// the monitor. Keepalive pings run every PingInterval.
//
// # Usage
//
//	v := websocket.NewViewer(websocket.ConstructorConfig{
//	    Port:            8081,
//	    Path:            "/frames",
//	    MetricsRegistry: registry,
//	    Logger:          logger,
//	})
//	g.Go(func() error { return v.Run(ctx) })
//	sink := display.Fanout(v, other)
//
// # Metrics
//
// With a registry, shmview_websocket_* metrics are exported: frames and bytes
// sent, connected viewers, connections, disconnections by reason, broadcast
// duration and errors by type.
package websocket
