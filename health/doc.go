// Package health tracks the health of the viewer's parts and serves it as JSON.
//
// Each part (the stream runner, each display sink, the NATS connection) reports
// a Status into a shared Monitor. A stream that has not appeared yet is
// degraded, not unhealthy: the viewer is doing its job by waiting. Anything
// classified as fatal or invalid makes the part unhealthy.
//
//	monitor := health.NewMonitor()
//	monitor.UpdateFromError("stream", err)
//	monitor.UpdateHealthy("websocket", "2 viewers")
//	http.Handle("/health", monitor.Handler("shmview"))
//
// Error text is sanitized before it lands in a Status: URLs, paths, addresses,
// ports and credentials are replaced by placeholders.
package health
