// Package metric holds the process Prometheus registry and the HTTP server that
// exposes it.
//
// Core metrics (build info, component errors, health levels, NATS connection)
// are registered by NewMetricsRegistry. Components register their own
// collectors through the MetricsRegistrar methods, which reject a second
// registration of the same component metric with an Invalid error instead of
// panicking.
// Every name is prefixed with the "shmview" namespace:
//
//	shmview_build_info{version="...",go_version="..."}
//	shmview_errors_total{component="stream",kind="not_found"}
//	shmview_health_status{component="stream"}
//	shmview_nats_connected
//
// Server serves the registry (default /metrics) plus /health. Passing a
// health.Monitor handler makes /health report the aggregated component health.
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer(9090, "/metrics", registry, monitor.Handler("shmview"))
//	g.Go(func() error { return srv.Run(ctx) })
package metric
