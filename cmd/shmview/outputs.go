package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/shmview/config"
	"github.com/c360/shmview/display"
	"github.com/c360/shmview/display/fits"
	"github.com/c360/shmview/display/journal"
	"github.com/c360/shmview/display/natsink"
	"github.com/c360/shmview/display/websocket"
	"github.com/c360/shmview/health"
	"github.com/c360/shmview/metric"
	"github.com/c360/shmview/natsclient"
)

const natsComponent = "nats"

type outputDeps struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	health   *health.Monitor
}

// outputs are the enabled displays. The viewer is also served by its Run;
// stopping it twice is harmless.
type outputs struct {
	sinks  []display.Sink
	viewer *websocket.Viewer
	nats   *natsclient.Client

	// queued outputs keep running until close so their queues drain.
	queueCtx    context.Context
	queueCancel context.CancelFunc
	queueSize   int
	deps        outputDeps
}

// openOutputs creates every enabled output. On error the outputs already
// opened are closed.
func openOutputs(ctx context.Context, cfg *config.Config, deps outputDeps) (_ *outputs, err error) {
	queueCtx, queueCancel := context.WithCancel(context.WithoutCancel(ctx))
	outs := &outputs{
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
		queueSize:   cfg.Display.QueueSize,
		deps:        deps,
	}
	defer func() {
		if err != nil {
			outs.close(deps.logger)
		}
	}()

	d := cfg.Display
	if d.WebSocket.Enabled {
		outs.viewer = websocket.NewViewer(websocket.ConstructorConfig{
			Name:            "viewer",
			Port:            d.WebSocket.Port,
			Path:            d.WebSocket.Path,
			MetricsRegistry: deps.registry,
			Logger:          deps.logger.With("component", "viewer"),
		})
		outs.sinks = append(outs.sinks, outs.viewer)
	}

	if d.NATS.Enabled {
		client, err := connectNATS(ctx, d.NATS, deps)
		if err != nil {
			return nil, err
		}
		outs.nats = client

		sink, err := natsink.New(ctx, client, natsink.Config{
			SubjectPrefix:   d.NATS.SubjectPrefix,
			KVBucket:        d.NATS.KVBucket,
			Logger:          deps.logger.With("component", "natsink"),
			MetricsRegistry: deps.registry,
		})
		if err != nil {
			return nil, fmt.Errorf("create NATS sink: %w", err)
		}
		if err := outs.add("nats", sink); err != nil {
			return nil, err
		}
	}

	if d.FITS.Enabled {
		w, err := fits.New(fits.Config{
			Dir:             d.FITS.Dir,
			MaxFiles:        d.FITS.MaxFiles,
			Logger:          deps.logger.With("component", "fits"),
			MetricsRegistry: deps.registry,
		})
		if err != nil {
			return nil, fmt.Errorf("create FITS writer: %w", err)
		}
		if err := outs.add("fits", w); err != nil {
			return nil, err
		}
	}

	if d.Journal.Enabled {
		j, err := journal.Open(ctx, journal.Config{
			Path:            d.Journal.Path,
			Logger:          deps.logger.With("component", "journal"),
			MetricsRegistry: deps.registry,
		})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if err := outs.add("journal", j); err != nil {
			return nil, err
		}
	}

	if len(outs.sinks) == 0 {
		deps.logger.Warn("No display outputs enabled, frames will be discarded")
	}
	return outs, nil
}

// connectNATS connects a client whose connection state feeds the health
// monitor and the core metrics.
func connectNATS(ctx context.Context, cfg config.NATSConfig, deps outputDeps) (*natsclient.Client, error) {
	core := deps.registry.CoreMetrics()
	opts := natsOptions(cfg, deps)
	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	deps.logger.Info("Connecting to NATS")
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 2*cfg.ConnectTimeout.Std())
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	core.RecordNATSStatus(true)
	deps.health.UpdateHealthy(natsComponent, "connected")
	return client, nil
}

// natsOptions maps the NATS settings onto client options.
func natsOptions(cfg config.NATSConfig, deps outputDeps) []natsclient.ClientOption {
	core := deps.registry.CoreMetrics()
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(deps.logger.With("component", natsComponent)),
		natsclient.WithTimeout(cfg.ConnectTimeout.Std()),
		natsclient.WithReconnectWait(cfg.ReconnectWait.Std()),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithPingInterval(cfg.PingInterval.Std()),
		natsclient.WithDrainTimeout(cfg.DrainTimeout.Std()),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			core.RecordNATSStatus(healthy)
			if healthy {
				deps.health.UpdateHealthy(natsComponent, "connected")
			} else {
				deps.health.UpdateDegraded(natsComponent, "disconnected")
			}
		}),
		natsclient.WithDisconnectCallback(func(error) {
			core.RecordError(natsComponent, "disconnect")
		}),
		natsclient.WithReconnectCallback(core.RecordNATSReconnect),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	return opts
}

// add registers an output that does disk or network work, behind a queue
// unless queueing is disabled.
func (o *outputs) add(name string, s display.Sink) error {
	if o.queueSize <= 0 {
		o.sinks = append(o.sinks, s)
		return nil
	}
	q := display.NewAsync(s, display.AsyncConfig{
		Name:            name,
		QueueSize:       o.queueSize,
		Logger:          o.deps.logger.With("component", name),
		MetricsRegistry: o.deps.registry,
	})
	if err := q.Start(o.queueCtx); err != nil {
		_ = display.CloseAll(s)
		return err
	}
	o.sinks = append(o.sinks, q)
	return nil
}

// sink returns all outputs as one sink, or display.Discard when none is enabled.
func (o *outputs) sink() display.Sink {
	switch len(o.sinks) {
	case 0:
		return display.Discard
	case 1:
		return o.sinks[0]
	default:
		return display.Fanout(o.sinks...)
	}
}

func (o *outputs) natsCircuitOpen() bool {
	return o.nats != nil && o.nats.Status() == natsclient.StatusCircuitOpen
}

// close drains and closes every sink, then the NATS connection.
func (o *outputs) close(logger *slog.Logger) {
	for _, s := range o.sinks {
		if err := display.CloseAll(s); err != nil {
			logger.Warn("Failed to close output", "error", err)
		}
	}
	o.sinks = nil
	o.queueCancel()

	if o.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := o.nats.Close(ctx); err != nil {
			logger.Warn("Failed to close NATS connection", "error", err)
		}
		o.nats = nil
	}
}
