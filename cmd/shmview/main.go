// Package main implements the shmview binary. shmview attaches to a
// shared-memory image stream, follows its producer and forwards every
// completed frame to the configured displays.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/shmview/config"
	"github.com/c360/shmview/display"
	"github.com/c360/shmview/health"
	"github.com/c360/shmview/metric"
	"github.com/c360/shmview/monitor"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "shmview"
)

const (
	shutdownTimeout = 5 * time.Second
	healthInterval  = 5 * time.Second
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string, out io.Writer) error {
	cliCfg, err := parseFlags(args, getenv, out)
	if stderrors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(out, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(newFlagSet(&CLIConfig{}, getenv, out), out)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, out)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting shmview",
		"version", Version,
		"build_time", BuildTime,
		"key", cfg.Stream.Key,
		"slot", cfg.Stream.Slot,
		"mode", cfg.Stream.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("shmview shutdown complete")
	return nil
}

// loadConfig layers defaults, the optional config file, the environment and
// finally the command line, then validates the result.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cliCfg.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serve runs the stream runner, the outputs and the metrics server until ctx
// is cancelled or one of them fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	registry.CoreMetrics().RecordBuildInfo(Version)
	healthMonitor := health.NewMonitor()

	outs, err := openOutputs(ctx, cfg, outputDeps{
		logger:   logger,
		registry: registry,
		health:   healthMonitor,
	})
	if err != nil {
		return err
	}
	defer outs.close(logger)

	runnerCfg, err := cfg.RunnerConfig()
	if err != nil {
		return err
	}
	runner, err := monitor.NewRunner(monitor.RunnerDeps{
		Config:          runnerCfg,
		Sink:            display.RateLimited(outs.sink(), cfg.Display.MaxRate, 1),
		Logger:          logger.With("component", "stream", "key", cfg.Stream.Key),
		MetricsRegistry: registry,
		Health:          healthMonitor,
	})
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runner.Run(gctx)
	})

	if outs.viewer != nil {
		g.Go(func() error {
			return outs.viewer.Run(gctx)
		})
	}

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, healthMonitor.Handler(appName))
		g.Go(func() error {
			logger.Info("Metrics server starting", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			return server.Run(gctx)
		})
	}

	g.Go(func() error {
		reportHealth(gctx, healthMonitor, registry.CoreMetrics(), outs, healthInterval)
		return nil
	})

	err = g.Wait()

	stats := runner.Stats()
	logger.Info("Received shutdown signal",
		"frames_forwarded", stats.FramesForwarded,
		"attaches", stats.Attaches,
		"geometry_changes", stats.GeometryChanges,
		"producer_gone", stats.ProducerGone)
	return err
}

// reportHealth mirrors component health and NATS connection state into the
// core metrics every interval.
func reportHealth(ctx context.Context, hm *health.Monitor, core *metric.Metrics, outs *outputs, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, name := range hm.ListComponents() {
			if status, ok := hm.Get(name); ok {
				core.RecordHealthStatus(name, status.Status)
			}
		}
		if outs.nats != nil {
			if rtt, err := outs.nats.RTT(); err == nil {
				core.RecordNATSRTT(rtt)
			}
			core.RecordCircuitBreakerState(outs.natsCircuitOpen())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
