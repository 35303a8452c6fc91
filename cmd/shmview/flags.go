package main

import (
	"flag"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/c360/shmview/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	Key         string
	Slot        int
	TargetSlot  int
	PauseUS     int
	PostSendUS  int
	Title       string
	Mode        string
	LogLevel    string
	LogFormat   string
	Debug       bool
	MetricsPort int
	ShowVersion bool
	ShowHelp    bool
	Validate    bool

	// set records which stream/display flags were given explicitly; only
	// those override the loaded configuration.
	set map[string]bool
}

func newFlagSet(cfg *CLIConfig, getenv func(string) string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(out)

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		envOr(getenv, "SHMVIEW_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: SHMVIEW_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		envOr(getenv, "SHMVIEW_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: SHMVIEW_CONFIG)")

	fs.StringVar(&cfg.Key, "key", "", "Stream key, may also be given as the first argument")
	fs.IntVar(&cfg.Slot, "s", 0, "Semaphore slot index reserved for this consumer")
	fs.IntVar(&cfg.TargetSlot, "f", 1, "Display frame slot")
	fs.IntVar(&cfg.PauseUS, "p", int(config.Default().Stream.Pause.Std()/time.Microsecond),
		"Pause between polls while idle, in microseconds")
	fs.IntVar(&cfg.PostSendUS, "w", int(config.Default().Stream.PostSend.Std()/time.Microsecond),
		"Wait after each forwarded frame, in microseconds")
	fs.StringVar(&cfg.Title, "t", "", "Display title")
	fs.StringVar(&cfg.Mode, "mode", config.Default().Stream.Mode, "Update detection: counter or semaphore")

	fs.StringVar(&cfg.LogLevel, "log-level",
		envOr(getenv, "SHMVIEW_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SHMVIEW_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		envOr(getenv, "SHMVIEW_LOG_FORMAT", "json"),
		"Log format: json, text (env: SHMVIEW_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug",
		envBool(getenv, "SHMVIEW_DEBUG", false),
		"Enable debug logging (env: SHMVIEW_DEBUG)")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", config.Default().Metrics.Port,
		"Metrics and health port, 0 to disable")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs, out)
	}
	return fs
}

// parseFlags parses args (without the program name). A single positional
// argument is the stream key.
func parseFlags(args []string, getenv func(string) string, out io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{set: make(map[string]bool)}
	fs := newFlagSet(cfg, getenv, out)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		cfg.set[f.Name] = true
	})

	// Override log level if debug is set
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		if cfg.Key != "" && cfg.Key != rest[0] {
			return nil, fmt.Errorf("stream key given twice: %q and %q", cfg.Key, rest[0])
		}
		cfg.Key = rest[0]
		cfg.set["key"] = true
	default:
		return nil, fmt.Errorf("unexpected arguments: %v", rest[1:])
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.Slot < 0 {
		return fmt.Errorf("invalid semaphore slot: %d", cfg.Slot)
	}
	if cfg.PauseUS < 0 {
		return fmt.Errorf("invalid pause: %dus", cfg.PauseUS)
	}
	if cfg.PostSendUS < 0 {
		return fmt.Errorf("invalid post-send wait: %dus", cfg.PostSendUS)
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}
	return nil
}

// apply copies explicitly given flags over the loaded configuration.
func (c *CLIConfig) apply(cfg *config.Config) {
	if c.set["key"] {
		cfg.Stream.Key = c.Key
	}
	if c.set["s"] {
		cfg.Stream.Slot = c.Slot
	}
	if c.set["f"] {
		cfg.Display.TargetSlot = c.TargetSlot
	}
	if c.set["p"] {
		cfg.Stream.Pause = config.Duration(time.Duration(c.PauseUS) * time.Microsecond)
	}
	if c.set["w"] {
		cfg.Stream.PostSend = config.Duration(time.Duration(c.PostSendUS) * time.Microsecond)
	}
	if c.set["t"] {
		cfg.Display.Title = c.Title
	}
	if c.set["mode"] {
		cfg.Stream.Mode = c.Mode
	}
	if c.set["metrics-port"] {
		cfg.Metrics.Port = c.MetricsPort
		cfg.Metrics.Enabled = c.MetricsPort != 0
	}
}

func printDetailedHelp(fs *flag.FlagSet, out io.Writer) {
	_, _ = fmt.Fprintf(out, `%s - shared-memory image stream viewer

Usage: %s [options] <stream-key>

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(out, `
Examples:
  # Follow stream "wfs" on semaphore slot 2, display in frame 3
  %s -s 2 -f 3 wfs

  # Wait on the semaphore instead of polling the write counter
  %s -mode semaphore -p 500 -w 20000 wfs

  # Run from a configuration file with text logs
  %s --config=/etc/shmview/shmview.yaml --log-format=text

  # Validate configuration only
  %s --config=shmview.yaml --validate

Version: %s
Build: %s
`, appName, appName, appName, appName, Version, BuildTime)
}

// Environment variable helper functions
func envOr(getenv func(string) string, key, defaultValue string) string {
	if value := getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envBool(getenv func(string) string, key string, defaultValue bool) bool {
	if value := getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
