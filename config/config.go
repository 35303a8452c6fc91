package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/shmview/errors"
	"github.com/c360/shmview/imagestream"
	"github.com/c360/shmview/monitor"
)

// Duration is a time.Duration that reads "1ms" style strings or plain
// nanosecond numbers and writes strings.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// MarshalYAML writes the duration as a string
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(n)
	return nil
}

// Config is the complete shmview configuration
type Config struct {
	Stream  StreamConfig  `json:"stream" yaml:"stream"`
	Display DisplayConfig `json:"display" yaml:"display"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// StreamConfig selects the stream and how it is watched
type StreamConfig struct {
	Key      string   `json:"key" yaml:"key"`
	ShmDir   string   `json:"shm_dir,omitempty" yaml:"shm_dir,omitempty"`
	SemDir   string   `json:"sem_dir,omitempty" yaml:"sem_dir,omitempty"`
	Slot     int      `json:"slot" yaml:"slot"`
	Mode     string   `json:"mode" yaml:"mode"` // counter or semaphore
	Pause    Duration `json:"pause" yaml:"pause"`
	PostSend Duration `json:"post_send" yaml:"post_send"`
	Backoff  Duration `json:"backoff" yaml:"backoff"`
}

// DisplayConfig configures where frames go
type DisplayConfig struct {
	Title      string          `json:"title,omitempty" yaml:"title,omitempty"`
	TargetSlot int             `json:"target_slot" yaml:"target_slot"`
	MaxRate    float64         `json:"max_rate,omitempty" yaml:"max_rate,omitempty"` // frames per second, 0 = unlimited
	QueueSize  int             `json:"queue_size" yaml:"queue_size"`                 // per disk/network output, 0 = synchronous
	WebSocket  WebSocketConfig `json:"websocket" yaml:"websocket"`
	NATS       NATSConfig      `json:"nats" yaml:"nats"`
	FITS       FITSConfig      `json:"fits" yaml:"fits"`
	Journal    JournalConfig   `json:"journal" yaml:"journal"`
}

// WebSocketConfig configures the browser viewer endpoint
type WebSocketConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// NATSConfig configures frame publishing over NATS
type NATSConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	KVBucket      string `json:"kv_bucket,omitempty" yaml:"kv_bucket,omitempty"`
	Username      string `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"`

	// Connection tuning, passed through to the NATS client.
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWait  Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects  int      `json:"max_reconnects" yaml:"max_reconnects"` // -1 retries forever
	PingInterval   Duration `json:"ping_interval" yaml:"ping_interval"`
	DrainTimeout   Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

// FITSConfig configures FITS file output
type FITSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Dir      string `json:"dir" yaml:"dir"`
	MaxFiles int    `json:"max_files" yaml:"max_files"`
}

// JournalConfig configures the SQLite frame journal
type JournalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// MetricsConfig configures the Prometheus and health endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			Mode:     monitor.ModeCounter.String(),
			Pause:    Duration(monitor.DefaultPause),
			PostSend: Duration(monitor.DefaultPostSend),
			Backoff:  Duration(monitor.DefaultBackoff),
		},
		Display: DisplayConfig{
			TargetSlot: 1,
			QueueSize:  8,
			WebSocket: WebSocketConfig{
				Enabled: true,
				Port:    8081,
				Path:    "/frames",
			},
			NATS: NATSConfig{
				URL:            "nats://localhost:4222",
				SubjectPrefix:  "shmview.frames",
				ConnectTimeout: Duration(5 * time.Second),
				ReconnectWait:  Duration(2 * time.Second),
				MaxReconnects:  -1,
				PingInterval:   Duration(30 * time.Second),
				DrainTimeout:   Duration(5 * time.Second),
			},
			FITS: FITSConfig{
				Dir:      "frames",
				MaxFiles: 100,
			},
			Journal: JournalConfig{
				Path: "shmview.db",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration. Every failure is an invalid-config error.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "check configuration")
	}

	if strings.TrimSpace(c.Stream.Key) == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: stream.key", errors.ErrMissingConfig),
			"Config", "Validate", "check configuration")
	}
	if c.Stream.Slot < 0 {
		return fail("stream.slot %d is negative", c.Stream.Slot)
	}
	if _, err := monitor.ParseMode(c.Stream.Mode); err != nil {
		return fail("stream.mode %q", c.Stream.Mode)
	}
	if c.Stream.Pause < 0 || c.Stream.PostSend < 0 || c.Stream.Backoff < 0 {
		return fail("stream durations must not be negative")
	}

	d := c.Display
	if d.TargetSlot < 0 {
		return fail("display.target_slot %d is negative", d.TargetSlot)
	}
	if d.MaxRate < 0 {
		return fail("display.max_rate %v is negative", d.MaxRate)
	}
	if d.QueueSize < 0 {
		return fail("display.queue_size %d is negative", d.QueueSize)
	}
	if d.WebSocket.Enabled {
		if err := validatePort("display.websocket.port", d.WebSocket.Port); err != nil {
			return fail("%v", err)
		}
		if !strings.HasPrefix(d.WebSocket.Path, "/") {
			return fail("display.websocket.path %q must start with /", d.WebSocket.Path)
		}
	}
	if d.NATS.Enabled {
		u, err := url.Parse(d.NATS.URL)
		if err != nil || u.Host == "" {
			return fail("display.nats.url %q", d.NATS.URL)
		}
		if strings.ContainsAny(d.NATS.SubjectPrefix, " *>") {
			return fail("display.nats.subject_prefix %q", d.NATS.SubjectPrefix)
		}
		if d.NATS.ConnectTimeout <= 0 || d.NATS.PingInterval <= 0 || d.NATS.DrainTimeout <= 0 {
			return fail("display.nats connect_timeout, ping_interval and drain_timeout must be positive")
		}
		if d.NATS.ReconnectWait < 0 {
			return fail("display.nats.reconnect_wait %v is negative", d.NATS.ReconnectWait)
		}
		if d.NATS.MaxReconnects < -1 {
			return fail("display.nats.max_reconnects %d, use -1 for unlimited", d.NATS.MaxReconnects)
		}
	}
	if d.FITS.Enabled {
		if d.FITS.Dir == "" {
			return fail("display.fits.dir is required")
		}
		if d.FITS.MaxFiles < 0 {
			return fail("display.fits.max_files %d is negative", d.FITS.MaxFiles)
		}
	}
	if d.Journal.Enabled && d.Journal.Path == "" {
		return fail("display.journal.path is required")
	}
	if c.Metrics.Enabled {
		if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
			return fail("%v", err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fail("metrics.path %q must start with /", c.Metrics.Path)
		}
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", field, port)
	}
	return nil
}

// RunnerConfig converts the stream and display settings for monitor.NewRunner.
func (c *Config) RunnerConfig() (monitor.RunnerConfig, error) {
	mode, err := monitor.ParseMode(c.Stream.Mode)
	if err != nil {
		return monitor.RunnerConfig{}, err
	}
	title := c.Display.Title
	if title == "" {
		title = c.Stream.Key
	}
	return monitor.RunnerConfig{
		Stream: imagestream.Options{
			Key:    c.Stream.Key,
			Slot:   c.Stream.Slot,
			ShmDir: c.Stream.ShmDir,
			SemDir: c.Stream.SemDir,
		},
		Monitor: monitor.Config{
			Mode:       mode,
			Pause:      c.Stream.Pause.Std(),
			PostSend:   c.Stream.PostSend.Std(),
			TargetSlot: c.Display.TargetSlot,
			Title:      title,
		},
		Backoff: c.Stream.Backoff.Std(),
	}, nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	return &clone
}

// String returns a JSON representation with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.Display.NATS.Password != "" {
		masked.Display.NATS.Password = "***"
	}
	if masked.Display.NATS.Token != "" {
		masked.Display.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
