package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/shmview/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHMVIEW"

// Loader handles configuration loading with layers and overrides:
// defaults, then each file layer in order, then environment variables.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables Config.Validate at the end of Load
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("failed to load %s: %w", path, err), "Loader", "Load", "read layer")
		}
		if err := ValidateDocument(raw); err != nil {
			return nil, errors.Wrap(err, "Loader", "Load", "validate "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode configuration")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic document
func loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	format, err := configFormat(path)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	switch format {
	case formatJSON:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case formatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies SHMVIEW_* environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"KEY":                 &cfg.Stream.Key,
		"SHM_DIR":             &cfg.Stream.ShmDir,
		"SEM_DIR":             &cfg.Stream.SemDir,
		"MODE":                &cfg.Stream.Mode,
		"TITLE":               &cfg.Display.Title,
		"WEBSOCKET_PATH":      &cfg.Display.WebSocket.Path,
		"NATS_URL":            &cfg.Display.NATS.URL,
		"NATS_SUBJECT_PREFIX": &cfg.Display.NATS.SubjectPrefix,
		"NATS_KV_BUCKET":      &cfg.Display.NATS.KVBucket,
		"NATS_USERNAME":       &cfg.Display.NATS.Username,
		"NATS_PASSWORD":       &cfg.Display.NATS.Password,
		"NATS_TOKEN":          &cfg.Display.NATS.Token,
		"FITS_DIR":            &cfg.Display.FITS.Dir,
		"JOURNAL_PATH":        &cfg.Display.Journal.Path,
		"METRICS_PATH":        &cfg.Metrics.Path,
	}
	ints := map[string]*int{
		"SLOT":                &cfg.Stream.Slot,
		"TARGET_SLOT":         &cfg.Display.TargetSlot,
		"QUEUE_SIZE":          &cfg.Display.QueueSize,
		"WEBSOCKET_PORT":      &cfg.Display.WebSocket.Port,
		"FITS_MAX_FILES":      &cfg.Display.FITS.MaxFiles,
		"METRICS_PORT":        &cfg.Metrics.Port,
		"NATS_MAX_RECONNECTS": &cfg.Display.NATS.MaxReconnects,
	}
	durations := map[string]*Duration{
		"PAUSE":                &cfg.Stream.Pause,
		"POST_SEND":            &cfg.Stream.PostSend,
		"BACKOFF":              &cfg.Stream.Backoff,
		"NATS_CONNECT_TIMEOUT": &cfg.Display.NATS.ConnectTimeout,
		"NATS_RECONNECT_WAIT":  &cfg.Display.NATS.ReconnectWait,
		"NATS_PING_INTERVAL":   &cfg.Display.NATS.PingInterval,
		"NATS_DRAIN_TIMEOUT":   &cfg.Display.NATS.DrainTimeout,
	}
	bools := map[string]*bool{
		"WEBSOCKET_ENABLED": &cfg.Display.WebSocket.Enabled,
		"NATS_ENABLED":      &cfg.Display.NATS.Enabled,
		"FITS_ENABLED":      &cfg.Display.FITS.Enabled,
		"JOURNAL_ENABLED":   &cfg.Display.Journal.Enabled,
		"METRICS_ENABLED":   &cfg.Metrics.Enabled,
	}

	for name, dst := range strs {
		if val, ok, err := l.env(name); err != nil {
			return err
		} else if ok {
			*dst = val
		}
	}
	for name, dst := range ints {
		val, ok, err := l.env(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return l.envError(name, err)
		}
		*dst = n
	}
	for name, dst := range durations {
		val, ok, err := l.env(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return l.envError(name, err)
		}
		*dst = Duration(d)
	}
	for name, dst := range bools {
		val, ok, err := l.env(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return l.envError(name, err)
		}
		*dst = b
	}
	return nil
}

// env looks up a prefixed variable; empty values count as unset
func (l *Loader) env(name string) (string, bool, error) {
	key := l.envPrefix + "_" + name
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := validateEnvVar(key, val); err != nil {
		return "", false, errors.WrapInvalid(err, "Loader", "applyEnvOverrides", key)
	}
	return strings.TrimSpace(val), true, nil
}

func (l *Loader) envError(name string, err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s_%s: %w", errors.ErrInvalidConfig, l.envPrefix, name, err),
		"Loader", "applyEnvOverrides", "parse environment")
}
