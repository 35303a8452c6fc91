// Package config loads the shmview configuration.
//
// Values are layered, later layers winning:
//
//	defaults -> config file(s) -> SHMVIEW_* environment -> command-line flags
//
// Flags are applied by the binary; this package covers the first three.
//
// # Files
//
// A file is JSON (.json) or YAML (.yaml, .yml). Before decoding, the document
// is checked against an embedded JSON Schema (see Schema), so unknown keys and
// wrong types are rejected with every violation listed. Durations are Go
// duration strings ("1ms", "10ms") or integer nanoseconds.
//
//	stream:
//	  key: wfs
//	  slot: 2
//	  mode: semaphore
//	  pause: 1ms
//	  post_send: 10ms
//	display:
//	  target_slot: 1
//	  queue_size: 8
//	  websocket: {enabled: true, port: 8081, path: /frames}
//	  nats: {enabled: true, url: "nats://localhost:4222", kv_bucket: shmview_latest}
//	metrics: {enabled: true, port: 9090}
//
// # Environment
//
// Each field has an override named SHMVIEW_<FIELD>, for example SHMVIEW_KEY,
// SHMVIEW_SLOT, SHMVIEW_MODE, SHMVIEW_PAUSE, SHMVIEW_POST_SEND, SHMVIEW_NATS_URL,
// SHMVIEW_NATS_TOKEN, SHMVIEW_NATS_RECONNECT_WAIT and SHMVIEW_METRICS_PORT. Empty variables are ignored;
// unparsable ones fail the load.
//
// # Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("shmview.yaml")
//	cfg, err := loader.Load()
//	if err != nil {
//	    return err
//	}
//	// apply flags, then
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	runnerCfg, err := cfg.RunnerConfig()
//
// # Security
//
// Files are limited to 1MB and must be regular files; paths containing ".."
// are refused and JSON nesting is bounded. String renders the configuration
// with NATS credentials masked.
package config
