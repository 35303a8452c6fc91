// Package shmview follows a shared-memory image stream and forwards every
// completed frame to a display.
//
// A producer (a camera or wavefront-sensor process) owns a memory-mapped ring
// buffer: a fixed header describing the element type, the frame geometry and
// two write counters, followed by ringDepth frames. shmview never writes
// pixels and never blocks the producer. It attaches, watches the counters or
// its reserved semaphore, and hands the most recently completed ring slot to
// the configured outputs.
//
// # Architecture
//
//	imagestream   header layout, type registry, Attach/Detach, semaphores
//	monitor       per-attachment state machine and the re-attach Runner
//	display       the Sink contract, Fanout, RateLimited and Async queues
//	display/...   websocket viewer, NATS publisher, FITS files, SQLite journal
//	config        defaults, JSON/YAML files, SHMVIEW_* environment
//	errors        Transient / Invalid / Fatal classification and sentinels
//	metric        Prometheus registry and the /metrics and /health server
//	health        component health aggregation
//	natsclient    NATS connection with circuit breaker and KV helpers
//	pkg/retry     context-aware retry loops
//	testutil      in-process producer and frame recorder for tests
//
// # Stream lifecycle
//
// The Runner attaches, runs a Monitor until the stream stops being usable,
// detaches and starts over:
//
//	not found / not ready   retried every backoff, reported once per kind
//	geometry changed        re-attach immediately, before any pixel is read
//	producer gone           re-attach after one backoff
//	context cancelled       detach and return
//
// Output failures never end monitoring; they are counted and logged.
//
// # Running
//
//	shmview -s 2 -f 1 wfs
//	shmview --config=/etc/shmview/shmview.yaml --log-format=text
//
// Frames are served to browsers at ws://host:8081/frames by default; metrics
// and health are on :9090.
package shmview
