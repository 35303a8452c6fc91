// Package monitor watches an attached image stream and forwards every new frame
// to a display sink.
//
// # State machine
//
// A Monitor owns one attachment. Each Step ends in one of four states:
//
//	WAITING           nothing new; the producer is still alive; slept Pause
//	FRAME_READY       the newest frame was handed to the sink; slept PostSend
//	GEOMETRY_CHANGED  the dims drifted from the attach snapshot; no pixels touched
//	PRODUCER_GONE     semaphore count <= consumer slot in the no-news branch
//
// ModeCounter polls the header write counter: a value different from the last
// one observed means a new frame. The first step after attach forwards the
// current frame unless the write counter is still zero, in which case no slot
// holds a frame yet. ModeSemaphore does a non-blocking wait on the consumer
// semaphore instead and only forwards on a post.
//
// The ready slot is (slotCounter-1) mod ringDepth, with a slot counter of zero
// wrapping to the last slot. Only the newest frame is forwarded; frames written
// between two polls are skipped.
//
// Sink errors are counted and logged once per distinct error. They never end
// monitoring.
//
// # Runner
//
// Runner is the outer loop:
//
//	attach (retry every Backoff, one log line per distinct failure kind)
//	  -> monitor -> detach
//	  GEOMETRY_CHANGED: re-attach now
//	  PRODUCER_GONE:    wait one Backoff, re-attach
//
// Cancelling the context is a clean exit: an in-flight sink call completes, the
// attachment is released and no further attach is started.
//
// # Usage
//
//	r, err := monitor.NewRunner(monitor.RunnerDeps{
//	    Config: monitor.RunnerConfig{
//	        Stream:  imagestream.Options{Key: "wfs", Slot: 2},
//	        Monitor: monitor.DefaultConfig(),
//	    },
//	    Sink:            sink,
//	    Logger:          logger,
//	    MetricsRegistry: registry,
//	    Health:          healthMonitor,
//	})
//	if err != nil {
//	    return err
//	}
//	return r.Run(ctx)
//
// # Metrics
//
// With a registry the runner exports shmview_stream_* metrics: frames
// forwarded, attach attempts by result, geometry changes, producer-gone events,
// the monitor state, whether it is attached, the last forwarded write counter,
// delivery errors and delivery duration.
package monitor
