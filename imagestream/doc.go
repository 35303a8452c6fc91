// Package imagestream attaches to shared-memory image streams published by a
// producer process.
//
// A stream is a file (by default /milk/shm/<key>.im.shm) holding a 256 byte
// self-describing header followed by a ring of frames. The header is shmview's
// own version 1 layout, tagged with the magic "ISIOSHM1". It carries the same
// fields as a milk ImageStreamIO header but not its binary layout, so streams
// written by the milk C library do not attach. The producer updates two
// counters per frame: the write counter (cnt0) increments once per write and the
// slot counter (cnt1) points one past the ring slot just written. It may also
// post one named POSIX semaphore per consumer slot, <name>_semNN.
//
// Attach maps the stream read-write, validates the header and its claimed sizes,
// opens the consumer semaphore and returns a Handle. Every failure is transient and tagged with a
// stream sentinel from the errors package, so callers simply retry:
//
//	h, err := imagestream.Attach(ctx, imagestream.Options{Key: "wfscam", Slot: 1})
//	if errors.Is(err, errs.ErrStreamNotFound) {
//	    // producer not started yet
//	}
//	defer h.Detach()
//
//	if _, changed := h.GeometryChanged(); !changed {
//	    k := imagestream.ReadySlot(h.Header().SlotCounter(), h.Geometry().Depth)
//	    pixels, _ := h.Frame(k)
//	    ...
//	}
//
// The consumer never takes a lock shared with the producer. Counters and dims are
// read with atomic loads on every access, and the only consumer write is the
// advisory shared flag. Frames returned by Handle.Frame alias producer memory.
//
// Semaphores are read through their glibc sem_t layout, mapped from
// /dev/shm/sem.<name>, so no cgo is required.
package imagestream
