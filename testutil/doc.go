// Package testutil provides testing utilities for shmview tests.
//
// # Overview
//
// The centerpiece is Producer, an in-process stream producer that writes the
// same shared-memory layout a real producer does: a stream file with the v1
// header followed by the ring of frames, plus one named semaphore per consumer
// slot. Consumers under test attach to it exactly as they would in production,
// so no real producer, /milk/shm or /dev/shm is needed.
//
// # Core Components
//
// Producer:
//   - CreateProducer / NewProducer: create the stream and its semaphores
//   - WriteFrame: copy a frame into the next ring slot, bump counters, post semaphores
//   - WriteFrameSilently: same without posting, for counter-only producers
//   - Reshape: re-create the stream in place with new dims
//   - Shutdown / Revive: zero and restore the semaphore count
//   - Close: unmap and remove every file
//
// FrameRecorder:
//   - Thread-safe sink double that copies every delivered frame
//   - Optional RecordFunc for error injection
//
// Frame generators (Float32Frame, Uint16Frame, ...) and wait helpers
// (WaitForFrameCount, WaitFor).
//
// # Usage Examples
//
//	func TestAttach(t *testing.T) {
//	    p := testutil.NewProducer(t, testutil.ProducerConfig{
//	        Key:      "cam",
//	        TypeCode: imagestream.TypeFloat32,
//	        Geometry: imagestream.Geometry{Width: 64, Height: 64, Depth: 4},
//	    })
//
//	    h, err := imagestream.Attach(ctx, imagestream.Options{
//	        Key: "cam", ShmDir: p.Dir(), SemDir: p.SemDir(),
//	    })
//	    require.NoError(t, err)
//	    defer h.Detach()
//
//	    _, err = p.WriteFrame(testutil.Float32Frame(64, 64, 1))
//	    require.NoError(t, err)
//	}
//
// NewProducer places files under t.TempDir() unless Dir is set, and removes
// them when the test ends.
package testutil
