package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// RecordedFrame is a copy of one frame delivered to a FrameRecorder.
type RecordedFrame struct {
	Stream       string
	WriteCounter uint64
	Slot         int
	TargetSlot   int
	Width        int
	Height       int
	ElementSize  int
	DepthTag     int
	Pixels       []byte
	At           time.Time
}

// FrameRecorder collects delivered frames for verification.
// Thread-safe for concurrent use from multiple goroutines.
type FrameRecorder struct {
	mu     sync.RWMutex
	frames []RecordedFrame
	calls  int

	// RecordFunc, if set, runs on every delivery and its error is returned.
	RecordFunc func(ctx context.Context, f RecordedFrame) error
}

// NewFrameRecorder creates an empty recorder.
func NewFrameRecorder() *FrameRecorder {
	return &FrameRecorder{}
}

// Record stores a copy of f. Pixels are copied because delivered slices alias
// producer memory.
func (r *FrameRecorder) Record(ctx context.Context, f RecordedFrame) error {
	f.Pixels = append([]byte(nil), f.Pixels...)
	if f.At.IsZero() {
		f.At = time.Now()
	}

	r.mu.Lock()
	r.calls++
	r.frames = append(r.frames, f)
	fn := r.RecordFunc
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, f)
	}
	return nil
}

// Frames returns a copy of the recorded frames.
func (r *FrameRecorder) Frames() []RecordedFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RecordedFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Count returns the number of recorded frames.
func (r *FrameRecorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frames)
}

// Slots returns the ring slot of each recorded frame in delivery order.
func (r *FrameRecorder) Slots() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Slot
	}
	return out
}

// Clear drops recorded frames.
func (r *FrameRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
	r.calls = 0
}

// WaitForFrameCount waits until the recorder holds at least count frames.
func WaitForFrameCount(t *testing.T, r *FrameRecorder, count int, timeout time.Duration) []RecordedFrame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for %d frames (got %d)", count, r.Count())
			return nil
		case <-ticker.C:
			if r.Count() >= count {
				return r.Frames()
			}
		}
	}
}

// WaitFor polls cond until it holds or the timeout expires.
func WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
