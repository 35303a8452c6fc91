// Package display defines the contract between the stream monitor and whatever
// shows the frames, plus small combinators over it.
package display

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Frame is one ready frame handed to a Sink.
//
// Pixels aliases the producer's shared memory and is only valid for the duration
// of the Display call; sinks that keep pixels must copy them. The producer may
// overwrite the slot concurrently, so a torn frame is possible and accepted.
type Frame struct {
	Pixels      []byte
	DepthTag    int
	ElementSize int
	Width       int
	Height      int
	Planes      int
	// TargetSlot is the viewer frame the image goes to.
	TargetSlot int

	Stream       string
	Title        string
	WriteCounter uint64
	RingSlot     int
	AttachmentID string
	ElementType  string
	Timestamp    time.Time
}

// Size returns the number of pixel bytes the frame geometry addresses.
func (f Frame) Size() int {
	planes := f.Planes
	if planes == 0 {
		planes = 1
	}
	return f.Width * f.Height * planes * f.ElementSize
}

// Validate checks that the pixel slice matches the geometry.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.ElementSize <= 0 {
		return fmt.Errorf("invalid frame geometry %dx%d with %d byte elements", f.Width, f.Height, f.ElementSize)
	}
	if len(f.Pixels) != f.Size() {
		return fmt.Errorf("frame has %d pixel bytes, geometry needs %d", len(f.Pixels), f.Size())
	}
	return nil
}

// Meta is the serializable description of a frame, shared by sinks that send or
// store frames elsewhere.
type Meta struct {
	Stream       string    `json:"stream"`
	Title        string    `json:"title,omitempty"`
	WriteCounter uint64    `json:"write_counter"`
	RingSlot     int       `json:"ring_slot"`
	TargetSlot   int       `json:"target_slot"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Planes       int       `json:"planes"`
	ElementSize  int       `json:"element_size"`
	ElementType  string    `json:"element_type"`
	Bitpix       int       `json:"bitpix"`
	AttachmentID string    `json:"attachment_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Bytes        int       `json:"bytes"`
}

// Meta returns the frame description without pixels.
func (f Frame) Meta() Meta {
	planes := f.Planes
	if planes == 0 {
		planes = 1
	}
	return Meta{
		Stream:       f.Stream,
		Title:        f.Title,
		WriteCounter: f.WriteCounter,
		RingSlot:     f.RingSlot,
		TargetSlot:   f.TargetSlot,
		Width:        f.Width,
		Height:       f.Height,
		Planes:       planes,
		ElementSize:  f.ElementSize,
		ElementType:  f.ElementType,
		Bitpix:       f.DepthTag,
		AttachmentID: f.AttachmentID,
		Timestamp:    f.Timestamp,
		Bytes:        len(f.Pixels),
	}
}

// Headers returns the metadata as string pairs, for transports with header maps.
func (m Meta) Headers() map[string]string {
	return map[string]string{
		"Shmview-Stream":        m.Stream,
		"Shmview-Write-Counter": strconv.FormatUint(m.WriteCounter, 10),
		"Shmview-Ring-Slot":     strconv.Itoa(m.RingSlot),
		"Shmview-Target-Slot":   strconv.Itoa(m.TargetSlot),
		"Shmview-Width":         strconv.Itoa(m.Width),
		"Shmview-Height":        strconv.Itoa(m.Height),
		"Shmview-Element-Size":  strconv.Itoa(m.ElementSize),
		"Shmview-Element-Type":  m.ElementType,
		"Shmview-Bitpix":        strconv.Itoa(m.Bitpix),
		"Shmview-Attachment":    m.AttachmentID,
		"Shmview-Timestamp":     m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Sink receives ready frames. Display must not retain f.Pixels after returning.
type Sink interface {
	Display(ctx context.Context, f Frame) error
}

// Closer is a Sink holding resources that must be released.
type Closer interface {
	Sink
	Close() error
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, f Frame) error

// Display calls fn.
func (fn Func) Display(ctx context.Context, f Frame) error {
	return fn(ctx, f)
}

// Discard accepts and drops every frame.
var Discard Sink = Func(func(context.Context, Frame) error { return nil })

// Fanout delivers to every sink in order and joins their errors. A failing sink
// does not stop delivery to the rest.
func Fanout(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return fanout(sinks)
}

type fanout []Sink

func (fo fanout) Display(ctx context.Context, f Frame) error {
	var errs []error
	for _, s := range fo {
		if err := s.Display(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every member implementing Closer.
func (fo fanout) Close() error {
	var errs []error
	for _, s := range fo {
		if c, ok := s.(Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes s if it holds resources.
func CloseAll(s Sink) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}

// RateLimiter drops frames above a configured rate.
type RateLimiter struct {
	next    Sink
	limiter *rate.Limiter
	dropped atomic.Uint64
}

// RateLimited wraps next so that at most perSecond frames are delivered per
// second, with bursts of up to burst frames. A non-positive rate disables limiting.
func RateLimited(next Sink, perSecond float64, burst int) Sink {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Display forwards f if the rate allows, otherwise drops it silently.
func (r *RateLimiter) Display(ctx context.Context, f Frame) error {
	if !r.limiter.Allow() {
		r.dropped.Add(1)
		return nil
	}
	return r.next.Display(ctx, f)
}

// Dropped returns how many frames were dropped.
func (r *RateLimiter) Dropped() uint64 {
	return r.dropped.Load()
}

// Close closes the wrapped sink.
func (r *RateLimiter) Close() error {
	return CloseAll(r.next)
}
