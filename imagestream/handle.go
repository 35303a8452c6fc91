package imagestream

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
)

// Handle is one attachment to a stream. It owns the open file, the mapping and
// the semaphore until Detach. A Handle is used by a single goroutine.
type Handle struct {
	ID         uuid.UUID
	Key        string
	Path       string
	Slot       int
	AttachedAt time.Time

	name      string
	file      *os.File
	region    mmap.MMap
	header    *Header
	data      []byte
	sem       *Semaphore
	elemType  ElementType
	depthTag  int
	geom      Geometry
	frameSize int
	detached  bool
}

// Name returns the stream name recorded in the header.
func (h *Handle) Name() string { return h.name }

// Header returns the live header view.
func (h *Handle) Header() *Header { return h.header }

// ElementType returns the element descriptor resolved at attach time.
func (h *Handle) ElementType() ElementType { return h.elemType }

// ElementSize returns the element width in bytes.
func (h *Handle) ElementSize() int { return h.elemType.Size }

// DepthTag returns the display depth tag for the element type.
func (h *Handle) DepthTag() int { return h.depthTag }

// Geometry returns the dims snapshot taken at attach time.
func (h *Handle) Geometry() Geometry { return h.geom }

// Semaphore returns the consumer semaphore.
func (h *Handle) Semaphore() *Semaphore { return h.sem }

// GeometryChanged re-reads the live dims and reports whether they drifted from
// the attach snapshot.
func (h *Handle) GeometryChanged() (Geometry, bool) {
	live := h.header.Geometry()
	return live, live != h.geom
}

// ReadySlot returns the ring slot holding the most recent frame for a slot
// counter value.
func ReadySlot(slotCounter uint64, depth uint32) int {
	if depth == 0 {
		return 0
	}
	if slotCounter == 0 {
		return int(depth) - 1
	}
	return int((slotCounter - 1) % uint64(depth))
}

// Frame returns the bytes of ring slot k using the attach snapshot geometry.
// The slice aliases producer memory and is only meaningful until the producer
// writes that slot again. Callers check GeometryChanged first.
func (h *Handle) Frame(k int) ([]byte, error) {
	if h.detached {
		return nil, fmt.Errorf("handle %s is detached", h.ID)
	}
	if k < 0 || k >= h.geom.Slots() {
		return nil, fmt.Errorf("slot %d out of range [0,%d)", k, h.geom.Slots())
	}
	size := h.frameSize
	if size <= 0 {
		return nil, fmt.Errorf("frame size %d is not positive", size)
	}
	off := k * size
	if off > len(h.data)-size {
		return nil, fmt.Errorf("slot %d exceeds mapped data region", k)
	}
	return h.data[off : off+size : off+size], nil
}

// Detached reports whether Detach has run.
func (h *Handle) Detached() bool { return h.detached }

// Detach releases the semaphore, the mapping and the file. It is idempotent.
func (h *Handle) Detach() error {
	if h == nil || h.detached {
		return nil
	}
	return h.release()
}

func (h *Handle) release() error {
	var errs []error
	if h.sem != nil {
		if err := h.sem.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close semaphore: %w", err))
		}
		h.sem = nil
	}
	if h.region != nil {
		if err := h.region.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("unmap: %w", err))
		}
		h.region = nil
	}
	h.header = nil
	h.data = nil
	if h.file != nil {
		if err := h.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close file: %w", err))
		}
		h.file = nil
	}
	h.detached = true
	return errors.Join(errs...)
}
