package imagestream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"
	"unsafe"
)

// Header layout, version 1. All multi-byte fields are little endian (the host
// byte order on every supported platform) and the pixel data region starts
// right after the header.
const (
	HeaderSize = 256
	NameSize   = 80

	offMagic      = 0
	offName       = 8
	offNaxis      = 88
	offType       = 89
	offShared     = 90
	offWrite      = 91
	offWidth      = 92
	offHeight     = 96
	offDepth      = 100
	offSemCount   = 104
	offNelement   = 112
	offCnt0       = 120
	offCnt1       = 128
	offCnt2       = 136
	offCreatedAt  = 144
	offLastWrite  = 152
	headerReserve = 160
)

// Magic identifies an initialized stream file.
const Magic = "ISIOSHM1"

// Geometry is the (width, height, ring depth) triple of a stream.
type Geometry struct {
	Width  uint32
	Height uint32
	Depth  uint32
}

// FrameElements returns the number of elements in one frame.
func (g Geometry) FrameElements() int {
	return int(g.Width) * int(g.Height)
}

// Slots returns the number of frames in the ring; a depth of zero holds one frame.
func (g Geometry) Slots() int {
	if g.Depth == 0 {
		return 1
	}
	return int(g.Depth)
}

// DataSize returns the byte size of one frame and of the whole ring for
// elements of elemSize bytes. ok is false if either does not fit in 64 bits.
func (g Geometry) DataSize(elemSize int) (frame, ring uint64, ok bool) {
	if elemSize < 0 {
		return 0, 0, false
	}
	hi, elems := bits.Mul64(uint64(g.Width), uint64(g.Height))
	if hi != 0 {
		return 0, 0, false
	}
	if hi, frame = bits.Mul64(elems, uint64(elemSize)); hi != 0 {
		return 0, 0, false
	}
	if hi, ring = bits.Mul64(frame, uint64(g.Slots())); hi != 0 {
		return 0, 0, false
	}
	return frame, ring, true
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%dx%d", g.Width, g.Height, g.Depth)
}

// Header is a live view of a stream header inside a mapped region. Every accessor
// reads producer memory again; counters and dims use atomic loads.
type Header struct {
	buf []byte

	naxis     *uint8
	typeCode  *uint8
	shared    *uint8
	writeFlag *uint8
	width     *uint32
	height    *uint32
	depth     *uint32
	semCount  *int32
	nelement  *uint64
	cnt0      *uint64
	cnt1      *uint64
	createdAt *uint64
	lastWrite *uint64
}

// NewHeader binds a Header to the first HeaderSize bytes of region. The region
// must be 8-byte aligned, which holds for every memory mapping.
func NewHeader(region []byte) (*Header, error) {
	if len(region) < HeaderSize {
		return nil, fmt.Errorf("region of %d bytes is shorter than the %d byte header", len(region), HeaderSize)
	}
	if uintptr(unsafe.Pointer(&region[0]))%8 != 0 {
		return nil, fmt.Errorf("region is not 8-byte aligned")
	}
	h := &Header{buf: region[:HeaderSize]}
	h.naxis = &region[offNaxis]
	h.typeCode = &region[offType]
	h.shared = &region[offShared]
	h.writeFlag = &region[offWrite]
	h.width = (*uint32)(unsafe.Pointer(&region[offWidth]))
	h.height = (*uint32)(unsafe.Pointer(&region[offHeight]))
	h.depth = (*uint32)(unsafe.Pointer(&region[offDepth]))
	h.semCount = (*int32)(unsafe.Pointer(&region[offSemCount]))
	h.nelement = (*uint64)(unsafe.Pointer(&region[offNelement]))
	h.cnt0 = (*uint64)(unsafe.Pointer(&region[offCnt0]))
	h.cnt1 = (*uint64)(unsafe.Pointer(&region[offCnt1]))
	h.createdAt = (*uint64)(unsafe.Pointer(&region[offCreatedAt]))
	h.lastWrite = (*uint64)(unsafe.Pointer(&region[offLastWrite]))
	return h, nil
}

// Valid reports whether the producer has finished writing the magic.
func (h *Header) Valid() bool {
	return string(h.buf[offMagic:offMagic+len(Magic)]) == Magic
}

// Name returns the stream name, used to derive semaphore names.
func (h *Header) Name() string {
	raw := h.buf[offName : offName+NameSize]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}

func (h *Header) Naxis() uint8 { return *h.naxis }

func (h *Header) TypeCode() uint8 { return *h.typeCode }

func (h *Header) Shared() bool { return *h.shared != 0 }

// WriteInProgress reports the producer's writeFlag. It is informational only.
func (h *Header) WriteInProgress() bool { return *h.writeFlag != 0 }

// Geometry returns the current dims.
func (h *Header) Geometry() Geometry {
	return Geometry{
		Width:  atomic.LoadUint32(h.width),
		Height: atomic.LoadUint32(h.height),
		Depth:  atomic.LoadUint32(h.depth),
	}
}

// WriteCounter returns cnt0, incremented by the producer once per frame.
func (h *Header) WriteCounter() uint64 { return atomic.LoadUint64(h.cnt0) }

// SlotCounter returns cnt1, one past the ring slot most recently written.
func (h *Header) SlotCounter() uint64 { return atomic.LoadUint64(h.cnt1) }

// SemaphoreCount returns how many consumer semaphores the producer maintains.
// Zero or less means the producer is gone.
func (h *Header) SemaphoreCount() int32 { return atomic.LoadInt32(h.semCount) }

func (h *Header) Nelement() uint64 { return atomic.LoadUint64(h.nelement) }

func (h *Header) CreatedAt() time.Time {
	return time.Unix(0, int64(atomic.LoadUint64(h.createdAt)))
}

func (h *Header) LastWriteAt() time.Time {
	return time.Unix(0, int64(atomic.LoadUint64(h.lastWrite)))
}

// MarkShared sets the advisory shared flag. It is the only write a consumer makes.
func (h *Header) MarkShared() {
	*h.shared = 1
}

// HeaderInfo is the static part of a header, used to initialize a new stream.
type HeaderInfo struct {
	Name           string
	TypeCode       uint8
	Geometry       Geometry
	SemaphoreCount int32
	CreatedAt      time.Time
}

// Naxis returns 2 for single frames and 3 for rings.
func (hi HeaderInfo) Naxis() uint8 {
	if hi.Geometry.Depth > 0 {
		return 3
	}
	return 2
}

// WriteHeader encodes info into buf as a fresh header with zeroed counters.
func WriteHeader(buf []byte, info HeaderInfo) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("buffer of %d bytes is shorter than the %d byte header", len(buf), HeaderSize)
	}
	if len(info.Name) >= NameSize {
		return fmt.Errorf("stream name %q exceeds %d bytes", info.Name, NameSize-1)
	}
	clear(buf[:HeaderSize])

	le := binary.LittleEndian
	copy(buf[offMagic:], Magic)
	copy(buf[offName:offName+NameSize], info.Name)
	buf[offNaxis] = info.Naxis()
	buf[offType] = info.TypeCode
	le.PutUint32(buf[offWidth:], info.Geometry.Width)
	le.PutUint32(buf[offHeight:], info.Geometry.Height)
	le.PutUint32(buf[offDepth:], info.Geometry.Depth)
	le.PutUint32(buf[offSemCount:], uint32(info.SemaphoreCount))
	le.PutUint64(buf[offNelement:], uint64(info.Geometry.FrameElements()*info.Geometry.Slots()))
	le.PutUint64(buf[offCreatedAt:], uint64(info.CreatedAt.UnixNano()))
	return nil
}

// Producer side updates. Consumers never call these.

// SetWriteInProgress toggles the writeFlag byte.
func (h *Header) SetWriteInProgress(on bool) {
	if on {
		*h.writeFlag = 1
	} else {
		*h.writeFlag = 0
	}
}

// PublishFrame records a completed write into the ring slot just before slotCounter.
func (h *Header) PublishFrame(slotCounter uint64, at time.Time) {
	atomic.StoreUint64(h.lastWrite, uint64(at.UnixNano()))
	atomic.StoreUint64(h.cnt1, slotCounter)
	atomic.AddUint64(h.cnt0, 1)
}

// SetSemaphoreCount updates the number of consumer semaphores.
func (h *Header) SetSemaphoreCount(n int32) {
	atomic.StoreInt32(h.semCount, n)
}

// SetGeometry overwrites the dims in place.
func (h *Header) SetGeometry(g Geometry) {
	atomic.StoreUint32(h.width, g.Width)
	atomic.StoreUint32(h.height, g.Height)
	atomic.StoreUint32(h.depth, g.Depth)
}

// Reshape changes the dims in place and zeroes the counters, as a producer does
// when it re-creates a stream under the same name.
func (h *Header) Reshape(g Geometry) {
	h.SetGeometry(g)
	atomic.StoreUint64(h.nelement, uint64(g.FrameElements()*g.Slots()))
	atomic.StoreUint64(h.cnt1, 0)
	atomic.StoreUint64(h.cnt0, 0)
}
