package imagestream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"

	errs "github.com/c360/shmview/errors"
)

const (
	// DefaultShmDir is where producers create stream files unless MILK_SHM_DIR says otherwise.
	DefaultShmDir = "/milk/shm"
	// ShmDirEnv overrides DefaultShmDir.
	ShmDirEnv = "MILK_SHM_DIR"
	// StreamSuffix is appended to bare stream keys.
	StreamSuffix = ".im.shm"
)

// ShmDir returns the stream directory from the environment or the default.
func ShmDir() string {
	if dir := os.Getenv(ShmDirEnv); dir != "" {
		return dir
	}
	return DefaultShmDir
}

// ResolvePath maps a stream key to its backing file. Keys containing a path
// separator are used as is.
func ResolvePath(key, shmDir string) string {
	if strings.Contains(key, "/") {
		return key
	}
	if shmDir == "" {
		shmDir = ShmDir()
	}
	return filepath.Join(shmDir, key+StreamSuffix)
}

// Options selects the stream and consumer slot to attach to.
type Options struct {
	Key string
	// Slot is the consumer semaphore index.
	Slot int
	// ShmDir and SemDir override the stream and semaphore directories.
	ShmDir string
	SemDir string
}

// Attach opens the stream named by opts.Key, maps it and opens the consumer
// semaphore for opts.Slot. Every error is transient and carries one of the stream
// sentinels; whatever was acquired before the failure is released.
func Attach(ctx context.Context, opts Options) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Slot < 0 {
		return nil, errs.WrapInvalid(fmt.Errorf("slot %d is negative", opts.Slot), "imagestream", "Attach", "slot check")
	}

	path := ResolvePath(opts.Key, opts.ShmDir)
	h := &Handle{
		ID:   uuid.New(),
		Key:  opts.Key,
		Path: path,
		Slot: opts.Slot,
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Stream(errs.ErrStreamNotFound, err, "imagestream", "Attach", "open stream file")
		}
		return nil, errs.Stream(errs.ErrOpenFailed, err, "imagestream", "Attach", "open stream file")
	}
	h.file = f

	st, err := f.Stat()
	if err != nil {
		h.release()
		return nil, errs.Stream(errs.ErrOpenFailed, err, "imagestream", "Attach", "stat stream file")
	}
	if st.Size() < HeaderSize {
		h.release()
		return nil, errs.Stream(errs.ErrStreamNotReady,
			fmt.Errorf("file is %d bytes", st.Size()), "imagestream", "Attach", "header size check")
	}

	region, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		h.release()
		return nil, errs.Stream(errs.ErrMapFailed, err, "imagestream", "Attach", "map stream file")
	}
	h.region = region

	hdr, err := NewHeader(region)
	if err != nil {
		h.release()
		return nil, errs.Stream(errs.ErrStreamNotReady, err, "imagestream", "Attach", "bind header")
	}
	if !hdr.Valid() {
		h.release()
		return nil, errs.Stream(errs.ErrStreamNotReady, fmt.Errorf("bad magic"), "imagestream", "Attach", "header check")
	}
	hdr.MarkShared()
	h.header = hdr
	h.name = hdr.Name()

	if n := hdr.SemaphoreCount(); int(n) <= opts.Slot {
		h.release()
		return nil, errs.Stream(errs.ErrStreamNotReady,
			fmt.Errorf("producer maintains %d semaphores, slot %d requested", n, opts.Slot),
			"imagestream", "Attach", "semaphore count check")
	}
	sem, err := OpenSemaphore(opts.SemDir, SemaphoreName(h.name, opts.Slot))
	if err != nil {
		h.release()
		return nil, errs.Stream(errs.ErrOpenFailed, err, "imagestream", "Attach", "open semaphore")
	}
	h.sem = sem

	et, err := Resolve(hdr.TypeCode())
	if err != nil {
		h.release()
		return nil, err
	}
	depthTag, err := et.DisplayDepth()
	if err != nil {
		h.release()
		return nil, err
	}
	h.elemType = et
	h.depthTag = depthTag

	geom := hdr.Geometry()
	frameSize, need, ok := geom.DataSize(et.Size)
	if !ok || frameSize == 0 {
		h.release()
		return nil, errs.Stream(errs.ErrStreamNotReady,
			fmt.Errorf("geometry %s of %s has no usable frame size", geom, et),
			"imagestream", "Attach", "data size check")
	}
	if have := uint64(len(region) - HeaderSize); have < need {
		h.release()
		return nil, errs.Stream(errs.ErrStreamNotReady,
			fmt.Errorf("data region is %d bytes, %s %s needs %d", have, geom, et, need),
			"imagestream", "Attach", "data size check")
	}
	h.frameSize = int(frameSize)
	h.data = region[HeaderSize:]
	h.geom = geom
	h.AttachedAt = time.Now()

	return h, nil
}
