package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/c360/shmview/imagestream"
)

// ProducerConfig describes a stream to publish.
type ProducerConfig struct {
	// Dir holds the stream file; SemDir holds the semaphore files.
	Dir    string
	SemDir string
	// Key is the stream key; the file is Dir/Key.im.shm.
	Key string
	// Name is written into the header and defaults to Key.
	Name       string
	TypeCode   uint8
	Geometry   imagestream.Geometry
	Semaphores int
}

// Producer is an in-process stand-in for a stream producer. It writes the same
// layout a real producer does so consumers can be exercised without one.
type Producer struct {
	mu sync.Mutex

	cfg     ProducerConfig
	path    string
	file    *os.File
	region  mmap.MMap
	header  *imagestream.Header
	sems    []*imagestream.Semaphore
	elem    imagestream.ElementType
	written uint64
	closed  bool
}

// NewProducer creates a stream in t's temporary directories and removes it when
// the test ends.
func NewProducer(t testing.TB, cfg ProducerConfig) *Producer {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.SemDir == "" {
		cfg.SemDir = cfg.Dir
	}
	p, err := CreateProducer(cfg)
	if err != nil {
		t.Fatalf("create producer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// CreateProducer creates the stream file and its semaphores.
func CreateProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Key == "" {
		return nil, errors.New("producer: key is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Key
	}
	if cfg.Semaphores == 0 {
		cfg.Semaphores = 1
	}
	if cfg.TypeCode == 0 {
		cfg.TypeCode = imagestream.TypeFloat32
	}
	elem, err := imagestream.Resolve(cfg.TypeCode)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		cfg:  cfg,
		path: imagestream.ResolvePath(cfg.Key, cfg.Dir),
		elem: elem,
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}
	p.file = f

	if err := p.mapSize(cfg.Geometry); err != nil {
		p.Close()
		return nil, err
	}
	if err := imagestream.WriteHeader(p.region, imagestream.HeaderInfo{
		Name:           cfg.Name,
		TypeCode:       cfg.TypeCode,
		Geometry:       cfg.Geometry,
		SemaphoreCount: int32(cfg.Semaphores),
		CreatedAt:      time.Now(),
	}); err != nil {
		p.Close()
		return nil, err
	}
	if p.header, err = imagestream.NewHeader(p.region); err != nil {
		p.Close()
		return nil, err
	}

	for i := 0; i < cfg.Semaphores; i++ {
		sem, err := imagestream.CreateSemaphore(cfg.SemDir, imagestream.SemaphoreName(cfg.Name, i), 0)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("create semaphore %d: %w", i, err)
		}
		p.sems = append(p.sems, sem)
	}
	return p, nil
}

func (p *Producer) dataSize(g imagestream.Geometry) int {
	return g.FrameElements() * g.Slots() * p.elem.Size
}

func (p *Producer) mapSize(g imagestream.Geometry) error {
	if p.region != nil {
		if err := p.region.Unmap(); err != nil {
			return err
		}
		p.region = nil
	}
	if err := p.file.Truncate(int64(imagestream.HeaderSize + p.dataSize(g))); err != nil {
		return err
	}
	region, err := mmap.Map(p.file, mmap.RDWR, 0)
	if err != nil {
		return err
	}
	p.region = region
	if p.header != nil {
		p.header, err = imagestream.NewHeader(region)
		return err
	}
	return nil
}

// Path returns the stream file path.
func (p *Producer) Path() string { return p.path }

// Key returns the stream key.
func (p *Producer) Key() string { return p.cfg.Key }

// Dir returns the stream directory consumers must be pointed at.
func (p *Producer) Dir() string { return p.cfg.Dir }

// SemDir returns the semaphore directory.
func (p *Producer) SemDir() string { return p.cfg.SemDir }

// Header returns the producer's view of the header.
func (p *Producer) Header() *imagestream.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header
}

// Geometry returns the current dims.
func (p *Producer) Geometry() imagestream.Geometry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.Geometry()
}

// Semaphore returns consumer semaphore i.
func (p *Producer) Semaphore(i int) *imagestream.Semaphore {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sems[i]
}

// Written returns how many frames have been published.
func (p *Producer) Written() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// WriteFrame copies pixels into the next ring slot, advances both counters and
// posts every consumer semaphore. It returns the slot written.
func (p *Producer) WriteFrame(pixels []byte) (int, error) {
	return p.writeFrame(pixels, true)
}

// WriteFrameSilently is WriteFrame without posting semaphores, as producers
// that only update counters do.
func (p *Producer) WriteFrameSilently(pixels []byte) (int, error) {
	return p.writeFrame(pixels, false)
}

func (p *Producer) writeFrame(pixels []byte, post bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("producer: closed")
	}

	g := p.header.Geometry()
	size := g.FrameElements() * p.elem.Size
	if len(pixels) != size {
		return 0, fmt.Errorf("producer: frame is %d bytes, want %d", len(pixels), size)
	}
	slot := int(p.written % uint64(g.Slots()))

	p.header.SetWriteInProgress(true)
	data := p.region[imagestream.HeaderSize:]
	copy(data[slot*size:(slot+1)*size], pixels)
	p.written++
	p.header.SetWriteInProgress(false)
	p.header.PublishFrame(p.written, time.Now())

	if post {
		for _, s := range p.sems {
			s.Post()
		}
	}
	return slot, nil
}

// Reshape re-creates the stream in place with new dims. The header changes
// before the file is resized so a consumer notices the drift before any pixel
// access past the new end of file.
func (p *Producer) Reshape(g imagestream.Geometry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("producer: closed")
	}
	p.header.Reshape(g)
	p.written = 0
	return p.mapSize(g)
}

// Shutdown announces that the producer is gone by zeroing the semaphore count.
// The files stay in place, as they do when a real producer exits.
func (p *Producer) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.header != nil {
		p.header.SetSemaphoreCount(0)
	}
}

// Revive restores the semaphore count after Shutdown.
func (p *Producer) Revive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.header != nil {
		p.header.SetSemaphoreCount(int32(len(p.sems)))
	}
}

// Close unmaps the stream and removes the stream and semaphore files.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for i, s := range p.sems {
		errs = append(errs, s.Close(), imagestream.RemoveSemaphore(p.cfg.SemDir, imagestream.SemaphoreName(p.cfg.Name, i)))
	}
	p.sems = nil
	if p.region != nil {
		errs = append(errs, p.region.Unmap())
		p.region = nil
	}
	p.header = nil
	if p.file != nil {
		errs = append(errs, p.file.Close())
		p.file = nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
