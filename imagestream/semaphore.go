package imagestream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultSemDir is where glibc keeps named POSIX semaphores.
const DefaultSemDir = "/dev/shm"

// semSize is sizeof(sem_t) on 64-bit glibc. The count lives in the low 32 bits
// of the first 64-bit word; the high half counts blocked waiters.
const semSize = 32

// SemaphoreName derives the name of the consumer semaphore for slot.
func SemaphoreName(streamName string, slot int) string {
	return fmt.Sprintf("%s_sem%02d", streamName, slot)
}

// SemaphorePath returns the file backing the named semaphore in dir.
func SemaphorePath(dir, name string) string {
	if dir == "" {
		dir = DefaultSemDir
	}
	return filepath.Join(dir, "sem."+name)
}

// Semaphore is an open named POSIX semaphore, accessed directly through its
// shared mapping so that no cgo is required.
type Semaphore struct {
	name string
	path string
	file *os.File
	mem  []byte
	val  *uint32
}

// OpenSemaphore opens an existing named semaphore.
func OpenSemaphore(dir, name string) (*Semaphore, error) {
	path := SemaphorePath(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	s, err := mapSemaphore(f, name, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// CreateSemaphore creates (or truncates) a named semaphore holding initial.
func CreateSemaphore(dir, name string, initial uint32) (*Semaphore, error) {
	path := SemaphorePath(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(semSize); err != nil {
		f.Close()
		return nil, err
	}
	s, err := mapSemaphore(f, name, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	atomic.StoreUint32(s.val, initial)
	return s, nil
}

func mapSemaphore(f *os.File, name, path string) (*Semaphore, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, err
	}
	if st.Size < semSize {
		return nil, fmt.Errorf("semaphore %s: file is %d bytes, want %d", name, st.Size, semSize)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, semSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Semaphore{
		name: name,
		path: path,
		file: f,
		mem:  mem,
		val:  (*uint32)(unsafe.Pointer(&mem[0])),
	}, nil
}

// Name returns the semaphore name without the "sem." prefix.
func (s *Semaphore) Name() string { return s.name }

// Path returns the backing file.
func (s *Semaphore) Path() string { return s.path }

// TryWait decrements the count if it is positive and reports whether it did.
// It never blocks.
func (s *Semaphore) TryWait() bool {
	for {
		v := atomic.LoadUint32(s.val)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.val, v, v-1) {
			return true
		}
	}
}

// Post increments the count. Blocked sem_wait callers in other processes are
// not woken; consumers are expected to poll with TryWait.
func (s *Semaphore) Post() {
	atomic.AddUint32(s.val, 1)
}

// Value returns the current count.
func (s *Semaphore) Value() uint32 {
	return atomic.LoadUint32(s.val)
}

// Close unmaps the semaphore and closes its file. It is safe to call twice.
func (s *Semaphore) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	var firstErr error
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			firstErr = err
		}
		s.mem = nil
		s.val = nil
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.file = nil
	return firstErr
}

// RemoveSemaphore unlinks a named semaphore.
func RemoveSemaphore(dir, name string) error {
	err := os.Remove(SemaphorePath(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
