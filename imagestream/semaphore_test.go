package imagestream_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/shmview/imagestream"
)

func TestSemaphoreNaming(t *testing.T) {
	assert.Equal(t, "cam_sem00", imagestream.SemaphoreName("cam", 0))
	assert.Equal(t, "cam_sem07", imagestream.SemaphoreName("cam", 7))
	assert.Equal(t, "cam_sem12", imagestream.SemaphoreName("cam", 12))
	assert.Equal(t, "/dev/shm/sem.cam_sem00", imagestream.SemaphorePath("", "cam_sem00"))
	assert.Equal(t, "/x/sem.cam_sem00", imagestream.SemaphorePath("/x", "cam_sem00"))
}

func TestSemaphore_TryWait(t *testing.T) {
	dir := t.TempDir()
	producer, err := imagestream.CreateSemaphore(dir, "cam_sem00", 0)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := imagestream.OpenSemaphore(dir, "cam_sem00")
	require.NoError(t, err)
	defer consumer.Close()

	assert.False(t, consumer.TryWait(), "zero count never blocks")

	producer.Post()
	producer.Post()
	assert.Equal(t, uint32(2), consumer.Value())
	assert.True(t, consumer.TryWait())
	assert.True(t, consumer.TryWait())
	assert.False(t, consumer.TryWait())
	assert.Equal(t, uint32(0), producer.Value())
}

func TestSemaphore_ConcurrentTryWait(t *testing.T) {
	dir := t.TempDir()
	s, err := imagestream.CreateSemaphore(dir, "s", 1000)
	require.NoError(t, err)
	defer s.Close()

	var mu sync.Mutex
	taken := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := 0
			for s.TryWait() {
				n++
			}
			mu.Lock()
			taken += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, taken)
	assert.Equal(t, uint32(0), s.Value())
}

func TestSemaphore_OpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := imagestream.OpenSemaphore(dir, "absent")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sem.tiny"), []byte{1, 2}, 0o644))
	_, err = imagestream.OpenSemaphore(dir, "tiny")
	assert.Error(t, err)
}

func TestSemaphore_CloseAndRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := imagestream.CreateSemaphore(dir, "gone", 0)
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.NoError(t, imagestream.RemoveSemaphore(dir, "gone"))
	assert.NoError(t, imagestream.RemoveSemaphore(dir, "gone"))

	_, err = os.Stat(filepath.Join(dir, "sem.gone"))
	assert.True(t, os.IsNotExist(err))
}
