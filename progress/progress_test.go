package progress_test

import (
	"sync"
	"testing"

	"github.com/ecpds/master/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockRoundTrip(t *testing.T) {
	registry := progress.NewRegistry()
	h1 := progress.NewHandle("dest/file", "/spool", 1, 100)
	h2 := progress.NewHandle("dest/file", "/spool", 1, 100)

	held, locked := registry.LockTransfer("dest/file", h1)
	assert.True(t, locked)
	assert.Equal(t, h1, held)

	held, locked = registry.LockTransfer("dest/file", h2)
	assert.False(t, locked)
	assert.True(t, held == h1, "second lock must return the first handle")
	assert.True(t, registry.TransferIsLocked("dest/file"))

	registry.UnlockTransfer("dest/file")
	assert.False(t, registry.TransferIsLocked("dest/file"))
	_, found := registry.GetProgress(1)
	assert.False(t, found)

	held, locked = registry.LockTransfer("dest/file", h2)
	assert.True(t, locked)
	assert.True(t, held == h2)
}

func TestLockRace(t *testing.T) {
	registry := progress.NewRegistry()
	admitted := int32(0)
	var mutex sync.Mutex
	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := registry.LockTransfer("key", progress.NewHandle("key", "", int64(i), 0)); ok {
				mutex.Lock()
				admitted++
				mutex.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, admitted)
	assert.Equal(t, 1, registry.Len())
}

func TestGetProgressOrder(t *testing.T) {
	acquisition := progress.NewTable()
	dissemination := progress.NewTable()
	registry := progress.NewRegistry(acquisition, dissemination)

	locked := progress.NewHandle("lock", "", 7, 10)
	registry.LockTransfer("lock", locked)
	handle, ok := registry.GetProgress(7)
	require.True(t, ok)
	assert.True(t, handle == locked)

	fromDissemination := progress.NewHandle("d", "", 7, 10)
	dissemination.Register(fromDissemination)
	handle, _ = registry.GetProgress(7)
	assert.True(t, handle == fromDissemination)

	fromAcquisition := progress.NewHandle("a", "", 7, 10)
	acquisition.Register(fromAcquisition)
	handle, _ = registry.GetProgress(7)
	assert.True(t, handle == fromAcquisition)

	fromAcquisition.Close()
	handle, _ = registry.GetProgress(7)
	assert.True(t, handle == fromDissemination, "closed handles are skipped")

	dissemination.Unregister(7)
	acquisition.Unregister(7)
	assert.Equal(t, 0, acquisition.Len())
	_, ok = registry.GetProgress(8)
	assert.False(t, ok)
}

func TestHandleCounters(t *testing.T) {
	handle := progress.NewHandle("k", "/root", 3, 1000)
	handle.AddBytes(100)
	handle.AddBytes(50)
	assert.EqualValues(t, 150, handle.ByteSent())
	handle.SetByteSent(10)
	assert.EqualValues(t, 10, handle.ByteSent())
	assert.True(t, handle.Duration() >= 0)

	assert.True(t, handle.Close())
	assert.False(t, handle.Close())
	assert.True(t, handle.Closed())
	assert.Equal(t, "k (10/1000 bytes)", handle.String())
}
