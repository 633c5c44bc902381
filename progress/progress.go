// Package progress tracks in-flight retrievals. The lock registry is
// the admission gate for logical requests: one acquisition of a
// given request at a time. Progress lookups for a data file search
// the registered sources in order, then the lock registry.
package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecpds/master/models"
)

// Handle reports the progress of one retrieval.
type Handle struct {
	Key        string
	Root       string
	DataFileId int64
	Size       int64
	StartTime  time.Time

	byteSent int64
	closed   int32
}

func NewHandle(key, root string, dataFileId, size int64) *Handle {
	return &Handle{
		Key:        key,
		Root:       root,
		DataFileId: dataFileId,
		Size:       size,
		StartTime:  time.Now().UTC(),
	}
}

func (handle *Handle) ByteSent() int64 {
	return atomic.LoadInt64(&handle.byteSent)
}

func (handle *Handle) SetByteSent(bytes int64) {
	atomic.StoreInt64(&handle.byteSent, bytes)
}

func (handle *Handle) AddBytes(bytes int64) int64 {
	return atomic.AddInt64(&handle.byteSent, bytes)
}

// Duration is the time elapsed since the handle was created.
func (handle *Handle) Duration() time.Duration {
	return time.Since(handle.StartTime)
}

// Close marks the handle closed and returns true on the first call
// only.
func (handle *Handle) Close() bool {
	return atomic.CompareAndSwapInt32(&handle.closed, 0, 1)
}

func (handle *Handle) Closed() bool {
	return atomic.LoadInt32(&handle.closed) == 1
}

func (handle *Handle) String() string {
	return fmt.Sprintf("%s (%d/%d bytes)", handle.Key, handle.ByteSent(), handle.Size)
}

// Source is anything that can report the progress of a data file,
// typically the workers of a download scheduler.
type Source interface {
	Progress(dataFileId int64) (*Handle, bool)
}

// Table is a Source holding the handles of the running workers of
// one scheduler, by data file id.
type Table struct {
	handles *models.SynchronizedMap[*Handle]
}

func NewTable() *Table {
	return &Table{
		handles: models.NewSynchronizedMap[*Handle](),
	}
}

func fileKey(dataFileId int64) string {
	return fmt.Sprintf("%d", dataFileId)
}

func (table *Table) Register(handle *Handle) {
	table.handles.Add(fileKey(handle.DataFileId), handle)
}

func (table *Table) Unregister(dataFileId int64) {
	table.handles.Delete(fileKey(dataFileId))
}

func (table *Table) Progress(dataFileId int64) (*Handle, bool) {
	handle, ok := table.handles.Get(fileKey(dataFileId))
	if !ok || handle.Closed() {
		return nil, false
	}
	return handle, true
}

func (table *Table) Len() int {
	return table.handles.Len()
}

// Registry is the lock registry plus the ordered progress sources.
type Registry struct {
	mutex   sync.Mutex
	byKey   map[string]*Handle
	byFile  map[int64]*Handle
	sources []Source
}

func NewRegistry(sources ...Source) *Registry {
	return &Registry{
		byKey:   make(map[string]*Handle),
		byFile:  make(map[int64]*Handle),
		sources: sources,
	}
}

// AddSource appends a progress source. Sources are searched in the
// order they were added.
func (registry *Registry) AddSource(source Source) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	registry.sources = append(registry.sources, source)
}

// LockTransfer installs handle under key unless the key is already
// locked. It returns the handle holding the lock and true when the
// caller's handle was installed.
func (registry *Registry) LockTransfer(key string, handle *Handle) (*Handle, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if existing, ok := registry.byKey[key]; ok {
		return existing, false
	}
	registry.byKey[key] = handle
	if handle.DataFileId > 0 {
		registry.byFile[handle.DataFileId] = handle
	}
	return handle, true
}

// UnlockTransfer releases the key and the file entry of its handle.
func (registry *Registry) UnlockTransfer(key string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	handle, ok := registry.byKey[key]
	if !ok {
		return
	}
	delete(registry.byKey, key)
	if registry.byFile[handle.DataFileId] == handle {
		delete(registry.byFile, handle.DataFileId)
	}
}

func (registry *Registry) TransferIsLocked(key string) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	_, ok := registry.byKey[key]
	return ok
}

// GetProgress returns the first live handle for the data file. No
// match is not an error: there is simply no known progress.
func (registry *Registry) GetProgress(dataFileId int64) (*Handle, bool) {
	registry.mutex.Lock()
	sources := make([]Source, len(registry.sources))
	copy(sources, registry.sources)
	locked, isLocked := registry.byFile[dataFileId]
	registry.mutex.Unlock()

	for _, source := range sources {
		if handle, ok := source.Progress(dataFileId); ok {
			return handle, true
		}
	}
	if isLocked && !locked.Closed() {
		return locked, true
	}
	return nil, false
}

// Len returns the number of locked keys.
func (registry *Registry) Len() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.byKey)
}
