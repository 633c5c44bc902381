// Package mutex serializes work per key: only one goroutine at a
// time runs the critical section for a given key, while unrelated
// keys proceed in parallel.
package mutex

import (
	"fmt"
	"sync"
)

// Provider hands out per-key locks. Lock elements are reference
// counted and dropped once nobody holds or waits for them.
type Provider struct {
	mutex    sync.Mutex
	elements map[string]*element
}

type element struct {
	sync.Mutex
	references int
}

// Handle is a held lock. Release it exactly once.
type Handle struct {
	provider *Provider
	key      string
	element  *element
	once     sync.Once
}

func NewProvider() *Provider {
	return &Provider{
		elements: make(map[string]*element),
	}
}

// Acquire blocks until the lock for key is held by the caller.
func (provider *Provider) Acquire(key string) *Handle {
	provider.mutex.Lock()
	elem, ok := provider.elements[key]
	if !ok {
		elem = &element{}
		provider.elements[key] = elem
	}
	elem.references++
	provider.mutex.Unlock()

	elem.Lock()
	return &Handle{
		provider: provider,
		key:      key,
		element:  elem,
	}
}

// Release unlocks the key. Extra calls are ignored.
func (handle *Handle) Release() {
	handle.once.Do(func() {
		handle.element.Unlock()
		handle.provider.free(handle.key, handle.element)
	})
}

func (provider *Provider) free(key string, elem *element) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	elem.references--
	if elem.references == 0 && provider.elements[key] == elem {
		delete(provider.elements, key)
	}
}

// Do runs fn while holding the lock for key.
func (provider *Provider) Do(key string, fn func() error) error {
	handle := provider.Acquire(key)
	defer handle.Release()
	return fn()
}

// Len returns the number of live lock elements.
func (provider *Provider) Len() int {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return len(provider.elements)
}

// Key helpers for the host satellite tables.
func HostKey(name string) string     { return "host/" + name }
func StatsKey(name string) string    { return "stats/" + name }
func LocationKey(name string) string { return "location/" + name }
func OutputKey(name string) string   { return "output/" + name }

// TransferKey serializes the status changes of one transfer.
func TransferKey(id int64) string { return fmt.Sprintf("transfer/%d", id) }

// DestinationKey serializes the start and stop of a destination.
func DestinationKey(name string) string { return "destination/" + name }
