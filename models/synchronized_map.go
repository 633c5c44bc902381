package models

import (
	"sort"
	"sync"
)

// SynchronizedMap is a string-keyed map that can be shared
// across go routines.
type SynchronizedMap[V any] struct {
	data  map[string]V
	mutex *sync.RWMutex
}

// Creates a new empty SynchronizedMap
func NewSynchronizedMap[V any]() *SynchronizedMap[V] {
	return &SynchronizedMap[V]{
		data:  make(map[string]V),
		mutex: &sync.RWMutex{},
	}
}

// Returns true if the key exists in the map.
func (syncMap *SynchronizedMap[V]) HasKey(key string) bool {
	syncMap.mutex.RLock()
	_, hasKey := syncMap.data[key]
	syncMap.mutex.RUnlock()
	return hasKey
}

// Adds a key/value pair to the map.
func (syncMap *SynchronizedMap[V]) Add(key string, value V) {
	syncMap.mutex.Lock()
	syncMap.data[key] = value
	syncMap.mutex.Unlock()
}

// AddIfAbsent adds the pair only if the key is not there yet, and
// returns the value now stored under key and whether it was added.
func (syncMap *SynchronizedMap[V]) AddIfAbsent(key string, value V) (V, bool) {
	syncMap.mutex.Lock()
	defer syncMap.mutex.Unlock()
	if existing, ok := syncMap.data[key]; ok {
		return existing, false
	}
	syncMap.data[key] = value
	return value, true
}

// Returns the value of key from the map.
func (syncMap *SynchronizedMap[V]) Get(key string) (V, bool) {
	syncMap.mutex.RLock()
	value, ok := syncMap.data[key]
	syncMap.mutex.RUnlock()
	return value, ok
}

// Deletes the specified key from the map.
func (syncMap *SynchronizedMap[V]) Delete(key string) {
	syncMap.mutex.Lock()
	delete(syncMap.data, key)
	syncMap.mutex.Unlock()
}

// Returns the number of entries.
func (syncMap *SynchronizedMap[V]) Len() int {
	syncMap.mutex.RLock()
	defer syncMap.mutex.RUnlock()
	return len(syncMap.data)
}

// Returns a sorted slice of all keys in the map.
func (syncMap *SynchronizedMap[V]) Keys() []string {
	syncMap.mutex.RLock()
	keys := make([]string, 0, len(syncMap.data))
	for key := range syncMap.data {
		keys = append(keys, key)
	}
	syncMap.mutex.RUnlock()
	sort.Strings(keys)
	return keys
}

// Returns a slice of all values in the map, in key order.
func (syncMap *SynchronizedMap[V]) Values() []V {
	syncMap.mutex.RLock()
	defer syncMap.mutex.RUnlock()
	keys := make([]string, 0, len(syncMap.data))
	for key := range syncMap.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	vals := make([]V, len(keys))
	for i, key := range keys {
		vals[i] = syncMap.data[key]
	}
	return vals
}
