// Package repository implements write-through caches in front of the
// database. A Repository holds a working set of entities and flushes
// them to the backing store from a background loop. Policies decide
// the key, the flush order, what a flush does and when an entity
// leaves the cache.
package repository

import (
	"sort"
	"sync"
	"time"

	"github.com/op/go-logging"
)

// Policy is what a specialization supplies.
type Policy[T any] interface {
	// Key is the identity of the entity in the cache.
	Key(entity T) string
	// Status is a human readable status, for reports.
	Status(entity T) string
	// Expired entities leave the cache on the next flush pass.
	Expired(entity T) bool
	// Update writes the entity to the backing store.
	Update(entity T) error
	// Less orders the flush pass.
	Less(a, b T) bool
}

// Options describe the flush loop.
type Options struct {
	Name  string
	Delay time.Duration
	// Put blocks while the cache holds MaxAuthorisedSize entries
	// and the flush loop runs. Zero means no limit.
	MaxAuthorisedSize int
	// FlushLive flushes entities that are not expired on every
	// pass.
	FlushLive bool
	// FlushExpired flushes expired entities before dropping them.
	// Otherwise they are dropped silently.
	FlushExpired bool
}

type entry[T any] struct {
	value   T
	version uint64
}

// Repository is the generic cache. It is safe for concurrent use.
type Repository[T any] struct {
	options Options
	policy  Policy[T]
	log     *logging.Logger

	mutex   sync.Mutex
	room    *sync.Cond
	idle    *sync.Cond
	entries map[string]*entry[T]
	version uint64
	running bool
	// flushing is the key whose Update is in progress.
	flushing string
	inFlight bool

	flushMutex sync.Mutex
	wakeup     chan struct{}
	stop       chan struct{}
	done       chan struct{}
}

func New[T any](options Options, policy Policy[T], log *logging.Logger) *Repository[T] {
	if options.Delay <= 0 {
		options.Delay = time.Second
	}
	repository := &Repository[T]{
		options: options,
		policy:  policy,
		log:     log,
		entries: make(map[string]*entry[T]),
		wakeup:  make(chan struct{}, 1),
	}
	repository.room = sync.NewCond(&repository.mutex)
	repository.idle = sync.NewCond(&repository.mutex)
	return repository
}

func (repository *Repository[T]) Name() string {
	return repository.options.Name
}

// Put inserts or replaces the entity. It waits for a write of the
// same key already in progress, so an older value never reaches the
// backing store after Put returns.
func (repository *Repository[T]) Put(entity T) {
	key := repository.policy.Key(entity)
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	repository.waitIdleLocked(key)
	max := repository.options.MaxAuthorisedSize
	if _, exists := repository.entries[key]; !exists && max > 0 && repository.running && len(repository.entries) >= max {
		repository.log.Warningf("%s: submission delayed, %d entries pending", repository.options.Name, len(repository.entries))
		repository.wakeupLocked()
		for repository.running && len(repository.entries) >= max {
			repository.room.Wait()
		}
	}
	repository.version++
	repository.entries[key] = &entry[T]{value: entity, version: repository.version}
}

// Get returns the cached entity. It never reads the backing store.
func (repository *Repository[T]) Get(key string) (T, bool) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	cached, ok := repository.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	return cached.value, true
}

// List returns the cached entities in flush order.
func (repository *Repository[T]) List() []T {
	repository.mutex.Lock()
	values := make([]T, 0, len(repository.entries))
	for _, cached := range repository.entries {
		values = append(values, cached.value)
	}
	repository.mutex.Unlock()
	sort.SliceStable(values, func(i, j int) bool {
		return repository.policy.Less(values[i], values[j])
	})
	return values
}

// Remove drops the entity without flushing it. Like Put, it waits
// for a write of the same key in progress.
func (repository *Repository[T]) Remove(key string) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	repository.waitIdleLocked(key)
	delete(repository.entries, key)
	repository.room.Broadcast()
}

// Evict drops the entity and returns it. An expired entity still
// waiting for its flush is written first when FlushExpired is set,
// so its Update side effects are not lost.
func (repository *Repository[T]) Evict(key string) (T, bool) {
	repository.mutex.Lock()
	repository.waitIdleLocked(key)
	cached, ok := repository.entries[key]
	if !ok {
		repository.mutex.Unlock()
		var zero T
		return zero, false
	}
	delete(repository.entries, key)
	repository.room.Broadcast()
	repository.mutex.Unlock()

	if repository.options.FlushExpired && repository.policy.Expired(cached.value) {
		if err := repository.policy.Update(cached.value); err != nil {
			repository.log.Warningf("%s: cannot flush evicted %s: %v", repository.options.Name, key, err)
		}
	}
	return cached.value, true
}

func (repository *Repository[T]) waitIdleLocked(key string) {
	for repository.inFlight && repository.flushing == key {
		repository.idle.Wait()
	}
}

func (repository *Repository[T]) Len() int {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	return len(repository.entries)
}

// Statuses maps each cached key to its status string.
func (repository *Repository[T]) Statuses() map[string]string {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	statuses := make(map[string]string, len(repository.entries))
	for key, cached := range repository.entries {
		statuses[key] = repository.policy.Status(cached.value)
	}
	return statuses
}

// Flush runs one flush pass and returns the number of entities
// written to the backing store.
func (repository *Repository[T]) Flush() int {
	repository.flushMutex.Lock()
	defer repository.flushMutex.Unlock()

	repository.mutex.Lock()
	keys := make([]string, 0, len(repository.entries))
	snapshot := make(map[string]*entry[T], len(repository.entries))
	for key, cached := range repository.entries {
		keys = append(keys, key)
		snapshot[key] = cached
	}
	repository.mutex.Unlock()

	sort.SliceStable(keys, func(i, j int) bool {
		return repository.policy.Less(snapshot[keys[i]].value, snapshot[keys[j]].value)
	})

	flushed := 0
	for _, key := range keys {
		cached := snapshot[key]
		expired := repository.policy.Expired(cached.value)
		if (expired && repository.options.FlushExpired) || (!expired && repository.options.FlushLive) {
			if !repository.begin(key, cached.version) {
				// Removed or replaced since the snapshot.
				continue
			}
			err := repository.policy.Update(cached.value)
			repository.end()
			if err != nil {
				repository.log.Warningf("%s: cannot flush %s: %v", repository.options.Name, key, err)
			} else {
				flushed++
			}
		}
		if expired {
			repository.dropIfUnchanged(key, cached.version)
		}
	}
	return flushed
}

// begin marks the key as being written, provided the cache still
// holds the snapshot version.
func (repository *Repository[T]) begin(key string, version uint64) bool {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	if current, ok := repository.entries[key]; !ok || current.version != version {
		return false
	}
	repository.flushing = key
	repository.inFlight = true
	return true
}

func (repository *Repository[T]) end() {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	repository.flushing = ""
	repository.inFlight = false
	repository.idle.Broadcast()
}

// dropIfUnchanged removes the entry unless it was replaced during
// the flush pass.
func (repository *Repository[T]) dropIfUnchanged(key string, version uint64) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	if current, ok := repository.entries[key]; ok && current.version == version {
		delete(repository.entries, key)
		repository.room.Broadcast()
	}
}

// Wakeup triggers a flush pass without waiting for the delay.
func (repository *Repository[T]) Wakeup() {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	repository.wakeupLocked()
}

func (repository *Repository[T]) wakeupLocked() {
	select {
	case repository.wakeup <- struct{}{}:
	default:
	}
}

// Start runs the flush loop in the background.
func (repository *Repository[T]) Start() {
	repository.mutex.Lock()
	if repository.running {
		repository.mutex.Unlock()
		return
	}
	repository.running = true
	repository.stop = make(chan struct{})
	repository.done = make(chan struct{})
	repository.mutex.Unlock()

	go repository.loop(repository.stop, repository.done)
}

func (repository *Repository[T]) loop(stop, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(repository.options.Delay)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-repository.wakeup:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		repository.Flush()
		timer.Reset(repository.options.Delay)
	}
}

// Stop ends the flush loop, then runs a last flush pass so nothing
// pending is lost.
func (repository *Repository[T]) Stop() {
	repository.mutex.Lock()
	if !repository.running {
		repository.mutex.Unlock()
		return
	}
	repository.running = false
	stop, done := repository.stop, repository.done
	repository.room.Broadcast()
	repository.mutex.Unlock()

	close(stop)
	<-done
	repository.Flush()
}

func (repository *Repository[T]) IsRunning() bool {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	return repository.running
}
