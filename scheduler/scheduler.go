// Package scheduler is the periodic engine behind every scheduler of
// the master. Each cycle selects a batch of candidates, dispatches
// at most one worker per candidate key within the concurrency
// ceiling, sweeps finished and jammed workers, and then either
// continues at once (something was dispatched) or waits.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecpds/master/models"
	"github.com/op/go-logging"
)

// Controller is the part of a scheduler that does not depend on its
// item type. Operators and the orchestrator use it.
type Controller interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	State() string
	NextStep(ctx context.Context) Result
	Pause()
	Resume()
	IsPaused() bool
	Wakeup()
	IsActive(key string) bool
	Interrupt(key string) bool
	InterruptAll() int
	ActiveCount() int
	// Sweep releases the keys of finished workers.
	Sweep()
	SetMaxWorkers(max int)
	MaxWorkers() int
	IsJammed() bool
	Stats() Stats
}

// Policy is what a concrete scheduler supplies.
type Policy[T any] interface {
	// SelectCandidates returns up to batchSize items in dispatch
	// order.
	SelectCandidates(ctx context.Context, batchSize int) ([]T, error)
	// Key is the identity of an item. Only one worker per key
	// runs at a time.
	Key(item T) string
	// Run is the worker body. It must return promptly once ctx
	// is cancelled.
	Run(ctx context.Context, item T) error
	// MaxWorkers is the concurrency ceiling.
	MaxWorkers() int
	// Admit is the second-level ceiling: it sees the items of
	// the active workers and returns false to defer this one.
	Admit(item T, active []T) bool
}

// Result tells the loop how long to sleep after a step.
type Result int

const (
	// Continue means at least one worker was dispatched: wait
	// MinimumWait and run again.
	Continue Result = iota
	// Delay means nothing was dispatched: wait Delay or a wakeup.
	Delay
)

func (result Result) String() string {
	if result == Continue {
		return "continue"
	}
	return "delay"
}

const (
	StateStopped = "STOPPED"
	StateRunning = "RUNNING"
)

type dispatchOutcome int

const (
	dispatched dispatchOutcome = iota
	duplicate
	ceilingReached
	deferred
)

// Settings are the loop parameters.
type Settings struct {
	Delay         time.Duration
	MinimumWait   time.Duration
	BatchFactor   int
	JammedTimeout time.Duration
	TimeRanges    []TimeRange
}

// SettingsFromConfig converts a config file section.
func SettingsFromConfig(config models.SchedulerConfig) (Settings, error) {
	settings := Settings{
		Delay:         models.ParseDuration(config.Delay, 5*time.Second),
		MinimumWait:   models.ParseDuration(config.MinimumWait, time.Second),
		BatchFactor:   config.BatchFactor,
		JammedTimeout: models.ParseDuration(config.JammedTimeout, 0),
	}
	for _, value := range config.TimeRanges {
		timeRange, err := ParseTimeRange(value)
		if err != nil {
			return settings, err
		}
		settings.TimeRanges = append(settings.TimeRanges, timeRange)
	}
	return settings, nil
}

// Stats is a snapshot of a scheduler, for reports.
type Stats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Paused      bool      `json:"paused"`
	Active      int       `json:"active"`
	MaxWorkers  int       `json:"max_workers"`
	Dispatched  int64     `json:"dispatched"`
	Failed      int64     `json:"failed"`
	Interrupted int64     `json:"interrupted"`
	Jammed      bool      `json:"jammed"`
	LastStep    time.Time `json:"last_step"`
	LastResult  string    `json:"last_result"`
	Threads     []string  `json:"threads"`
}

type worker[T any] struct {
	item        T
	key         string
	threadName  string
	started     time.Time
	cancel      context.CancelFunc
	finished    int32
	interrupted int32
}

// Scheduler runs a Policy. All exported methods are safe for
// concurrent use.
type Scheduler[T any] struct {
	name     string
	policy   Policy[T]
	settings Settings
	log      *logging.Logger
	now      func() time.Time

	mutex      sync.Mutex
	active     map[string]*worker[T]
	toRemove   []string
	maxWorkers int
	state      string
	ctx        context.Context
	cancel     context.CancelFunc
	loopDone   chan struct{}
	lastStep   time.Time
	lastResult Result

	threads     *models.SynchronizedMap[string]
	workers     sync.WaitGroup
	wakeup      chan struct{}
	paused      int32
	dispatched  int64
	failed      int64
	interrupted int64
}

func New[T any](name string, policy Policy[T], settings Settings, log *logging.Logger) *Scheduler[T] {
	if settings.BatchFactor <= 0 {
		settings.BatchFactor = 2
	}
	if settings.Delay <= 0 {
		settings.Delay = 5 * time.Second
	}
	if settings.MinimumWait <= 0 {
		settings.MinimumWait = time.Second
	}
	return &Scheduler[T]{
		name:       name,
		policy:     policy,
		settings:   settings,
		log:        log,
		now:        time.Now,
		active:     make(map[string]*worker[T]),
		toRemove:   make([]string, 0),
		state:      StateStopped,
		lastResult: Delay,
		threads:    models.NewSynchronizedMap[string](),
		wakeup:     make(chan struct{}, 1),
	}
}

func (scheduler *Scheduler[T]) Name() string {
	return scheduler.name
}

// SetClock replaces the clock used for time ranges and the jammed
// watchdog.
func (scheduler *Scheduler[T]) SetClock(now func() time.Time) {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	scheduler.now = now
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (scheduler *Scheduler[T]) Start(ctx context.Context) error {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if scheduler.state == StateRunning {
		return fmt.Errorf("Scheduler %s is already running", scheduler.name)
	}
	scheduler.ctx, scheduler.cancel = context.WithCancel(ctx)
	scheduler.loopDone = make(chan struct{})
	scheduler.state = StateRunning
	go scheduler.loop(scheduler.ctx, scheduler.loopDone)
	scheduler.log.Infof("Scheduler %s started (max workers %d)", scheduler.name, scheduler.maxWorkersLocked())
	return nil
}

// Stop ends the loop, interrupts the running workers and waits for
// them to return.
func (scheduler *Scheduler[T]) Stop() {
	scheduler.mutex.Lock()
	if scheduler.state != StateRunning {
		scheduler.mutex.Unlock()
		return
	}
	scheduler.state = StateStopped
	cancel, loopDone := scheduler.cancel, scheduler.loopDone
	scheduler.ctx = nil
	scheduler.mutex.Unlock()

	cancel()
	<-loopDone
	scheduler.workers.Wait()
	scheduler.Sweep()
	scheduler.log.Infof("Scheduler %s stopped", scheduler.name)
}

func (scheduler *Scheduler[T]) State() string {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return scheduler.state
}

func (scheduler *Scheduler[T]) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := scheduler.settings.Delay
		if scheduler.safeStep(ctx) == Continue {
			wait = scheduler.settings.MinimumWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-scheduler.wakeup:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// safeStep keeps the loop alive whatever happens in a step.
func (scheduler *Scheduler[T]) safeStep(ctx context.Context) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			scheduler.log.Errorf("Scheduler %s: panic in step: %v\n%s", scheduler.name, r, debug.Stack())
			result = Delay
		}
	}()
	return scheduler.NextStep(ctx)
}

// NextStep runs one cycle and returns what the loop should do next.
func (scheduler *Scheduler[T]) NextStep(ctx context.Context) Result {
	result := scheduler.nextStep(ctx)
	scheduler.mutex.Lock()
	scheduler.lastStep = scheduler.now()
	scheduler.lastResult = result
	scheduler.mutex.Unlock()
	return result
}

func (scheduler *Scheduler[T]) nextStep(ctx context.Context) Result {
	if scheduler.IsPaused() || !InTimeRanges(scheduler.settings.TimeRanges, scheduler.clock()) {
		scheduler.Sweep()
		return Delay
	}
	started := time.Now()
	defer func() {
		stepDuration.WithLabelValues(scheduler.name).Observe(time.Since(started).Seconds())
	}()

	batchSize := scheduler.settings.BatchFactor * scheduler.MaxWorkers()
	candidates, err := scheduler.policy.SelectCandidates(ctx, batchSize)
	if err != nil {
		scheduler.log.Errorf("Scheduler %s: cannot select candidates: %v", scheduler.name, err)
		scheduler.Sweep()
		return Delay
	}
	count := 0
	for _, item := range candidates {
		outcome := scheduler.dispatch(item)
		if outcome == dispatched {
			count++
		}
		if outcome == ceilingReached {
			break
		}
	}
	scheduler.Sweep()
	if count > 0 {
		scheduler.log.Debugf("Scheduler %s dispatched %d of %d candidates", scheduler.name, count, len(candidates))
		return Continue
	}
	return Delay
}

// Dispatch starts a worker for the item unless one is already
// registered for its key, the ceiling is reached, or the policy
// defers it. It returns true if a worker was started.
func (scheduler *Scheduler[T]) Dispatch(item T) bool {
	return scheduler.dispatch(item) == dispatched
}

func (scheduler *Scheduler[T]) dispatch(item T) dispatchOutcome {
	key := scheduler.policy.Key(item)
	scheduler.mutex.Lock()
	if _, exists := scheduler.active[key]; exists {
		scheduler.mutex.Unlock()
		return duplicate
	}
	if len(scheduler.active) >= scheduler.maxWorkersLocked() {
		scheduler.mutex.Unlock()
		return ceilingReached
	}
	if !scheduler.policy.Admit(item, scheduler.activeItemsLocked()) {
		scheduler.mutex.Unlock()
		return deferred
	}
	parent := scheduler.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	w := &worker[T]{
		item:       item,
		key:        key,
		threadName: fmt.Sprintf("%s-%s", scheduler.name, key),
		started:    scheduler.now(),
		cancel:     cancel,
	}
	scheduler.active[key] = w
	scheduler.workers.Add(1)
	activeWorkers.WithLabelValues(scheduler.name).Set(float64(len(scheduler.active)))
	scheduler.mutex.Unlock()

	scheduler.threads.Add(key, w.threadName)
	atomic.AddInt64(&scheduler.dispatched, 1)
	dispatchedWorkers.WithLabelValues(scheduler.name).Inc()
	go scheduler.run(ctx, w)
	return dispatched
}

// run is the worker boundary: whatever the worker does, its key goes
// to the to-remove queue.
func (scheduler *Scheduler[T]) run(ctx context.Context, w *worker[T]) {
	defer scheduler.workers.Done()
	defer func() {
		if r := recover(); r != nil {
			scheduler.log.Errorf("%s: worker panic: %v\n%s", w.threadName, r, debug.Stack())
			scheduler.recordFailure()
		}
		w.cancel()
		atomic.StoreInt32(&w.finished, 1)
		scheduler.mutex.Lock()
		scheduler.toRemove = append(scheduler.toRemove, w.key)
		scheduler.mutex.Unlock()
	}()
	if err := scheduler.policy.Run(ctx, w.item); err != nil {
		scheduler.log.Warningf("%s: %v", w.threadName, err)
		scheduler.recordFailure()
	}
}

func (scheduler *Scheduler[T]) recordFailure() {
	atomic.AddInt64(&scheduler.failed, 1)
	failedWorkers.WithLabelValues(scheduler.name).Inc()
}

// Sweep drains the to-remove queue and interrupts jammed workers.
func (scheduler *Scheduler[T]) Sweep() {
	scheduler.mutex.Lock()
	removed := scheduler.toRemove
	scheduler.toRemove = make([]string, 0)
	for _, key := range removed {
		if w, ok := scheduler.active[key]; ok && atomic.LoadInt32(&w.finished) == 1 {
			delete(scheduler.active, key)
			scheduler.threads.Delete(key)
		}
	}
	activeWorkers.WithLabelValues(scheduler.name).Set(float64(len(scheduler.active)))
	jammed := scheduler.jammedLocked()
	scheduler.mutex.Unlock()

	for _, w := range jammed {
		if scheduler.interruptWorker(w) {
			scheduler.log.Warningf("%s: jammed since %s, interrupted", w.threadName, w.started.Format(time.RFC3339))
		}
	}
}

func (scheduler *Scheduler[T]) jammedLocked() []*worker[T] {
	jammed := make([]*worker[T], 0)
	timeout := scheduler.settings.JammedTimeout
	if timeout <= 0 {
		return jammed
	}
	now := scheduler.now()
	for _, w := range scheduler.active {
		if atomic.LoadInt32(&w.finished) == 0 && now.Sub(w.started) > timeout {
			jammed = append(jammed, w)
		}
	}
	return jammed
}

// interruptWorker cancels the worker once. It returns false if it
// was already interrupted.
func (scheduler *Scheduler[T]) interruptWorker(w *worker[T]) bool {
	if !atomic.CompareAndSwapInt32(&w.interrupted, 0, 1) {
		return false
	}
	w.cancel()
	atomic.AddInt64(&scheduler.interrupted, 1)
	interruptedWorkers.WithLabelValues(scheduler.name).Inc()
	return true
}

// IsJammed returns true if a running worker is older than the
// jammed timeout.
func (scheduler *Scheduler[T]) IsJammed() bool {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return len(scheduler.jammedLocked()) > 0
}

// Interrupt cancels the worker registered for key.
func (scheduler *Scheduler[T]) Interrupt(key string) bool {
	scheduler.mutex.Lock()
	w, ok := scheduler.active[key]
	scheduler.mutex.Unlock()
	if !ok || atomic.LoadInt32(&w.finished) == 1 {
		return false
	}
	if !scheduler.interruptWorker(w) {
		return false
	}
	scheduler.log.Infof("%s: interrupted", w.threadName)
	return true
}

// InterruptAll cancels every running worker and returns how many.
func (scheduler *Scheduler[T]) InterruptAll() int {
	scheduler.mutex.Lock()
	running := make([]*worker[T], 0, len(scheduler.active))
	for _, w := range scheduler.active {
		if atomic.LoadInt32(&w.finished) == 0 {
			running = append(running, w)
		}
	}
	scheduler.mutex.Unlock()
	count := 0
	for _, w := range running {
		if scheduler.interruptWorker(w) {
			count++
		}
	}
	return count
}

func (scheduler *Scheduler[T]) Pause() {
	atomic.StoreInt32(&scheduler.paused, 1)
	scheduler.log.Infof("Scheduler %s paused", scheduler.name)
}

func (scheduler *Scheduler[T]) Resume() {
	atomic.StoreInt32(&scheduler.paused, 0)
	scheduler.log.Infof("Scheduler %s resumed", scheduler.name)
	scheduler.Wakeup()
}

func (scheduler *Scheduler[T]) IsPaused() bool {
	return atomic.LoadInt32(&scheduler.paused) == 1
}

// Wakeup ends the current wait of the loop.
func (scheduler *Scheduler[T]) Wakeup() {
	select {
	case scheduler.wakeup <- struct{}{}:
	default:
	}
}

// Active returns the items of the registered workers.
func (scheduler *Scheduler[T]) Active() []T {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return scheduler.activeItemsLocked()
}

func (scheduler *Scheduler[T]) activeItemsLocked() []T {
	items := make([]T, 0, len(scheduler.active))
	for _, w := range scheduler.active {
		items = append(items, w.item)
	}
	return items
}

// IsActive returns true if a worker is registered for key.
func (scheduler *Scheduler[T]) IsActive(key string) bool {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	_, ok := scheduler.active[key]
	return ok
}

func (scheduler *Scheduler[T]) ActiveCount() int {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return len(scheduler.active)
}

// SetMaxWorkers overrides the ceiling of the policy. Zero restores
// it.
func (scheduler *Scheduler[T]) SetMaxWorkers(max int) {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	scheduler.maxWorkers = max
	scheduler.log.Infof("Scheduler %s max workers set to %d", scheduler.name, scheduler.maxWorkersLocked())
}

func (scheduler *Scheduler[T]) MaxWorkers() int {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return scheduler.maxWorkersLocked()
}

func (scheduler *Scheduler[T]) maxWorkersLocked() int {
	if scheduler.maxWorkers > 0 {
		return scheduler.maxWorkers
	}
	if max := scheduler.policy.MaxWorkers(); max > 0 {
		return max
	}
	return 1
}

func (scheduler *Scheduler[T]) clock() time.Time {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return scheduler.now()
}

func (scheduler *Scheduler[T]) Stats() Stats {
	scheduler.mutex.Lock()
	stats := Stats{
		Name:       scheduler.name,
		State:      scheduler.state,
		Active:     len(scheduler.active),
		MaxWorkers: scheduler.maxWorkersLocked(),
		Jammed:     len(scheduler.jammedLocked()) > 0,
		LastStep:   scheduler.lastStep,
		LastResult: scheduler.lastResult.String(),
	}
	scheduler.mutex.Unlock()
	stats.Paused = scheduler.IsPaused()
	stats.Dispatched = atomic.LoadInt64(&scheduler.dispatched)
	stats.Failed = atomic.LoadInt64(&scheduler.failed)
	stats.Interrupted = atomic.LoadInt64(&scheduler.interrupted)
	stats.Threads = scheduler.threads.Values()
	return stats
}
