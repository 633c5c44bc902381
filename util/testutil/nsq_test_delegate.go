package testutil

import (
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
)

// NSQTestDelegate captures what a handler does with an NSQ message.
// The interface we're mocking is the MessageDelegate interface of
// go-nsq (delegates.go).
type NSQTestDelegate struct {
	Message   *nsq.Message
	Delay     time.Duration
	Backoff   bool
	Operation string

	mutex    sync.Mutex
	finished int
	requeued int
}

func NewNSQTestDelegate() *NSQTestDelegate {
	return &NSQTestDelegate{}
}

// NewTestMessage returns a message carrying body and reporting to
// delegate.
func NewTestMessage(delegate *NSQTestDelegate, body []byte) *nsq.Message {
	id := nsq.MessageID{}
	copy(id[:], "test-message-id!")
	message := nsq.NewMessage(id, body)
	message.Delegate = delegate
	return message
}

// OnFinish receives the Finish() call from an NSQ message.
func (delegate *NSQTestDelegate) OnFinish(message *nsq.Message) {
	delegate.mutex.Lock()
	defer delegate.mutex.Unlock()
	delegate.Message = message
	delegate.Operation = "finish"
	delegate.finished++
}

// OnRequeue receives the Requeue() call from an NSQ message.
func (delegate *NSQTestDelegate) OnRequeue(message *nsq.Message, delay time.Duration, backoff bool) {
	delegate.mutex.Lock()
	defer delegate.mutex.Unlock()
	delegate.Message = message
	delegate.Delay = delay
	delegate.Backoff = backoff
	delegate.Operation = "requeue"
	delegate.requeued++
}

// OnTouch receives the Touch() call from an NSQ message.
func (delegate *NSQTestDelegate) OnTouch(message *nsq.Message) {
	delegate.mutex.Lock()
	defer delegate.mutex.Unlock()
	delegate.Message = message
	delegate.Operation = "touch"
}

func (delegate *NSQTestDelegate) Finished() int {
	delegate.mutex.Lock()
	defer delegate.mutex.Unlock()
	return delegate.finished
}

func (delegate *NSQTestDelegate) Requeued() int {
	delegate.mutex.Lock()
	defer delegate.mutex.Unlock()
	return delegate.requeued
}
