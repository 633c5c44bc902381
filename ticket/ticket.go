// Package ticket correlates asynchronous requests sent to a mover
// (for now, stopping an executing transfer) with the completion
// report the mover eventually sends back. A ticket nobody completes
// within the registry TTL is expired, which forces the outcome
// locally.
package ticket

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Velocidex/ttlcache/v2"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"
)

const (
	statePending int32 = iota
	stateCompleted
	stateExpired
)

// Ticket is one pending request against a transfer.
type Ticket struct {
	Id             string
	DataTransferId int64
	DesiredStatus  string
	Comment        string
	User           string
	Created        time.Time

	// OnExpired runs when the registry expires the ticket before
	// anybody completed it. It runs on its own goroutine.
	OnExpired func(*Ticket)

	state    int32
	released int32
	done     chan struct{}
}

func NewTicket(desiredStatus, comment, user string) *Ticket {
	return &Ticket{
		Id:            uuid.NewV4().String(),
		DesiredStatus: desiredStatus,
		Comment:       comment,
		User:          user,
		Created:       time.Now().UTC(),
		done:          make(chan struct{}),
	}
}

// Complete marks the ticket completed. Only the first of Complete
// and Expire wins; Complete returns true if it won.
func (ticket *Ticket) Complete() bool {
	if atomic.CompareAndSwapInt32(&ticket.state, statePending, stateCompleted) {
		close(ticket.done)
		return true
	}
	return false
}

func (ticket *Ticket) Completed() bool {
	return atomic.LoadInt32(&ticket.state) == stateCompleted
}

// Expire marks the ticket expired and runs OnExpired, unless it was
// already completed.
func (ticket *Ticket) Expire() bool {
	if !atomic.CompareAndSwapInt32(&ticket.state, statePending, stateExpired) {
		return false
	}
	close(ticket.done)
	if ticket.OnExpired != nil {
		ticket.OnExpired(ticket)
	}
	return true
}

func (ticket *Ticket) Expired() bool {
	return atomic.LoadInt32(&ticket.state) == stateExpired
}

// Wait polls for completion up to retries times, interval apart. It
// returns true if the ticket was completed.
func (ticket *Ticket) Wait(ctx context.Context, retries int, interval time.Duration) bool {
	for i := 0; i < retries; i++ {
		if ticket.Completed() {
			return true
		}
		timer := time.NewTimer(interval)
		select {
		case <-ticket.done:
			timer.Stop()
			return ticket.Completed()
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return ticket.Completed()
}

func (ticket *Ticket) String() string {
	return fmt.Sprintf("ticket %s (transfer %d -> %s)", ticket.Id, ticket.DataTransferId, ticket.DesiredStatus)
}

// Registry holds the pending tickets by transfer id.
type Registry struct {
	cache *ttlcache.Cache
	log   *logging.Logger
}

func NewRegistry(ttl time.Duration, log *logging.Logger) *Registry {
	registry := &Registry{
		cache: ttlcache.NewCache(),
		log:   log,
	}
	_ = registry.cache.SetTTL(ttl)
	registry.cache.SkipTTLExtensionOnHit(true)
	registry.cache.SetExpirationReasonCallback(func(key string, reason ttlcache.EvictionReason, value interface{}) error {
		ticket, ok := value.(*Ticket)
		if !ok || reason != ttlcache.Expired || atomic.LoadInt32(&ticket.released) == 1 {
			return nil
		}
		// The cache lock is held here and OnExpired may use the
		// registry.
		go registry.expire(ticket)
		return nil
	})
	return registry
}

func (registry *Registry) expire(ticket *Ticket) {
	if ticket.Expire() {
		registry.log.Warningf("Expired %s", ticket.String())
	}
}

func transferKey(dataTransferId int64) string {
	return fmt.Sprintf("%d", dataTransferId)
}

// Add registers the ticket against the transfer, replacing any
// previous ticket for it.
func (registry *Registry) Add(ticket *Ticket, dataTransferId int64) error {
	ticket.DataTransferId = dataTransferId
	if previous := registry.Remove(dataTransferId); previous != nil {
		registry.log.Infof("Replacing %s", previous.String())
	}
	return registry.cache.Set(transferKey(dataTransferId), ticket)
}

func (registry *Registry) Get(dataTransferId int64) (*Ticket, bool) {
	value, err := registry.cache.Get(transferKey(dataTransferId))
	if err != nil {
		return nil, false
	}
	ticket, ok := value.(*Ticket)
	return ticket, ok
}

// Remove takes the ticket out of the registry for a completion
// handler to finalize. It returns nil if there is none.
func (registry *Registry) Remove(dataTransferId int64) *Ticket {
	ticket, ok := registry.Get(dataTransferId)
	if !ok {
		return nil
	}
	atomic.StoreInt32(&ticket.released, 1)
	_ = registry.cache.Remove(transferKey(dataTransferId))
	return ticket
}

func (registry *Registry) Len() int {
	return registry.cache.Count()
}

func (registry *Registry) Close() {
	_ = registry.cache.Close()
}
