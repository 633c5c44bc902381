package ticket_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/ticket"
	"github.com/ecpds/master/util/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketCompleteOnce(t *testing.T) {
	expired := int32(0)
	tk := ticket.NewTicket(constants.StatusStopped, "stop", "ops")
	tk.OnExpired = func(*ticket.Ticket) { atomic.AddInt32(&expired, 1) }
	assert.NotEmpty(t, tk.Id)

	assert.True(t, tk.Complete())
	assert.False(t, tk.Complete())
	assert.False(t, tk.Expire())
	assert.True(t, tk.Completed())
	assert.False(t, tk.Expired())
	assert.EqualValues(t, 0, atomic.LoadInt32(&expired))
}

func TestTicketWait(t *testing.T) {
	tk := ticket.NewTicket(constants.StatusStopped, "", "")
	start := time.Now()
	assert.False(t, tk.Wait(context.Background(), 3, 10*time.Millisecond))
	assert.True(t, time.Since(start) >= 30*time.Millisecond)

	tk = ticket.NewTicket(constants.StatusStopped, "", "")
	go func() {
		time.Sleep(20 * time.Millisecond)
		tk.Complete()
	}()
	assert.True(t, tk.Wait(context.Background(), 50, 10*time.Millisecond))

	tk = ticket.NewTicket(constants.StatusStopped, "", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, tk.Wait(ctx, 5, time.Second))
}

func TestRegistryAddRemove(t *testing.T) {
	registry := ticket.NewRegistry(time.Hour, logger.DiscardLogger("ticket_test"))
	defer registry.Close()

	tk := ticket.NewTicket(constants.StatusStopped, "stop", "ops")
	require.Nil(t, registry.Add(tk, 42))
	assert.EqualValues(t, 42, tk.DataTransferId)
	assert.Equal(t, 1, registry.Len())

	found, ok := registry.Get(42)
	require.True(t, ok)
	assert.True(t, found == tk)

	removed := registry.Remove(42)
	require.NotNil(t, removed)
	assert.True(t, removed.Complete(), "removal does not expire the ticket")
	assert.Nil(t, registry.Remove(42))
	assert.Equal(t, 0, registry.Len())
}

func TestRegistryExpiry(t *testing.T) {
	registry := ticket.NewRegistry(50*time.Millisecond, logger.DiscardLogger("ticket_test"))
	defer registry.Close()

	expired := make(chan int64, 1)
	tk := ticket.NewTicket(constants.StatusStopped, "stop", "ops")
	tk.OnExpired = func(expiredTicket *ticket.Ticket) { expired <- expiredTicket.DataTransferId }
	require.Nil(t, registry.Add(tk, 7))

	select {
	case id := <-expired:
		assert.EqualValues(t, 7, id)
	case <-time.After(5 * time.Second):
		t.Fatal("ticket never expired")
	}
	assert.True(t, tk.Expired())
	assert.False(t, tk.Complete())
}

func TestExpiryCallbackCanUseRegistry(t *testing.T) {
	registry := ticket.NewRegistry(50*time.Millisecond, logger.DiscardLogger("ticket_test"))
	defer registry.Close()

	replaced := make(chan struct{})
	tk := ticket.NewTicket(constants.StatusStopped, "stop", "ops")
	tk.OnExpired = func(expiredTicket *ticket.Ticket) {
		assert.Nil(t, registry.Remove(expiredTicket.DataTransferId))
		close(replaced)
	}
	require.Nil(t, registry.Add(tk, 8))

	select {
	case <-replaced:
	case <-time.After(5 * time.Second):
		t.Fatal("expiry callback never returned")
	}
	assert.Equal(t, 0, registry.Len())
}

func TestCloseDoesNotExpireTickets(t *testing.T) {
	registry := ticket.NewRegistry(time.Hour, logger.DiscardLogger("ticket_test"))
	tk := ticket.NewTicket(constants.StatusStopped, "stop", "ops")
	var expired int32
	tk.OnExpired = func(*ticket.Ticket) { atomic.AddInt32(&expired, 1) }
	require.Nil(t, registry.Add(tk, 9))
	registry.Close()

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&expired))
	assert.False(t, tk.Expired())
}
