package testutil_test

import (
	"testing"
	"time"

	"github.com/ecpds/master/util/testutil"
	"github.com/stretchr/testify/assert"
)

func TestOnFinish(t *testing.T) {
	delegate := testutil.NewNSQTestDelegate()
	message := testutil.NewTestMessage(delegate, []byte("hello"))
	message.Finish()
	assert.Equal(t, []byte("hello"), delegate.Message.Body)
	assert.Equal(t, "finish", delegate.Operation)
	assert.Equal(t, 1, delegate.Finished())
	assert.Equal(t, 0, delegate.Requeued())
}

func TestOnRequeue(t *testing.T) {
	delegate := testutil.NewNSQTestDelegate()
	message := testutil.NewTestMessage(delegate, []byte("hello"))
	delegate.OnRequeue(message, time.Minute*3, true)
	assert.Equal(t, message.Body, delegate.Message.Body)
	assert.Equal(t, "requeue", delegate.Operation)
	assert.Equal(t, time.Minute*3, delegate.Delay)
	assert.True(t, delegate.Backoff)
	assert.Equal(t, 1, delegate.Requeued())
}

func TestOnTouch(t *testing.T) {
	delegate := testutil.NewNSQTestDelegate()
	message := testutil.NewTestMessage(delegate, []byte("hello"))
	delegate.OnTouch(message)
	assert.Equal(t, message.Body, delegate.Message.Body)
	assert.Equal(t, "touch", delegate.Operation)
	assert.Equal(t, 0, delegate.Finished())
}
