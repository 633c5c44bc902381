package workers_test

import (
	"context"
	"testing"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/testdata"
	"github.com/ecpds/master/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// insertPublication stores a DONE transfer and a due publication for
// it with the given options.
func insertPublication(t *testing.T, fixture *workerFixture, options string) (*models.Publication, *models.DataTransfer) {
	_, dataTransfers := fixture.insertFile(t, testdata.MakeDestination(), "mover-a", constants.StatusDone)
	publication := testdata.MakePublication(dataTransfers[0].Id)
	publication.Options = options
	require.Nil(t, fixture.db.InsertPublication(publication))
	return publication, dataTransfers[0]
}

func TestEventPublishesToMQTTOnce(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	publication, dataTransfer := insertPublication(t, fixture, "mqtt;retain=true")
	policy := workers.NewEventPolicy(fixture.services)

	candidates, err := policy.SelectCandidates(context.Background(), 10)
	require.Nil(t, err)
	require.Len(t, candidates, 1)
	require.Nil(t, policy.Run(context.Background(), candidates[0]))
	require.Nil(t, policy.Run(context.Background(), candidates[0]))

	published := fixture.movers["mover-a"].Published()
	require.Len(t, published, 1)
	assert.Equal(t, "ecpds/"+dataTransfer.Destination, published[0].Topic)
	assert.Equal(t, dataTransfer.Target, published[0].Payload)
	assert.True(t, published[0].Retain)

	stored, err := fixture.db.GetPublication(publication.Id)
	require.Nil(t, err)
	assert.True(t, stored.Done)
	assert.False(t, stored.ProcessedTime.IsZero())
	assert.Contains(t, stored.Message, "mover-a")

	candidates, err = policy.SelectCandidates(context.Background(), 10)
	require.Nil(t, err)
	assert.Empty(t, candidates)
}

func TestEventRuleOverridesMQTTMessage(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	rule := `rule=({topic: "custom/" + destination, payload: status})`
	_, dataTransfer := insertPublication(t, fixture, "mqtt;lang=js;"+rule)
	policy := workers.NewEventPolicy(fixture.services)

	candidates, err := policy.SelectCandidates(context.Background(), 10)
	require.Nil(t, err)
	require.Nil(t, policy.Run(context.Background(), candidates[0]))
	published := fixture.movers["mover-a"].Published()
	require.Len(t, published, 1)
	assert.Equal(t, "custom/"+dataTransfer.Destination, published[0].Topic)
	assert.Equal(t, constants.StatusDone, published[0].Payload)
}

func TestEventMQTTFailureDefersPublication(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	fixture.movers["mover-a"].Fail("mqtt/publish")
	publication, _ := insertPublication(t, fixture, "mqtt")
	policy := workers.NewEventPolicy(fixture.services)

	assert.NotNil(t, policy.Run(context.Background(), publication))
	stored, err := fixture.db.GetPublication(publication.Id)
	require.Nil(t, err)
	assert.False(t, stored.Done)
	assert.NotEmpty(t, stored.Message)
	assert.True(t, stored.ScheduledTime.After(time.Now()))

	candidates, err := policy.SelectCandidates(context.Background(), 10)
	require.Nil(t, err)
	assert.Empty(t, candidates)
}

func TestEventPublishesToNSQ(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	publication, dataTransfer := insertPublication(t, fixture, "nsq")
	policy := workers.NewEventPolicy(fixture.services)

	require.Nil(t, policy.Run(context.Background(), publication))
	require.Equal(t, 1, fixture.publisher.count())
	assert.Equal(t, "ecpds_event", fixture.publisher.topics[0])
	event, ok := fixture.publisher.values[0].(*workers.TransferEventMessage)
	require.True(t, ok)
	assert.Equal(t, dataTransfer.Id, event.DataTransferId)
	assert.Equal(t, constants.StatusDone, event.StatusCode)
}

func TestEventRunsScript(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	publication, dataTransfer := insertPublication(t, fixture, `lang=js;script="$destination" + "/" + status`)
	policy := workers.NewEventPolicy(fixture.services)

	require.Nil(t, policy.Run(context.Background(), publication))
	stored, err := fixture.db.GetPublication(publication.Id)
	require.Nil(t, err)
	assert.True(t, stored.Done)
	assert.Equal(t, "Script returned "+dataTransfer.Destination+"/DONE", stored.Message)

	empty, _ := insertPublication(t, fixture, "lang=js")
	require.Nil(t, policy.Run(context.Background(), empty))
	stored, err = fixture.db.GetPublication(empty.Id)
	require.Nil(t, err)
	assert.Equal(t, "Nothing to do", stored.Message)
}

func TestEventSkipsExpiredTransfer(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	publication, dataTransfer := insertPublication(t, fixture, "mqtt")
	dataTransfer.ExpiryTime = time.Now().UTC().Add(-time.Hour)
	require.Nil(t, fixture.db.UpdateDataTransfer(dataTransfer))
	policy := workers.NewEventPolicy(fixture.services)

	require.Nil(t, policy.Run(context.Background(), publication))
	assert.Empty(t, fixture.movers["mover-a"].Published())
	stored, err := fixture.db.GetPublication(publication.Id)
	require.Nil(t, err)
	assert.True(t, stored.Done)
	assert.Contains(t, stored.Message, "Skipped")
}
