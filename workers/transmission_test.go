package workers_test

import (
	"context"
	"testing"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/testdata"
	"github.com/ecpds/master/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// associate stores a dissemination host for the destination.
func associate(t *testing.T, fixture *workerFixture, destination *models.Destination) *models.Host {
	host := testdata.MakeHost(constants.HostTypeDissemination)
	require.Nil(t, fixture.db.InsertHost(host))
	require.Nil(t, fixture.db.InsertAssociation(&models.Association{
		Destination: destination.Name,
		Host:        host.Name,
		Priority:    1,
	}))
	return host
}

func TestTransmissionStartsOnMover(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	destination := testdata.MakeDestination()
	dataFile, dataTransfers := fixture.insertFile(t, destination, "mover-a", constants.StatusQueued)
	host := associate(t, fixture, destination)
	policy := workers.NewTransmissionPolicy(fixture.services)

	candidates, err := policy.SelectCandidates(context.Background(), 10)
	require.Nil(t, err)
	require.Len(t, candidates, 1)
	require.Nil(t, policy.Run(context.Background(), candidates[0]))

	current := fixture.transfer(t, dataTransfers[0].Id)
	assert.Equal(t, constants.StatusTransferring, current.StatusCode)
	assert.Equal(t, host.Name, current.Host)
	assert.Equal(t, "mover-a", current.TransferServer)
	assert.False(t, current.StartTime.IsZero())

	puts := fixture.movers["mover-a"].Puts()
	require.Len(t, puts, 1)
	assert.Equal(t, constants.UploadTransmission, puts[0].Kind)
	assert.Equal(t, dataFile.SpoolPath(), puts[0].Source)
	assert.Equal(t, dataFile.Size, puts[0].Size)
	assert.Equal(t, host.Name, puts[0].Host.Name)
	assert.Len(t, fixture.services.Transfers.Executing(destination.Name), 1)
}

func TestTransmissionAdmitsUpToMaxConnections(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	destination := testdata.MakeDestination()
	destination.MaxConnections = 2
	_, dataTransfers := fixture.insertFile(t, destination, "mover-a",
		constants.StatusQueued, constants.StatusQueued, constants.StatusQueued)
	associate(t, fixture, destination)
	policy := workers.NewTransmissionPolicy(fixture.services)

	assert.True(t, policy.Admit(dataTransfers[0], nil))
	require.Nil(t, policy.Run(context.Background(), dataTransfers[0]))

	// One executing on the mover, one starting.
	assert.True(t, policy.Admit(dataTransfers[1], nil))
	assert.False(t, policy.Admit(dataTransfers[2], []*models.DataTransfer{dataTransfers[1]}))

	other := testdata.MakeDestination()
	_, others := fixture.insertFile(t, other, "mover-a", constants.StatusQueued)
	assert.True(t, policy.Admit(others[0], []*models.DataTransfer{dataTransfers[1]}))

	unknown := &models.DataTransfer{Id: 999, Destination: "unknown"}
	assert.False(t, policy.Admit(unknown, nil))
}

func TestTransmissionPutFailureRequeues(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	fixture.movers["mover-a"].Fail("put")
	destination := testdata.MakeDestination()
	_, dataTransfers := fixture.insertFile(t, destination, "mover-a", constants.StatusQueued)
	associate(t, fixture, destination)
	policy := workers.NewTransmissionPolicy(fixture.services)

	assert.NotNil(t, policy.Run(context.Background(), dataTransfers[0]))
	current := fixture.transfer(t, dataTransfers[0].Id)
	assert.Equal(t, constants.StatusRequeued, current.StatusCode)
	assert.Equal(t, 1, current.RequeueCount)
	assert.False(t, current.RetryTime.IsZero())
	assert.Equal(t, []string{constants.StatusTransferring, constants.StatusRequeued},
		fixture.historyCodes(t, dataTransfers[0].Id))
}

func TestTransmissionSkipsChangedTransfer(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	destination := testdata.MakeDestination()
	_, dataTransfers := fixture.insertFile(t, destination, "mover-a", constants.StatusStandBy)
	associate(t, fixture, destination)
	policy := workers.NewTransmissionPolicy(fixture.services)

	assert.Nil(t, policy.Run(context.Background(), dataTransfers[0]))
	assert.Equal(t, 0, fixture.movers["mover-a"].Calls("put"))
	assert.Equal(t, constants.StatusStandBy, fixture.transfer(t, dataTransfers[0].Id).StatusCode)
}

func TestTransmissionWithoutHostRecordsError(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	destination := testdata.MakeDestination()
	_, dataTransfers := fixture.insertFile(t, destination, "mover-a", constants.StatusQueued)
	policy := workers.NewTransmissionPolicy(fixture.services)

	assert.NotNil(t, policy.Run(context.Background(), dataTransfers[0]))
	assert.Equal(t, constants.StatusQueued, fixture.transfer(t, dataTransfers[0].Id).StatusCode)
	assert.Equal(t, []string{constants.StatusQueued}, fixture.historyCodes(t, dataTransfers[0].Id))
}
