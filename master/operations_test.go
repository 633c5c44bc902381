package master_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/master"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/testdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPauseResumeAndMaxThreads(t *testing.T) {
	fixture := newMasterFixture(t)
	_master := fixture.master
	require.Nil(t, _master.PauseScheduler(constants.SchedulerDownload, "operator"))
	controller, _ := _master.Scheduler(constants.SchedulerDownload)
	assert.True(t, controller.IsPaused())
	require.Nil(t, _master.ResumeScheduler(constants.SchedulerDownload, "operator"))
	assert.False(t, controller.IsPaused())

	require.Nil(t, _master.SetMaxThreads(constants.SchedulerDownload, 7, "operator"))
	assert.Equal(t, 7, controller.MaxWorkers())
	assert.NotNil(t, _master.SetMaxThreads(constants.SchedulerDownload, 0, "operator"))
	assert.Equal(t, 7, controller.MaxWorkers())

	interrupted, err := _master.InterruptWorker(constants.SchedulerDownload, "42")
	require.Nil(t, err)
	assert.False(t, interrupted)
	count, err := _master.InterruptAll(constants.SchedulerDownload)
	require.Nil(t, err)
	assert.Equal(t, 0, count)
}

func TestInterruptRunningDownload(t *testing.T) {
	fixture := newMasterFixture(t, "mover-a")
	mover := fixture.movers["mover-a"]
	mover.Block = make(chan struct{})
	defer close(mover.Block)
	destination, _ := fixture.addDestination(t)
	dataTransfers, err := fixture.master.Submit(context.Background(), fixture.request(destination.Name))
	require.Nil(t, err)

	controller, _ := fixture.master.Scheduler(constants.SchedulerDownload)
	controller.NextStep(context.Background())
	key := fmt.Sprintf("%d", dataTransfers[0].DataFileId)
	require.True(t, controller.IsActive(key))
	require.Eventually(t, func() bool {
		return fixture.master.UpdateDownloadProgress(dataTransfers[0].DataFileId, 1024)
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, fixture.master.UpdateDownloadProgress(99999, 1024))

	interrupted, err := fixture.master.InterruptWorker(constants.SchedulerDownload, key)
	require.Nil(t, err)
	assert.True(t, interrupted)
	require.Eventually(t, func() bool {
		controller.Sweep()
		return controller.ActiveCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, constants.StatusFetching, fixture.transfer(t, dataTransfers[0].Id).StatusCode)
}

func TestCheckHost(t *testing.T) {
	fixture := newMasterFixture(t, "mover-a")
	host := testdata.MakeHost(constants.HostTypeDissemination)
	require.Nil(t, fixture.context.DB.InsertHost(host))

	require.Nil(t, fixture.master.CheckHost(context.Background(), host.Name))
	assert.Equal(t, 1, fixture.movers["mover-a"].Calls("check"))
	stats, err := fixture.context.DB.GetHostStats(host.Name)
	require.Nil(t, err)
	assert.True(t, stats.Valid)
	assert.Equal(t, 1, stats.CheckCount)

	fixture.movers["mover-a"].Fail("check")
	assert.NotNil(t, fixture.master.CheckHost(context.Background(), host.Name))
	stats, err = fixture.context.DB.GetHostStats(host.Name)
	require.Nil(t, err)
	assert.False(t, stats.Valid)

	err = fixture.master.CheckHost(context.Background(), "no-such-host")
	assert.True(t, database.IsNotFound(err))
}

func TestPurgeMovers(t *testing.T) {
	fixture := newMasterFixture(t, "mover-a", "mover-b")
	purged, err := fixture.master.PurgeMovers(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 2, purged)
	assert.Equal(t, []string{"/spool/expired"}, fixture.movers["mover-a"].Purged())
	assert.Equal(t, []string{"/spool/expired"}, fixture.movers["mover-b"].Purged())

	fixture.movers["mover-b"].Fail("purge")
	purged, err = fixture.master.PurgeMovers(context.Background())
	assert.NotNil(t, err)
	assert.Equal(t, 1, purged)

	fixture.context.Config.PurgeDirectories = []string{"/"}
	_, err = fixture.master.PurgeMovers(context.Background())
	assert.NotNil(t, err)
	assert.Equal(t, 2, fixture.movers["mover-a"].Calls("purge"), "unsafe directories never reach the movers")

	fixture.context.Config.PurgeDirectories = nil
	_, err = fixture.master.PurgeMovers(context.Background())
	assert.NotNil(t, err)
}

func TestMoverQueries(t *testing.T) {
	fixture := newMasterFixture(t, "mover-a")
	mover := fixture.movers["mover-a"]
	mover.Report = "mover-a: 3 transfers running"
	mover.VolumeUsages = []network.VolumeUsage{{Volume: "/spool/vol0", Files: 12, Bytes: 4096}}

	report, err := fixture.master.MoverReport(context.Background(), "mover-a")
	require.Nil(t, err)
	assert.Equal(t, mover.Report, report)
	usages, err := fixture.master.VolumeUsage(context.Background(), "mover-a", 1)
	require.Nil(t, err)
	assert.Equal(t, mover.VolumeUsages, usages)
	require.Nil(t, fixture.master.CloseIncomingConnections(context.Background(), "mover-a"))
	assert.Equal(t, 1, mover.Calls("connections/close"))

	_, err = fixture.master.MoverReport(context.Background(), "no-such-mover")
	assert.NotNil(t, err)
}

func TestRegisterMover(t *testing.T) {
	fixture := newMasterFixture(t)
	server := testdata.MakeTransferServer("group-1")
	require.Nil(t, fixture.master.RegisterMover(server, "operator"))
	stored, err := fixture.context.DB.GetTransferServer(server.Name)
	require.Nil(t, err)
	assert.Equal(t, server.Address, stored.Address)

	assert.NotNil(t, fixture.master.RegisterMover(&models.TransferServer{Name: "no-address"}, "operator"))
}

func TestProxyHeartbeat(t *testing.T) {
	fixture := newMasterFixture(t)
	proxy := &models.ProxyHost{Name: "proxy-1", Address: "s3://proxy-1:9000/bucket", Group: "group-1"}
	assert.False(t, fixture.master.Services.Proxies.IsAlive("proxy-1"))
	require.Nil(t, fixture.master.ProxyHeartbeat(proxy))
	assert.True(t, fixture.master.Services.Proxies.IsAlive("proxy-1"))
	stored, err := fixture.context.DB.GetProxyHost("proxy-1")
	require.Nil(t, err)
	assert.Equal(t, proxy.Address, stored.Address)

	require.Nil(t, fixture.master.ProxyHeartbeat(proxy))
	assert.NotNil(t, fixture.master.ProxyHeartbeat(&models.ProxyHost{}))
}

func TestStopAndStartDestination(t *testing.T) {
	fixture := newMasterFixture(t, "mover-a")
	destination, _ := fixture.addDestination(t)
	dataTransfers, err := fixture.master.Submit(context.Background(), fixture.request(destination.Name))
	require.Nil(t, err)
	fixture.step(t, constants.SchedulerDownload)
	fixture.step(t, constants.SchedulerTransmission)
	require.Equal(t, constants.StatusTransferring, fixture.transfer(t, dataTransfers[0].Id).StatusCode)

	stopped, err := fixture.master.StopDestination(context.Background(), destination.Name, "operator")
	require.Nil(t, err)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, constants.StatusStopped, fixture.transfer(t, dataTransfers[0].Id).StatusCode)
	stored, err := fixture.context.DB.GetDestination(destination.Name)
	require.Nil(t, err)
	assert.Equal(t, constants.DestinationStopped, stored.StatusCode)

	require.Nil(t, fixture.master.StartDestination(destination.Name, "operator"))
	stored, err = fixture.context.DB.GetDestination(destination.Name)
	require.Nil(t, err)
	assert.True(t, stored.IsRunning())

	_, err = fixture.master.StopDestination(context.Background(), "no-such-destination", "operator")
	assert.NotNil(t, err)
}

func TestUpdateStatusRefusesIllegalChange(t *testing.T) {
	fixture := newMasterFixture(t, "mover-a")
	destination, _ := fixture.addDestination(t)
	dataTransfers, err := fixture.master.Submit(context.Background(), fixture.request(destination.Name))
	require.Nil(t, err)
	id := dataTransfers[0].Id

	err = fixture.master.UpdateStatus(context.Background(), id, constants.StatusDone, "operator", "")
	assert.NotNil(t, err)
	assert.Equal(t, constants.StatusArriving, fixture.transfer(t, id).StatusCode)

	require.Nil(t, fixture.master.UpdateStatus(context.Background(), id, constants.StatusStopped, "operator", ""))
	assert.Equal(t, constants.StatusStopped, fixture.transfer(t, id).StatusCode)
}

func TestUpdateRemoteStatus(t *testing.T) {
	fixture := newMasterFixture(t, "mover-a")
	destination, _ := fixture.addDestination(t)
	dataTransfers, err := fixture.master.Submit(context.Background(), fixture.request(destination.Name))
	require.Nil(t, err)
	id := dataTransfers[0].Id
	fixture.step(t, constants.SchedulerDownload)
	fixture.step(t, constants.SchedulerTransmission)

	update := &network.RemoteStatusUpdate{
		RemoteId:   id,
		Master:     "peer",
		StatusCode: constants.StatusDone,
		SentBytes:  4096,
		FinishTime: time.Now().UTC(),
	}
	require.Nil(t, fixture.master.UpdateRemoteStatus(update))
	current := fixture.transfer(t, id)
	assert.Equal(t, constants.StatusDone, current.StatusCode)
	assert.Equal(t, "peer", current.UserStatus)
	assert.EqualValues(t, 4096, current.SentBytes)

	update.StatusCode = constants.StatusFailed
	require.Nil(t, fixture.master.UpdateRemoteStatus(update))
	assert.Equal(t, constants.StatusDone, fixture.transfer(t, id).StatusCode)

	update.StatusCode = "BOGUS"
	assert.NotNil(t, fixture.master.UpdateRemoteStatus(update))
}

func TestImportDestination(t *testing.T) {
	remoteDestination := testdata.MakeDestination()
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := network.NodeResponse{Succeeded: true}
		if r.URL.Query().Get("name") == remoteDestination.Name {
			response.Data, _ = json.Marshal(remoteDestination)
		} else {
			response = network.NodeResponse{ErrorMessage: "destination not found"}
		}
		data, _ := json.Marshal(response)
		w.Write(data)
	}))
	defer peer.Close()

	fixture := newMasterFixture(t)
	fixture.context.RemoteMasters = map[string]*network.RemoteMaster{
		"peer": network.NewRemoteMaster("peer", peer.URL, "local"),
	}
	imported, err := fixture.master.ImportDestination(context.Background(), "peer", remoteDestination.Name, "operator")
	require.Nil(t, err)
	assert.Equal(t, "peer", imported.RemoteMaster)
	stored, err := fixture.context.DB.GetDestination(remoteDestination.Name)
	require.Nil(t, err)
	assert.Equal(t, "peer", stored.RemoteMaster)
	assert.Equal(t, remoteDestination.MaxRequeue, stored.MaxRequeue)

	_, err = fixture.master.ImportDestination(context.Background(), "peer", "missing", "operator")
	assert.NotNil(t, err)
	_, err = fixture.master.ImportDestination(context.Background(), "unknown-peer", remoteDestination.Name, "operator")
	assert.NotNil(t, err)
}

func TestHostUpdates(t *testing.T) {
	fixture := newMasterFixture(t)
	host := testdata.MakeHost(constants.HostTypeAcquisition)
	require.Nil(t, fixture.context.DB.InsertHost(host))

	readTime := time.Now().UTC()
	require.Nil(t, fixture.master.UpdateHostData(host.Name, "passive=yes", readTime, "operator"))
	stored, err := fixture.context.DB.GetHost(host.Name)
	require.Nil(t, err)
	assert.Equal(t, "passive=yes", stored.Data)
	assert.False(t, stored.DataUpdate.Before(readTime))

	// Written with a read that predates the last write.
	err = fixture.master.UpdateHostData(host.Name, "passive=no", readTime.Add(-time.Minute), "operator")
	assert.ErrorIs(t, err, master.ErrStaleUpdate)
	stored, err = fixture.context.DB.GetHost(host.Name)
	require.Nil(t, err)
	assert.Equal(t, "passive=yes", stored.Data)

	require.Nil(t, fixture.master.UpdateHostStats(&models.HostStats{HostName: host.Name, Valid: true, CheckCount: 4}))
	hostStats, err := fixture.context.DB.GetHostStats(host.Name)
	require.Nil(t, err)
	assert.Equal(t, 4, hostStats.CheckCount)

	require.Nil(t, fixture.master.UpdateHostLocation(&models.HostLocation{HostName: host.Name, IP: "10.0.0.7"}))
	location, err := fixture.context.DB.GetHostLocation(host.Name)
	require.Nil(t, err)
	assert.Equal(t, "10.0.0.7", location.IP)
	assert.False(t, location.UpdateTime.IsZero())

	now := time.Now().UTC()
	require.Nil(t, fixture.master.UpdateHostOutput(&models.HostOutput{HostName: host.Name, Output: "new", AcquisitionTime: now}))
	require.Nil(t, fixture.master.UpdateHostOutput(&models.HostOutput{HostName: host.Name, Output: "old",
		AcquisitionTime: now.Add(-time.Hour)}))
	output, err := fixture.context.DB.GetHostOutput(host.Name)
	require.Nil(t, err)
	assert.Equal(t, "new", output.Output)

	assert.NotNil(t, fixture.master.UpdateHostStats(&models.HostStats{}))
	assert.NotNil(t, fixture.master.UpdateHostLocation(&models.HostLocation{}))
	assert.NotNil(t, fixture.master.UpdateHostOutput(&models.HostOutput{}))
	assert.NotNil(t, fixture.master.UpdateHostData("no-such-host", "", time.Now(), "operator"))
}
