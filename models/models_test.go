package models_test

import (
	"testing"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTransferTimes(t *testing.T) {
	now := time.Now()
	transfer := &models.DataTransfer{Id: 42, Destination: "dest", UniqueKey: "file-1"}
	assert.Equal(t, "42", transfer.Key())
	assert.Equal(t, "dest/file-1", transfer.LockKey())
	assert.False(t, transfer.IsExpired(now))
	assert.True(t, transfer.IsDue(now))

	transfer.ExpiryTime = now.Add(-time.Second)
	assert.True(t, transfer.IsExpired(now))

	transfer.ScheduledTime = now.Add(time.Minute)
	assert.False(t, transfer.IsDue(now))
	transfer.ScheduledTime = time.Time{}
	transfer.RetryTime = now.Add(time.Minute)
	assert.False(t, transfer.IsDue(now))

	transfer.StatusCode = constants.StatusQueued
	assert.Equal(t, "Queued", transfer.StatusName())

	copied := transfer.Copy()
	copied.StatusCode = constants.StatusDone
	assert.Equal(t, constants.StatusQueued, transfer.StatusCode)
}

func TestDataFileFilterAndLocations(t *testing.T) {
	dataFile := &models.DataFile{Id: 1234, Name: "data.grib", Size: 100}
	assert.False(t, dataFile.HasFilter())
	assert.EqualValues(t, 100, dataFile.TransmittedSize())
	assert.Equal(t, "234/1234-data.grib", dataFile.SpoolPath())

	dataFile.FilterName = "gzip"
	dataFile.FilterSize = 40
	assert.True(t, dataFile.HasFilter())
	assert.EqualValues(t, 100, dataFile.TransmittedSize())
	dataFile.FilterTime = time.Now()
	assert.EqualValues(t, 40, dataFile.TransmittedSize())

	assert.Empty(t, dataFile.Locations())
	dataFile.TransferServer = "mover-1"
	dataFile.ReplicaServer = "mover-2"
	assert.Equal(t, []string{"mover-1", "mover-2"}, dataFile.Locations())
}

func TestDestinationSetup(t *testing.T) {
	destination := &models.Destination{
		StatusCode: constants.DestinationRunning,
		Setup: map[string]string{
			"retries": "3",
			"compress": "true",
			"bogus":   "x",
		},
	}
	assert.True(t, destination.IsRunning())
	assert.Equal(t, 3, destination.SetupInt("retries", 1))
	assert.Equal(t, 1, destination.SetupInt("bogus", 1))
	assert.True(t, destination.SetupBool("compress", false))
	assert.False(t, destination.SetupBool("missing", false))
	assert.Equal(t, "x", destination.SetupString("bogus", "y"))
	assert.Equal(t, "y", destination.SetupString("missing", "y"))
}

func TestHostDue(t *testing.T) {
	now := time.Now()
	host := &models.Host{Name: "h", Active: true, CheckEnabled: true, CheckFrequency: time.Minute}
	assert.True(t, host.CheckDue(nil, now))
	stats := &models.HostStats{CheckTime: now.Add(-30 * time.Second)}
	assert.False(t, host.CheckDue(stats, now))
	stats.CheckTime = now.Add(-2 * time.Minute)
	assert.True(t, host.CheckDue(stats, now))

	host.AcquisitionFrequency = time.Hour
	assert.True(t, host.AcquisitionDue(nil, now))
	assert.False(t, host.AcquisitionDue(&models.HostOutput{AcquisitionTime: now}, now))
	host.Active = false
	assert.False(t, host.AcquisitionDue(nil, now))
}

func TestPublicationOptions(t *testing.T) {
	publication := &models.Publication{Options: "mqtt; lang=js; topic=ecpds/$destination"}
	assert.True(t, publication.HasMarker(constants.PublicationMQTT))
	assert.False(t, publication.HasMarker(constants.PublicationNSQ))
	assert.Equal(t, "js", publication.Option("lang", "python"))
	assert.Equal(t, "ecpds/$destination", publication.Option("topic", ""))
	assert.Equal(t, "none", publication.Option("missing", "none"))
}

func TestMoverReportFromJson(t *testing.T) {
	report, err := models.MoverReportFromJson([]byte(`{"data_transfer_id":7,"mover":"m1","status_code":"DONE"}`))
	require.Nil(t, err)
	assert.EqualValues(t, 7, report.DataTransferId)
	assert.Equal(t, "m1", report.Mover)

	_, err = models.MoverReportFromJson([]byte(`{"mover":"m1"}`))
	assert.NotNil(t, err)
	_, err = models.MoverReportFromJson([]byte(`{"data_transfer_id":7}`))
	assert.NotNil(t, err)
	_, err = models.MoverReportFromJson([]byte(`{"data_transfer_id":7,"progress":true,"sent_bytes":10}`))
	assert.Nil(t, err)
	_, err = models.MoverReportFromJson([]byte(`not json`))
	assert.NotNil(t, err)
}

func TestTransferRequestValidate(t *testing.T) {
	request := &models.TransferRequest{}
	assert.NotNil(t, request.Validate())
	request.Destination = "d"
	assert.NotNil(t, request.Validate())
	request.Original = "/data/file"
	assert.NotNil(t, request.Validate())
	request.Target = "file"
	assert.Nil(t, request.Validate())
}
