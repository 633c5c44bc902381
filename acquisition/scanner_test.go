package acquisition_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ecpds/master/acquisition"
	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/progress"
	"github.com/ecpds/master/script"
	"github.com/ecpds/master/testdata"
	"github.com/ecpds/master/util/logger"
	"github.com/ecpds/master/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeRegistrar registers requests straight into the store.
type storeRegistrar struct {
	db        *database.BoltStore
	mutex     sync.Mutex
	requests  []*models.TransferRequest
	transfers []*models.DataTransfer
}

func (registrar *storeRegistrar) Submit(ctx context.Context, request *models.TransferRequest) ([]*models.DataTransfer, error) {
	registrar.mutex.Lock()
	defer registrar.mutex.Unlock()
	registrar.requests = append(registrar.requests, request)
	dataFile := &models.DataFile{
		Original:    request.Original,
		Source:      request.Source,
		Name:        request.Target,
		Size:        request.Size,
		Acquisition: true,
		RemoteSize:  request.RemoteSize,
		RemoteTime:  request.RemoteTime,
	}
	if err := registrar.db.InsertDataFile(dataFile); err != nil {
		return nil, err
	}
	dataTransfer := testdata.MakeDataTransfer(dataFile, request.Destination, request.Source)
	dataTransfer.UniqueKey = request.UniqueKey
	dataTransfer.StatusCode = constants.StatusArriving
	if err := registrar.db.InsertDataTransfer(dataTransfer); err != nil {
		return nil, err
	}
	registrar.transfers = append(registrar.transfers, dataTransfer)
	return []*models.DataTransfer{dataTransfer}, nil
}

func (registrar *storeRegistrar) count() int {
	registrar.mutex.Lock()
	defer registrar.mutex.Unlock()
	return len(registrar.requests)
}

func newScanner(t *testing.T) (*acquisition.Scanner, *storeRegistrar, *progress.Registry) {
	db := testutil.NewTestStore(t)
	registrar := &storeRegistrar{db: db}
	locks := progress.NewRegistry()
	scanner := acquisition.NewScanner(db, registrar, locks, script.NewEngine(time.Second),
		logger.DiscardLogger("acquisition_test"))
	scanner.SetClock(func() time.Time { return listingNow })
	return scanner, registrar, locks
}

func TestScanRegistersNewFilesOnce(t *testing.T) {
	scanner, registrar, locks := newScanner(t)
	destination := testdata.MakeDestination()
	host := testdata.MakeHost(constants.HostTypeAcquisition)
	host.Dir = "[parallel=3;age>=5m] /data/$date {.*\\.grib}"
	node := testutil.NewFakeNode("mover-1")
	node.ListLines = []string{
		"total 16",
		"-rw-r--r-- 1 u g 100 2024-03-01 10:00 a.grib",
		"-rw-r--r-- 1 u g 200 2024-03-01 10:01 b.grib",
		"-rw-r--r-- 1 u g 300 2024-03-01 10:02 c.grib",
		"-rw-r--r-- 1 u g 300 2024-03-01 10:02 notes.txt",
		"-rw-r--r-- 1 u g 300 2024-03-01 11:59 fresh.grib",
	}

	result, err := scanner.Scan(context.Background(), destination, host, node)
	require.Nil(t, err)
	assert.Equal(t, 5, result.Listed)
	assert.Equal(t, 3, result.Registered)
	assert.Equal(t, 2, result.Skipped)
	assert.False(t, result.Summary.HasErrors())
	assert.Equal(t, 3, registrar.count())
	assert.Equal(t, 0, locks.Len())

	// Nothing new the second time.
	result, err = scanner.Scan(context.Background(), destination, host, node)
	require.Nil(t, err)
	assert.Equal(t, 0, result.Registered)
	assert.Equal(t, 3, registrar.count())
	assert.Equal(t, 2, node.Calls("list"))
}

func TestScanRequeuesChangedFiles(t *testing.T) {
	scanner, registrar, _ := newScanner(t)
	destination := testdata.MakeDestination()
	host := testdata.MakeHost(constants.HostTypeAcquisition)
	host.Dir = "[requeueon=size != previousSize] /data"
	node := testutil.NewFakeNode("mover-1")
	node.ListLines = []string{"-rw-r--r-- 1 u g 100 2024-03-01 10:00 a.grib"}

	result, err := scanner.Scan(context.Background(), destination, host, node)
	require.Nil(t, err)
	assert.Equal(t, 1, result.Registered)

	node.ListLines = []string{"-rw-r--r-- 1 u g 150 2024-03-01 10:05 a.grib"}
	result, err = scanner.Scan(context.Background(), destination, host, node)
	require.Nil(t, err)
	assert.Equal(t, 1, result.Requeued)
	require.Equal(t, 2, registrar.count())
	assert.EqualValues(t, 150, registrar.requests[1].Size)

	first, err := registrar.db.GetDataTransfer(registrar.transfers[0].Id)
	require.Nil(t, err)
	assert.True(t, first.Deleted)
	current, err := registrar.db.FindDataTransfer(destination.Name, "/data/a.grib")
	require.Nil(t, err)
	assert.Equal(t, registrar.transfers[1].Id, current.Id)
}

func TestScanSkipsLockedFiles(t *testing.T) {
	scanner, registrar, locks := newScanner(t)
	destination := testdata.MakeDestination()
	host := testdata.MakeHost(constants.HostTypeAcquisition)
	host.Dir = "/data"
	node := testutil.NewFakeNode("mover-1")
	node.ListLines = []string{"-rw-r--r-- 1 u g 100 2024-03-01 10:00 a.grib"}

	key := models.TransferLockKey(destination.Name, "/data/a.grib")
	_, locked := locks.LockTransfer(key, progress.NewHandle(key, "/data", 0, 100))
	require.True(t, locked)

	result, err := scanner.Scan(context.Background(), destination, host, node)
	require.Nil(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, registrar.count())
}

func TestScanRecordsListingErrors(t *testing.T) {
	scanner, _, _ := newScanner(t)
	destination := testdata.MakeDestination()
	host := testdata.MakeHost(constants.HostTypeAcquisition)
	host.Dir = "/data/a\n/data/b"
	node := testutil.NewFakeNode("mover-1")
	node.Fail("list")

	result, err := scanner.Scan(context.Background(), destination, host, node)
	require.Nil(t, err)
	assert.Equal(t, 2, len(result.Summary.Errors))
	assert.Equal(t, 2, node.Calls("list"))

	host.Dir = "[size>=1 /data"
	_, err = scanner.Scan(context.Background(), destination, host, node)
	assert.NotNil(t, err)
}
