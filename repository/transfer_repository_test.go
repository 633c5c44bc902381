package repository_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/repository"
	"github.com/ecpds/master/testdata"
	"github.com/ecpds/master/util/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spyNotifier struct {
	mutex   sync.Mutex
	updates []int64
}

func (notifier *spyNotifier) UpdateLocalTransferStatus(ctx context.Context, remoteId int64, transfer *models.DataTransfer) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.updates = append(notifier.updates, remoteId)
	return nil
}

type repositories struct {
	db            *database.BoltStore
	transfers     *repository.TransferRepository
	history       *repository.HistoryRepository
	events        *repository.EventRepository
	notifications *repository.NotificationRepository
	notifier      *spyNotifier
}

func openRepositories(t *testing.T) (*repositories, func()) {
	tempFile, err := ioutil.TempFile("", "repository_test")
	require.Nil(t, err)
	tempFile.Close()
	db, err := database.NewBoltStore(tempFile.Name())
	require.Nil(t, err)

	log := logger.DiscardLogger("repository_test")
	config := models.RepositoryConfig{}
	notifier := &spyNotifier{}
	lookup := func(name string) (repository.StatusNotifier, bool) {
		if name == "peer" {
			return notifier, true
		}
		return nil, false
	}
	repos := &repositories{db: db, notifier: notifier}
	repos.events = repository.NewEventRepository(config, db, log)
	repos.notifications = repository.NewNotificationRepository(config, lookup, log)
	repos.transfers = repository.NewTransferRepository(config, db, repos.events, repos.notifications, log)
	repos.history = repository.NewHistoryRepository(config, db, logger.DiscardJournal(), log)
	return repos, func() {
		db.Close()
		os.Remove(tempFile.Name())
	}
}

func insertTransfer(t *testing.T, db *database.BoltStore, status string) (*models.Destination, *models.DataTransfer) {
	destination := testdata.MakeDestination()
	destination.EventOptions = "lang=js"
	require.Nil(t, db.InsertDestination(destination))
	dataFile := testdata.MakeDataFile()
	require.Nil(t, db.InsertDataFile(dataFile))
	transfer := testdata.MakeDataTransfer(dataFile, destination.Name, "host")
	transfer.StatusCode = status
	require.Nil(t, db.InsertDataTransfer(transfer))
	return destination, transfer
}

func TestTransferRepositoryFlush(t *testing.T) {
	repos, cleanup := openRepositories(t)
	defer cleanup()

	_, transfer := insertTransfer(t, repos.db, constants.StatusQueued)
	transfer.StatusCode = constants.StatusTransferring
	transfer.SentBytes = 500
	transfer.Event = true
	transfer.RemoteMaster = "peer"
	transfer.RemoteId = 77
	repos.transfers.Cache(transfer)

	// Live EXEC rows are written behind on every pass.
	repos.transfers.Flush()
	stored, err := repos.db.GetDataTransfer(transfer.Id)
	require.Nil(t, err)
	assert.Equal(t, constants.StatusTransferring, stored.StatusCode)
	assert.EqualValues(t, 500, stored.SentBytes)
	assert.Equal(t, 1, len(repos.transfers.Executing("")))
	assert.Equal(t, 1, len(repos.transfers.Executing(transfer.Destination)))
	assert.Equal(t, 0, len(repos.transfers.Executing("other")))

	cached := repos.transfers.GetDataTransferFromCache(transfer.Id)
	require.NotNil(t, cached)
	cached.StatusCode = constants.StatusDone
	repos.transfers.Cache(cached)

	repos.transfers.Flush()
	assert.Nil(t, repos.transfers.GetDataTransferFromCache(transfer.Id))
	stored, err = repos.db.GetDataTransfer(transfer.Id)
	require.Nil(t, err)
	assert.Equal(t, constants.StatusDone, stored.StatusCode)
	assert.Equal(t, 1, repos.events.Len())
	assert.Equal(t, 1, repos.notifications.Len())

	inserted := 0
	repos.events.OnInsert = func(*models.Publication) { inserted++ }
	repos.events.Flush()
	publications, err := repos.db.GetPublications(10)
	require.Nil(t, err)
	require.Equal(t, 1, len(publications))
	assert.Equal(t, transfer.Id, publications[0].DataTransferId)
	assert.Equal(t, "lang=js", publications[0].Options)
	assert.Equal(t, 1, inserted)

	repos.notifications.Flush()
	assert.Equal(t, []int64{77}, repos.notifier.updates)
	assert.Equal(t, 0, repos.notifications.Len())
}

func TestTransferRepositorySkipsTransient(t *testing.T) {
	repos, cleanup := openRepositories(t)
	defer cleanup()

	_, transfer := insertTransfer(t, repos.db, constants.StatusQueued)
	transfer.StatusCode = constants.StatusFetching
	repos.transfers.Cache(transfer)
	repos.transfers.Flush()

	stored, err := repos.db.GetDataTransfer(transfer.Id)
	require.Nil(t, err)
	assert.Equal(t, constants.StatusQueued, stored.StatusCode)
	assert.NotNil(t, repos.transfers.GetDataTransferFromCache(transfer.Id))
}

func TestHistoryRepository(t *testing.T) {
	repos, cleanup := openRepositories(t)
	defer cleanup()

	transfer := &models.DataTransfer{Id: 3, StatusCode: constants.StatusQueued, Comment: "queued"}
	repos.history.Add(models.NewTransferHistory(transfer, constants.SystemUser, false))
	transfer.StatusCode = constants.StatusTransferring
	repos.history.Add(models.NewTransferHistory(transfer, constants.SystemUser, false))
	assert.Equal(t, 2, repos.history.Len())

	assert.Equal(t, 2, repos.history.Flush())
	assert.Equal(t, 0, repos.history.Len())
	rows, err := repos.db.GetTransferHistory(3)
	require.Nil(t, err)
	assert.Equal(t, 2, len(rows))
}

func TestNotificationUnknownMaster(t *testing.T) {
	repos, cleanup := openRepositories(t)
	defer cleanup()

	transfer := &models.DataTransfer{Id: 9, StatusCode: constants.StatusDone, RemoteMaster: "stranger"}
	repos.notifications.Put(repository.NewTransferEvent(transfer))
	assert.Equal(t, 0, repos.notifications.Flush())
	assert.Equal(t, 0, repos.notifications.Len())
	assert.Empty(t, repos.notifier.updates)
}

func TestProxyHostRepository(t *testing.T) {
	repos, cleanup := openRepositories(t)
	defer cleanup()

	now := time.Now()
	proxies := repository.NewProxyHostRepository(models.RepositoryConfig{}, time.Minute, repos.db,
		logger.DiscardLogger("repository_test"))
	proxies.SetClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		proxies.Heartbeat(&models.ProxyHost{Name: fmt.Sprintf("proxy-%d", i)})
	}
	assert.True(t, proxies.IsAlive("proxy-0"))
	assert.False(t, proxies.IsAlive("proxy-9"))
	assert.Equal(t, 2, proxies.Flush())
	stored, err := repos.db.GetProxyHosts()
	require.Nil(t, err)
	assert.Equal(t, 2, len(stored))

	now = now.Add(2 * time.Minute)
	proxies.Heartbeat(&models.ProxyHost{Name: "proxy-1"})
	assert.False(t, proxies.IsAlive("proxy-0"))
	assert.Equal(t, 1, len(proxies.Alive()))
	assert.Equal(t, map[string]string{"proxy-0": "Lost", "proxy-1": "Alive"}, proxies.Statuses())

	// Lost proxies leave without a flush.
	assert.Equal(t, 1, proxies.Flush())
	assert.Equal(t, 1, proxies.Len())
}
