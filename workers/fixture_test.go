package workers_test

import (
	"sync"
	"testing"
	"time"

	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/progress"
	"github.com/ecpds/master/repository"
	"github.com/ecpds/master/script"
	"github.com/ecpds/master/testdata"
	"github.com/ecpds/master/ticket"
	"github.com/ecpds/master/transfer"
	"github.com/ecpds/master/util/logger"
	"github.com/ecpds/master/util/mutex"
	"github.com/ecpds/master/util/testutil"
	"github.com/ecpds/master/workers"
	"github.com/stretchr/testify/require"
)

// spyPublisher records what would go to NSQ.
type spyPublisher struct {
	mutex  sync.Mutex
	topics []string
	values []interface{}
}

func (publisher *spyPublisher) PublishJson(topic string, value interface{}) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.topics = append(publisher.topics, topic)
	publisher.values = append(publisher.values, value)
	return nil
}

func (publisher *spyPublisher) count() int {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	return len(publisher.topics)
}

type workerFixture struct {
	config    *models.Config
	db        *database.BoltStore
	services  *workers.Services
	movers    map[string]*testutil.FakeNode
	mailer    *testutil.SpyMailer
	publisher *spyPublisher
}

// newWorkerFixture builds the services with one active FakeNode
// mover per name, all in transfer group "group-1".
func newWorkerFixture(t *testing.T, schedulers map[string]models.SchedulerConfig, movers ...string) *workerFixture {
	config := testutil.TestConfig()
	for name, schedulerConfig := range schedulers {
		config.Schedulers[name] = schedulerConfig
	}
	log := logger.DiscardLogger("workers_test")
	db := testutil.NewTestStore(t)
	lookup := func(name string) (repository.StatusNotifier, bool) { return nil, false }
	events := repository.NewEventRepository(config.EventRepository, db, log)
	notifications := repository.NewNotificationRepository(config.NotificationRepository, lookup, log)
	tickets := ticket.NewRegistry(time.Hour, log)
	t.Cleanup(tickets.Close)

	fixture := &workerFixture{
		config:    config,
		db:        db,
		movers:    make(map[string]*testutil.FakeNode),
		mailer:    testutil.NewSpyMailer(),
		publisher: &spyPublisher{},
	}
	services := &workers.Services{
		Config:    config,
		DB:        db,
		Transfers: repository.NewTransferRepository(config.TransferRepository, db, events, notifications, log),
		History:   repository.NewHistoryRepository(config.HistoryRepository, db, logger.DiscardJournal(), log),
		Proxies:   repository.NewProxyHostRepository(config.ProxyHostRepository, time.Minute, db, log),
		Nodes:     network.NewNodeRegistry(nil),
		Locks:     mutex.NewProvider(),
		Progress:  progress.NewRegistry(),
		Evaluator: script.NewEngine(time.Second),
		Publisher: fixture.publisher,
		Mailer:    fixture.mailer,
		Log:       log,
	}
	services.Manager = transfer.NewManager(db, services.Transfers, services.History, tickets,
		services.Node, fixture.mailer, services.Locks, config, log)
	fixture.services = services
	for _, name := range movers {
		fixture.addMover(t, name, "group-1")
	}
	return fixture
}

func (fixture *workerFixture) addMover(t *testing.T, name, group string) *testutil.FakeNode {
	server := &models.TransferServer{Name: name, Group: group, Address: "http://" + name + ":8080", Active: true}
	require.Nil(t, fixture.db.InsertTransferServer(server))
	node := testutil.NewFakeNode(name)
	fixture.services.Nodes.Register(name, node)
	fixture.movers[name] = node
	return node
}

// insertFile stores a destination, a file on the mover and one
// transfer per status.
func (fixture *workerFixture) insertFile(t *testing.T, destination *models.Destination, mover string,
	statuses ...string) (*models.DataFile, []*models.DataTransfer) {
	require.Nil(t, fixture.db.InsertDestination(destination))
	dataFile := testdata.MakeDataFile()
	dataFile.Downloaded = mover != ""
	dataFile.TransferServer = mover
	require.Nil(t, fixture.db.InsertDataFile(dataFile))
	dataTransfers := make([]*models.DataTransfer, 0, len(statuses))
	for _, status := range statuses {
		dataTransfer := testdata.MakeDataTransfer(dataFile, destination.Name, "")
		dataTransfer.StatusCode = status
		dataTransfer.UniqueKey = testdata.RandomFileName()
		require.Nil(t, fixture.db.InsertDataTransfer(dataTransfer))
		dataTransfers = append(dataTransfers, dataTransfer)
	}
	return dataFile, dataTransfers
}

func (fixture *workerFixture) historyCodes(t *testing.T, id int64) []string {
	fixture.services.History.Flush()
	rows, err := fixture.db.GetTransferHistory(id)
	require.Nil(t, err)
	codes := make([]string, len(rows))
	for i, row := range rows {
		codes[i] = row.StatusCode
	}
	return codes
}

func (fixture *workerFixture) transfer(t *testing.T, id int64) *models.DataTransfer {
	dataTransfer, err := fixture.services.Manager.Transfer(id)
	require.Nil(t, err)
	return dataTransfer
}

func (fixture *workerFixture) dataFile(t *testing.T, id int64) *models.DataFile {
	dataFile, err := fixture.db.GetDataFile(id)
	require.Nil(t, err)
	return dataFile
}
