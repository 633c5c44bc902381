package workers

import (
	"fmt"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/progress"
	"github.com/ecpds/master/repository"
	"github.com/ecpds/master/script"
	"github.com/ecpds/master/transfer"
	"github.com/ecpds/master/util/mutex"
	"github.com/op/go-logging"
)

// EventPublisher sends a JSON document to an NSQ topic.
// network.NSQClient is the production implementation.
type EventPublisher interface {
	PublishJson(topic string, value interface{}) error
}

// Services holds what the scheduler policies share. The master
// builds one and hands it to every policy.
type Services struct {
	Config    *models.Config
	DB        database.DataBase
	Transfers *repository.TransferRepository
	History   *repository.HistoryRepository
	Proxies   *repository.ProxyHostRepository
	Manager   *transfer.Manager
	Nodes     *network.NodeRegistry
	Locks     *mutex.Provider
	Progress  *progress.Registry
	Evaluator script.Evaluator
	Publisher EventPublisher
	Mailer    network.Mailer
	Log       *logging.Logger

	now func() time.Time
}

// Now returns the current time in UTC.
func (services *Services) Now() time.Time {
	if services.now == nil {
		return time.Now().UTC()
	}
	return services.now().UTC()
}

// SetClock replaces the clock of every policy built on these
// services.
func (services *Services) SetClock(now func() time.Time) {
	services.now = now
}

// schedulerConfig returns the config section of a scheduler, or an
// empty one.
func (services *Services) schedulerConfig(name string) models.SchedulerConfig {
	if services.Config == nil {
		return models.SchedulerConfig{}
	}
	config, _ := services.Config.SchedulerConfig(name)
	return config
}

// Node returns the client of the named mover or proxy host.
func (services *Services) Node(name string) (network.NodeClient, error) {
	server, err := services.DB.GetTransferServer(name)
	if err == nil {
		if !server.Active {
			return nil, fmt.Errorf("Mover %s is not active", name)
		}
		return services.Nodes.Client(server.Name, server.Address)
	}
	if !database.IsNotFound(err) {
		return nil, err
	}
	proxy, err := services.DB.GetProxyHost(name)
	if err != nil {
		return nil, fmt.Errorf("Unknown node %s: %v", name, err)
	}
	return services.Nodes.Client(proxy.Name, proxy.Address)
}

// Movers returns the clients of the active movers of a transfer
// group, or of every group when group is empty. Movers whose client
// cannot be built are logged and left out.
func (services *Services) Movers(group string) ([]network.NodeClient, error) {
	servers, err := services.DB.GetTransferServers(group)
	if err != nil {
		return nil, err
	}
	clients := make([]network.NodeClient, 0, len(servers))
	for _, server := range servers {
		if !server.Active {
			continue
		}
		client, err := services.Nodes.Client(server.Name, server.Address)
		if err != nil {
			services.Log.Warningf("Cannot reach mover %s: %v", server.Name, err)
			continue
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("No active mover in transfer group '%s'", group)
	}
	return clients, nil
}

// Record appends a history row to the transfer without touching
// its status.
func (services *Services) Record(dataTransfer *models.DataTransfer, statusCode, comment string, isError bool) {
	row := models.NewTransferHistory(dataTransfer, constants.SystemUser, isError)
	row.StatusCode = statusCode
	row.Comment = comment
	services.History.Add(row)
}

// UpdateTransfersOfFile applies change to every transfer of the data
// file that is not deleted; change returns false to leave a transfer
// alone. The cached copy is changed when a mover works on the
// transfer, so that the next flush does not undo it.
func (services *Services) UpdateTransfersOfFile(dataFileId int64, change func(*models.DataTransfer) bool) (int, error) {
	dataTransfers, err := services.DB.GetDataTransfersByDataFile(dataFileId)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, dataTransfer := range dataTransfers {
		if dataTransfer.Deleted {
			continue
		}
		err = services.Locks.Do(mutex.TransferKey(dataTransfer.Id), func() error {
			current := dataTransfer
			cached := services.Transfers.GetDataTransferFromCache(dataTransfer.Id)
			if cached != nil {
				current = cached
			}
			if !change(current) {
				return nil
			}
			if cached != nil {
				services.Transfers.Cache(current)
			}
			updated++
			return services.DB.UpdateDataTransfer(current)
		})
		if err != nil {
			return updated, fmt.Errorf("Cannot update transfer %d: %v", dataTransfer.Id, err)
		}
	}
	return updated, nil
}

// upload records an accounting row for a copy of a spool file.
func (services *Services) upload(dataTransfer *models.DataTransfer, kind, mover, target string,
	summary *models.WorkSummary) {
	row := &models.UploadHistory{
		DataTransferId: dataTransfer.Id,
		Kind:           kind,
		Mover:          mover,
		Target:         target,
		Bytes:          summary.Bytes,
		Duration:       summary.RunTime(),
		Time:           services.Now(),
	}
	if err := services.DB.InsertUploadHistory(row); err != nil {
		services.Log.Warningf("Cannot record %s of transfer %d: %v", kind, dataTransfer.Id, err)
	}
}

// countActive returns how many of the active items share the key.
func countActive[T any](active []T, key string, keyOf func(T) string) int {
	count := 0
	for _, item := range active {
		if keyOf(item) == key {
			count++
		}
	}
	return count
}

func maxThreads(config models.SchedulerConfig, defaultValue int) int {
	if config.MaxThreads > 0 {
		return config.MaxThreads
	}
	return defaultValue
}
