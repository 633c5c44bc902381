// Package database is the system of record of the master. The rest
// of the code only sees the DataBase interface; BoltStore is the
// embedded implementation.
package database

import (
	"github.com/ecpds/master/models"
	"github.com/pkg/errors"
)

// ErrNotFound is the cause of every lookup or update of a row that
// does not exist. Test with IsNotFound.
var ErrNotFound = errors.New("not found")

// IsNotFound returns true if err was caused by a missing row.
func IsNotFound(err error) bool {
	return err != nil && errors.Cause(err) == ErrNotFound
}

// DataBase is what the master needs from its store. Every candidate
// selection takes a batch-size limit; a limit <= 0 means no limit.
// Selections return rows in dispatch order (priority, then age).
type DataBase interface {
	// Data files
	GetDataFile(id int64) (*models.DataFile, error)
	InsertDataFile(dataFile *models.DataFile) error
	UpdateDataFile(dataFile *models.DataFile) error
	DeleteDataFile(id int64) error

	// Data transfers
	GetDataTransfer(id int64) (*models.DataTransfer, error)
	InsertDataTransfer(transfer *models.DataTransfer) error
	UpdateDataTransfer(transfer *models.DataTransfer) error
	TryUpdateDataTransfer(transfer *models.DataTransfer) bool
	GetDataTransfersByDataFile(dataFileId int64) ([]*models.DataTransfer, error)
	FindDataTransfer(destination, uniqueKey string) (*models.DataTransfer, error)

	// Destinations, hosts and their satellites
	GetDestination(name string) (*models.Destination, error)
	GetDestinations() ([]*models.Destination, error)
	InsertDestination(destination *models.Destination) error
	UpdateDestination(destination *models.Destination) error
	GetAssociations(destination string) ([]*models.Association, error)
	InsertAssociation(association *models.Association) error
	GetHost(name string) (*models.Host, error)
	GetHosts() ([]*models.Host, error)
	InsertHost(host *models.Host) error
	UpdateHost(host *models.Host) error
	GetHostStats(name string) (*models.HostStats, error)
	UpdateHostStats(stats *models.HostStats) error
	GetHostLocation(name string) (*models.HostLocation, error)
	UpdateHostLocation(location *models.HostLocation) error
	GetHostOutput(name string) (*models.HostOutput, error)
	UpdateHostOutput(output *models.HostOutput) error

	// Movers and proxies
	GetTransferServer(name string) (*models.TransferServer, error)
	GetTransferServers(group string) ([]*models.TransferServer, error)
	InsertTransferServer(server *models.TransferServer) error
	GetTransferGroup(name string) (*models.TransferGroup, error)
	InsertTransferGroup(group *models.TransferGroup) error
	GetProxyHost(name string) (*models.ProxyHost, error)
	GetProxyHosts() ([]*models.ProxyHost, error)
	UpdateProxyHost(proxy *models.ProxyHost) error

	// Publications, history and accounting
	GetPublication(id int64) (*models.Publication, error)
	InsertPublication(publication *models.Publication) error
	UpdatePublication(publication *models.Publication) error
	InsertTransferHistory(history *models.TransferHistory) error
	GetTransferHistory(dataTransferId int64) ([]*models.TransferHistory, error)
	InsertUploadHistory(upload *models.UploadHistory) error
	GetUploadHistory(dataTransferId int64) ([]*models.UploadHistory, error)
	InsertChangeLog(change *models.ChangeLog) error

	// Candidate selections
	GetDataFilesToDownload(acquisition bool, limit int) ([]*models.DataFile, error)
	GetDataTransfersToTransmit(limit int) ([]*models.DataTransfer, error)
	GetDataTransfersToReplicate(limit int) ([]*models.DataTransfer, error)
	GetDataTransfersToBackup(limit int) ([]*models.DataTransfer, error)
	GetDataTransfersToProxy(limit int) ([]*models.DataTransfer, error)
	GetExpiredDataFiles(limit int) ([]*models.DataFile, error)
	GetDataFilesToFilter(limit int) ([]*models.DataFile, error)
	GetPublications(limit int) ([]*models.Publication, error)
	GetHostsToCheck(limit int) ([]*models.Host, error)
	GetDestinationsAndHostsForType(hostType string, limit int) ([]*models.DestinationHost, error)

	Close()
}
