package database

import (
	"sort"
	"time"

	"github.com/ecpds/master/models"
	"github.com/ecpds/master/util/storage"
	"github.com/pkg/errors"
)

const (
	bucketDataFiles       = "data_files"
	bucketDataTransfers   = "data_transfers"
	bucketDestinations    = "destinations"
	bucketAssociations    = "associations"
	bucketHosts           = "hosts"
	bucketHostStats       = "host_stats"
	bucketHostLocations   = "host_locations"
	bucketHostOutputs     = "host_outputs"
	bucketTransferServers = "transfer_servers"
	bucketTransferGroups  = "transfer_groups"
	bucketProxyHosts      = "proxy_hosts"
	bucketPublications    = "publications"
	bucketTransferHistory = "transfer_history"
	bucketUploadHistory   = "upload_history"
	bucketChangeLog       = "change_log"
)

var allBuckets = []string{
	bucketDataFiles,
	bucketDataTransfers,
	bucketDestinations,
	bucketAssociations,
	bucketHosts,
	bucketHostStats,
	bucketHostLocations,
	bucketHostOutputs,
	bucketTransferServers,
	bucketTransferGroups,
	bucketProxyHosts,
	bucketPublications,
	bucketTransferHistory,
	bucketUploadHistory,
	bucketChangeLog,
}

// BoltStore implements DataBase on top of a single BoltDB file, one
// bucket per entity kind. Numeric ids come from the bucket sequence.
type BoltStore struct {
	bolt *storage.BoltDB
	// now is replaceable so that selection tests can pin the
	// clock.
	now func() time.Time
}

// NewBoltStore opens or creates the store at filePath.
func NewBoltStore(filePath string) (*BoltStore, error) {
	bolt, err := storage.NewBoltDB(filePath, allBuckets...)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database %s", filePath)
	}
	return &BoltStore{
		bolt: bolt,
		now:  time.Now,
	}, nil
}

// SetClock replaces the clock used by the candidate selections.
func (store *BoltStore) SetClock(now func() time.Time) {
	store.now = now
}

func (store *BoltStore) Close() {
	store.bolt.Close()
}

func load[T any](store *BoltStore, bucket, key, what string) (*T, error) {
	value := new(T)
	found, err := store.bolt.Load(bucket, key, value)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s %s", what, key)
	}
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "%s %s", what, key)
	}
	return value, nil
}

// scan decodes every row of the bucket, in key order, and passes it
// to fn. fn returns false to stop.
func scan[T any](store *BoltStore, bucket string, fn func(*T) bool) error {
	err := store.bolt.ForEach(bucket, func(k, v []byte) error {
		value := new(T)
		if err := storage.Decode(v, value); err != nil {
			return errors.Wrapf(err, "decoding %s %s", bucket, string(k))
		}
		if !fn(value) {
			return storage.ErrStop
		}
		return nil
	})
	return err
}

// all loads every row of the bucket, in key order.
func all[T any](store *BoltStore, bucket string) ([]*T, error) {
	values := make([]*T, 0)
	err := scan(store, bucket, func(value *T) bool {
		values = append(values, value)
		return true
	})
	return values, err
}

func update(store *BoltStore, bucket, key, what string, value interface{}) error {
	if !store.bolt.Exists(bucket, key) {
		return errors.Wrapf(ErrNotFound, "%s %s", what, key)
	}
	return errors.Wrapf(store.bolt.Save(bucket, key, value), "saving %s %s", what, key)
}

func idKey(id int64) string {
	return storage.IdKey(id)
}

// ----- Data files -----

func (store *BoltStore) GetDataFile(id int64) (*models.DataFile, error) {
	return load[models.DataFile](store, bucketDataFiles, idKey(id), "data file")
}

func (store *BoltStore) InsertDataFile(dataFile *models.DataFile) error {
	if dataFile.CreatedAt.IsZero() {
		dataFile.CreatedAt = store.now().UTC()
	}
	_, err := store.bolt.Insert(bucketDataFiles, dataFile, func(id int64) { dataFile.Id = id })
	return errors.Wrap(err, "inserting data file")
}

func (store *BoltStore) UpdateDataFile(dataFile *models.DataFile) error {
	dataFile.UpdatedAt = store.now().UTC()
	return update(store, bucketDataFiles, idKey(dataFile.Id), "data file", dataFile)
}

// DeleteDataFile removes the file and all of its transfers.
func (store *BoltStore) DeleteDataFile(id int64) error {
	transfers, err := store.GetDataTransfersByDataFile(id)
	if err != nil {
		return err
	}
	for _, transfer := range transfers {
		if err := store.bolt.Delete(bucketDataTransfers, idKey(transfer.Id)); err != nil {
			return errors.Wrapf(err, "deleting data transfer %d", transfer.Id)
		}
	}
	return errors.Wrapf(store.bolt.Delete(bucketDataFiles, idKey(id)), "deleting data file %d", id)
}

// ----- Data transfers -----

func (store *BoltStore) GetDataTransfer(id int64) (*models.DataTransfer, error) {
	return load[models.DataTransfer](store, bucketDataTransfers, idKey(id), "data transfer")
}

func (store *BoltStore) InsertDataTransfer(transfer *models.DataTransfer) error {
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = store.now().UTC()
	}
	_, err := store.bolt.Insert(bucketDataTransfers, transfer, func(id int64) { transfer.Id = id })
	return errors.Wrap(err, "inserting data transfer")
}

func (store *BoltStore) UpdateDataTransfer(transfer *models.DataTransfer) error {
	return update(store, bucketDataTransfers, idKey(transfer.Id), "data transfer", transfer)
}

// TryUpdateDataTransfer is UpdateDataTransfer for callers that only
// care whether it worked.
func (store *BoltStore) TryUpdateDataTransfer(transfer *models.DataTransfer) bool {
	return store.UpdateDataTransfer(transfer) == nil
}

func (store *BoltStore) GetDataTransfersByDataFile(dataFileId int64) ([]*models.DataTransfer, error) {
	transfers := make([]*models.DataTransfer, 0)
	err := scan(store, bucketDataTransfers, func(transfer *models.DataTransfer) bool {
		if transfer.DataFileId == dataFileId {
			transfers = append(transfers, transfer)
		}
		return true
	})
	return transfers, err
}

// FindDataTransfer returns the live (not deleted) transfer of a
// logical request.
func (store *BoltStore) FindDataTransfer(destination, uniqueKey string) (*models.DataTransfer, error) {
	var found *models.DataTransfer
	err := scan(store, bucketDataTransfers, func(transfer *models.DataTransfer) bool {
		if transfer.Destination == destination && transfer.UniqueKey == uniqueKey && !transfer.Deleted {
			found = transfer
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errors.Wrapf(ErrNotFound, "data transfer %s", models.TransferLockKey(destination, uniqueKey))
	}
	return found, nil
}

// ----- Destinations and associations -----

func (store *BoltStore) GetDestination(name string) (*models.Destination, error) {
	return load[models.Destination](store, bucketDestinations, name, "destination")
}

func (store *BoltStore) GetDestinations() ([]*models.Destination, error) {
	destinations := make([]*models.Destination, 0)
	err := scan(store, bucketDestinations, func(destination *models.Destination) bool {
		destinations = append(destinations, destination)
		return true
	})
	return destinations, err
}

func (store *BoltStore) InsertDestination(destination *models.Destination) error {
	return errors.Wrapf(store.bolt.Save(bucketDestinations, destination.Name, destination),
		"saving destination %s", destination.Name)
}

func (store *BoltStore) UpdateDestination(destination *models.Destination) error {
	return update(store, bucketDestinations, destination.Name, "destination", destination)
}

// GetAssociations returns the associations of a destination, lowest
// priority value first.
func (store *BoltStore) GetAssociations(destination string) ([]*models.Association, error) {
	associations := make([]*models.Association, 0)
	err := scan(store, bucketAssociations, func(association *models.Association) bool {
		if association.Destination == destination {
			associations = append(associations, association)
		}
		return true
	})
	sort.SliceStable(associations, func(i, j int) bool {
		return associations[i].Priority < associations[j].Priority
	})
	return associations, err
}

func (store *BoltStore) InsertAssociation(association *models.Association) error {
	key := association.Destination + "/" + association.Host
	return errors.Wrapf(store.bolt.Save(bucketAssociations, key, association),
		"saving association %s", key)
}

// ----- Hosts -----

func (store *BoltStore) GetHost(name string) (*models.Host, error) {
	return load[models.Host](store, bucketHosts, name, "host")
}

func (store *BoltStore) GetHosts() ([]*models.Host, error) {
	hosts := make([]*models.Host, 0)
	err := scan(store, bucketHosts, func(host *models.Host) bool {
		hosts = append(hosts, host)
		return true
	})
	return hosts, err
}

func (store *BoltStore) InsertHost(host *models.Host) error {
	return errors.Wrapf(store.bolt.Save(bucketHosts, host.Name, host), "saving host %s", host.Name)
}

func (store *BoltStore) UpdateHost(host *models.Host) error {
	return update(store, bucketHosts, host.Name, "host", host)
}

// GetHostStats returns empty stats for a host that was never
// checked.
func (store *BoltStore) GetHostStats(name string) (*models.HostStats, error) {
	stats, err := load[models.HostStats](store, bucketHostStats, name, "host stats")
	if IsNotFound(err) {
		return models.NewHostStats(name), nil
	}
	return stats, err
}

func (store *BoltStore) UpdateHostStats(stats *models.HostStats) error {
	return errors.Wrapf(store.bolt.Save(bucketHostStats, stats.HostName, stats),
		"saving host stats %s", stats.HostName)
}

func (store *BoltStore) GetHostLocation(name string) (*models.HostLocation, error) {
	location, err := load[models.HostLocation](store, bucketHostLocations, name, "host location")
	if IsNotFound(err) {
		return &models.HostLocation{HostName: name}, nil
	}
	return location, err
}

func (store *BoltStore) UpdateHostLocation(location *models.HostLocation) error {
	return errors.Wrapf(store.bolt.Save(bucketHostLocations, location.HostName, location),
		"saving host location %s", location.HostName)
}

func (store *BoltStore) GetHostOutput(name string) (*models.HostOutput, error) {
	output, err := load[models.HostOutput](store, bucketHostOutputs, name, "host output")
	if IsNotFound(err) {
		return &models.HostOutput{HostName: name}, nil
	}
	return output, err
}

func (store *BoltStore) UpdateHostOutput(output *models.HostOutput) error {
	return errors.Wrapf(store.bolt.Save(bucketHostOutputs, output.HostName, output),
		"saving host output %s", output.HostName)
}

// ----- Movers and proxies -----

func (store *BoltStore) GetTransferServer(name string) (*models.TransferServer, error) {
	return load[models.TransferServer](store, bucketTransferServers, name, "transfer server")
}

// GetTransferServers returns the movers of a transfer group, or every
// mover when group is empty.
func (store *BoltStore) GetTransferServers(group string) ([]*models.TransferServer, error) {
	servers := make([]*models.TransferServer, 0)
	err := scan(store, bucketTransferServers, func(server *models.TransferServer) bool {
		if group == "" || server.Group == group {
			servers = append(servers, server)
		}
		return true
	})
	return servers, err
}

func (store *BoltStore) InsertTransferServer(server *models.TransferServer) error {
	return errors.Wrapf(store.bolt.Save(bucketTransferServers, server.Name, server),
		"saving transfer server %s", server.Name)
}

func (store *BoltStore) GetTransferGroup(name string) (*models.TransferGroup, error) {
	return load[models.TransferGroup](store, bucketTransferGroups, name, "transfer group")
}

func (store *BoltStore) InsertTransferGroup(group *models.TransferGroup) error {
	return errors.Wrapf(store.bolt.Save(bucketTransferGroups, group.Name, group),
		"saving transfer group %s", group.Name)
}

func (store *BoltStore) GetProxyHost(name string) (*models.ProxyHost, error) {
	return load[models.ProxyHost](store, bucketProxyHosts, name, "proxy host")
}

func (store *BoltStore) GetProxyHosts() ([]*models.ProxyHost, error) {
	proxies := make([]*models.ProxyHost, 0)
	err := scan(store, bucketProxyHosts, func(proxy *models.ProxyHost) bool {
		proxies = append(proxies, proxy)
		return true
	})
	return proxies, err
}

// UpdateProxyHost saves the proxy, creating it on first heartbeat.
func (store *BoltStore) UpdateProxyHost(proxy *models.ProxyHost) error {
	return errors.Wrapf(store.bolt.Save(bucketProxyHosts, proxy.Name, proxy),
		"saving proxy host %s", proxy.Name)
}

// ----- Publications, history, accounting -----

func (store *BoltStore) GetPublication(id int64) (*models.Publication, error) {
	return load[models.Publication](store, bucketPublications, idKey(id), "publication")
}

func (store *BoltStore) InsertPublication(publication *models.Publication) error {
	_, err := store.bolt.Insert(bucketPublications, publication, func(id int64) { publication.Id = id })
	return errors.Wrap(err, "inserting publication")
}

func (store *BoltStore) UpdatePublication(publication *models.Publication) error {
	return update(store, bucketPublications, idKey(publication.Id), "publication", publication)
}

func (store *BoltStore) InsertTransferHistory(history *models.TransferHistory) error {
	_, err := store.bolt.Insert(bucketTransferHistory, history, func(id int64) { history.Id = id })
	return errors.Wrap(err, "inserting transfer history")
}

// GetTransferHistory returns the history of a transfer, oldest
// first.
func (store *BoltStore) GetTransferHistory(dataTransferId int64) ([]*models.TransferHistory, error) {
	rows := make([]*models.TransferHistory, 0)
	err := scan(store, bucketTransferHistory, func(history *models.TransferHistory) bool {
		if history.DataTransferId == dataTransferId {
			rows = append(rows, history)
		}
		return true
	})
	return rows, err
}

func (store *BoltStore) InsertUploadHistory(upload *models.UploadHistory) error {
	_, err := store.bolt.Insert(bucketUploadHistory, upload, func(id int64) { upload.Id = id })
	return errors.Wrap(err, "inserting upload history")
}

func (store *BoltStore) GetUploadHistory(dataTransferId int64) ([]*models.UploadHistory, error) {
	rows := make([]*models.UploadHistory, 0)
	err := scan(store, bucketUploadHistory, func(upload *models.UploadHistory) bool {
		if upload.DataTransferId == dataTransferId {
			rows = append(rows, upload)
		}
		return true
	})
	return rows, err
}

func (store *BoltStore) InsertChangeLog(change *models.ChangeLog) error {
	if change.Time.IsZero() {
		change.Time = store.now().UTC()
	}
	_, err := store.bolt.Insert(bucketChangeLog, change, func(id int64) { change.Id = id })
	return errors.Wrap(err, "inserting change log")
}
