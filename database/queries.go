package database

import (
	"sort"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
)

// Candidate selections. Each one scans the relevant buckets, keeps
// what the scheduler may work on, sorts in dispatch order and trims
// to the batch-size limit.

func sortTransfers(transfers []*models.DataTransfer) {
	sort.SliceStable(transfers, func(i, j int) bool {
		if transfers[i].Priority != transfers[j].Priority {
			return transfers[i].Priority < transfers[j].Priority
		}
		return transfers[i].Id < transfers[j].Id
	})
}

func limitFiles(dataFiles []*models.DataFile, limit int) []*models.DataFile {
	if limit > 0 && len(dataFiles) > limit {
		dataFiles = dataFiles[:limit]
	}
	return dataFiles
}

func statusIn(code string, codes ...string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// fileCache memoizes data file and destination lookups during one
// selection.
type fileCache struct {
	store        *BoltStore
	files        map[int64]*models.DataFile
	destinations map[string]*models.Destination
}

func newFileCache(store *BoltStore) *fileCache {
	return &fileCache{
		store:        store,
		files:        make(map[int64]*models.DataFile),
		destinations: make(map[string]*models.Destination),
	}
}

func (cache *fileCache) file(id int64) *models.DataFile {
	if dataFile, ok := cache.files[id]; ok {
		return dataFile
	}
	dataFile, err := cache.store.GetDataFile(id)
	if err != nil {
		dataFile = nil
	}
	cache.files[id] = dataFile
	return dataFile
}

func (cache *fileCache) destination(name string) *models.Destination {
	if destination, ok := cache.destinations[name]; ok {
		return destination
	}
	destination, err := cache.store.GetDestination(name)
	if err != nil {
		destination = nil
	}
	cache.destinations[name] = destination
	return destination
}

// GetDataFilesToDownload returns files not yet on a mover that have
// at least one live transfer waiting for them (INIT or FETC) and
// whose retry time has passed.
func (store *BoltStore) GetDataFilesToDownload(acquisition bool, limit int) ([]*models.DataFile, error) {
	now := store.now()
	priorities := make(map[int64]int)
	allTransfers, err := all[models.DataTransfer](store, bucketDataTransfers)
	if err != nil {
		return nil, err
	}
	for _, transfer := range allTransfers {
		if transfer.Deleted || transfer.IsExpired(now) {
			continue
		}
		if !statusIn(transfer.StatusCode, constants.StatusArriving, constants.StatusFetching) {
			continue
		}
		if priority, ok := priorities[transfer.DataFileId]; !ok || transfer.Priority < priority {
			priorities[transfer.DataFileId] = transfer.Priority
		}
	}
	dataFiles := make([]*models.DataFile, 0)
	err = scan(store, bucketDataFiles, func(dataFile *models.DataFile) bool {
		if _, wanted := priorities[dataFile.Id]; !wanted {
			return true
		}
		if dataFile.Downloaded || dataFile.Deleted || dataFile.Acquisition != acquisition {
			return true
		}
		if !dataFile.RetryTime.IsZero() && dataFile.RetryTime.After(now) {
			return true
		}
		dataFiles = append(dataFiles, dataFile)
		return true
	})
	sort.SliceStable(dataFiles, func(i, j int) bool {
		pi, pj := priorities[dataFiles[i].Id], priorities[dataFiles[j].Id]
		if pi != pj {
			return pi < pj
		}
		return dataFiles[i].Id < dataFiles[j].Id
	})
	return limitFiles(dataFiles, limit), err
}

// GetDataTransfersToTransmit returns queued, preset and requeued
// transfers that are due, not expired, whose file is on a mover and whose
// destination is running.
func (store *BoltStore) GetDataTransfersToTransmit(limit int) ([]*models.DataTransfer, error) {
	now := store.now()
	return store.selectTransfers(limit, func(cache *fileCache, transfer *models.DataTransfer) bool {
		if transfer.Deleted || transfer.IsExpired(now) || !transfer.IsDue(now) {
			return false
		}
		if !statusIn(transfer.StatusCode, constants.StatusQueued, constants.StatusPreset, constants.StatusRequeued) {
			return false
		}
		dataFile := cache.file(transfer.DataFileId)
		if dataFile == nil || !dataFile.Downloaded || dataFile.Deleted {
			return false
		}
		destination := cache.destination(transfer.Destination)
		return destination != nil && destination.IsRunning()
	})
}

// GetDataTransfersToReplicate returns one transfer per downloaded,
// not yet replicated file of a replicating transfer group.
func (store *BoltStore) GetDataTransfersToReplicate(limit int) ([]*models.DataTransfer, error) {
	groups := make(map[string]bool)
	seen := make(map[int64]bool)
	return store.selectTransfers(limit, func(cache *fileCache, transfer *models.DataTransfer) bool {
		if transfer.Deleted || seen[transfer.DataFileId] {
			return false
		}
		if !statusIn(transfer.StatusCode, constants.StatusQueued, constants.StatusRequeued, constants.StatusStandBy) {
			return false
		}
		dataFile := cache.file(transfer.DataFileId)
		if dataFile == nil || !dataFile.Downloaded || dataFile.Replicated || dataFile.Deleted {
			return false
		}
		replicate, ok := groups[dataFile.TransferGroup]
		if !ok {
			group, err := store.GetTransferGroup(dataFile.TransferGroup)
			replicate = err == nil && group.Replicate
			groups[dataFile.TransferGroup] = replicate
		}
		if !replicate {
			return false
		}
		seen[transfer.DataFileId] = true
		return true
	})
}

// GetDataTransfersToBackup returns transfers whose destination has a
// backup host and whose file was not backed up yet.
func (store *BoltStore) GetDataTransfersToBackup(limit int) ([]*models.DataTransfer, error) {
	return store.selectTransfers(limit, func(cache *fileCache, transfer *models.DataTransfer) bool {
		if transfer.Deleted || transfer.BackupHost != "" {
			return false
		}
		if !statusIn(transfer.StatusCode, constants.StatusQueued, constants.StatusRequeued,
			constants.StatusStandBy, constants.StatusDone) {
			return false
		}
		destination := cache.destination(transfer.Destination)
		if destination == nil || destination.BackupHost == "" {
			return false
		}
		dataFile := cache.file(transfer.DataFileId)
		return dataFile != nil && dataFile.Downloaded && !dataFile.Deleted
	})
}

// GetDataTransfersToProxy returns transfers whose destination has a
// proxy host and that were not proxied yet.
func (store *BoltStore) GetDataTransfersToProxy(limit int) ([]*models.DataTransfer, error) {
	return store.selectTransfers(limit, func(cache *fileCache, transfer *models.DataTransfer) bool {
		if transfer.Deleted || transfer.ProxyHost != "" {
			return false
		}
		if !statusIn(transfer.StatusCode, constants.StatusQueued, constants.StatusRequeued, constants.StatusStandBy) {
			return false
		}
		destination := cache.destination(transfer.Destination)
		if destination == nil || destination.ProxyHost == "" {
			return false
		}
		dataFile := cache.file(transfer.DataFileId)
		return dataFile != nil && dataFile.Downloaded && !dataFile.Deleted
	})
}

// selectTransfers loads every transfer, then keeps the ones accepted
// by keep. Lookups happen outside the read transaction of the scan.
func (store *BoltStore) selectTransfers(limit int, keep func(*fileCache, *models.DataTransfer) bool) ([]*models.DataTransfer, error) {
	allTransfers, err := all[models.DataTransfer](store, bucketDataTransfers)
	if err != nil {
		return nil, err
	}
	sortTransfers(allTransfers)
	cache := newFileCache(store)
	transfers := make([]*models.DataTransfer, 0)
	for _, transfer := range allTransfers {
		if keep(cache, transfer) {
			transfers = append(transfers, transfer)
			if limit > 0 && len(transfers) >= limit {
				break
			}
		}
	}
	return transfers, nil
}

// GetExpiredDataFiles returns files nobody needs any more: the file
// was deleted from the spool, or every one of its transfers is
// deleted or expired. A file already removed from the movers comes
// back once all its transfers are, so its rows can be collected.
func (store *BoltStore) GetExpiredDataFiles(limit int) ([]*models.DataFile, error) {
	now := store.now()
	live := make(map[int64]bool)
	known := make(map[int64]bool)
	allTransfers, err := all[models.DataTransfer](store, bucketDataTransfers)
	if err != nil {
		return nil, err
	}
	for _, transfer := range allTransfers {
		known[transfer.DataFileId] = true
		if !transfer.Deleted && !transfer.IsExpired(now) {
			live[transfer.DataFileId] = true
		}
	}
	dataFiles := make([]*models.DataFile, 0)
	err = scan(store, bucketDataFiles, func(dataFile *models.DataFile) bool {
		expired := known[dataFile.Id] && !live[dataFile.Id]
		if dataFile.Removed && !expired {
			return true
		}
		if dataFile.Deleted || expired {
			dataFiles = append(dataFiles, dataFile)
		}
		return limit <= 0 || len(dataFiles) < limit
	})
	return dataFiles, err
}

// GetDataFilesToFilter returns downloaded files waiting for their
// compression.
func (store *BoltStore) GetDataFilesToFilter(limit int) ([]*models.DataFile, error) {
	dataFiles := make([]*models.DataFile, 0)
	err := scan(store, bucketDataFiles, func(dataFile *models.DataFile) bool {
		if dataFile.Downloaded && !dataFile.Deleted && dataFile.HasFilter() && dataFile.FilterTime.IsZero() {
			dataFiles = append(dataFiles, dataFile)
		}
		return limit <= 0 || len(dataFiles) < limit
	})
	return dataFiles, err
}

// GetPublications returns pending publications that are due, oldest
// first.
func (store *BoltStore) GetPublications(limit int) ([]*models.Publication, error) {
	now := store.now()
	publications := make([]*models.Publication, 0)
	err := scan(store, bucketPublications, func(publication *models.Publication) bool {
		if !publication.Done && !publication.ScheduledTime.After(now) {
			publications = append(publications, publication)
		}
		return true
	})
	sort.SliceStable(publications, func(i, j int) bool {
		return publications[i].ScheduledTime.Before(publications[j].ScheduledTime)
	})
	if limit > 0 && len(publications) > limit {
		publications = publications[:limit]
	}
	return publications, err
}

// GetHostsToCheck returns the hosts whose check is due.
func (store *BoltStore) GetHostsToCheck(limit int) ([]*models.Host, error) {
	now := store.now()
	hosts := make([]*models.Host, 0)
	candidates, err := store.GetHosts()
	if err != nil {
		return nil, err
	}
	for _, host := range candidates {
		if !host.CheckEnabled || !host.Active {
			continue
		}
		stats, err := store.GetHostStats(host.Name)
		if err != nil {
			return nil, err
		}
		if host.CheckDue(stats, now) {
			hosts = append(hosts, host)
		}
		if limit > 0 && len(hosts) >= limit {
			break
		}
	}
	return hosts, nil
}

// GetDestinationsAndHostsForType returns the active hosts of the
// given type associated with running destinations.
func (store *BoltStore) GetDestinationsAndHostsForType(hostType string, limit int) ([]*models.DestinationHost, error) {
	associations, err := all[models.Association](store, bucketAssociations)
	if err != nil {
		return nil, err
	}
	cache := newFileCache(store)
	pairs := make([]*models.DestinationHost, 0)
	for _, association := range associations {
		destination := cache.destination(association.Destination)
		if destination == nil || !destination.IsRunning() {
			continue
		}
		host, err := store.GetHost(association.Host)
		if err != nil || host.Type != hostType || !host.Active {
			continue
		}
		pairs = append(pairs, &models.DestinationHost{Destination: destination, Host: host})
		if limit > 0 && len(pairs) >= limit {
			break
		}
	}
	return pairs, nil
}
