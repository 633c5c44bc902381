package workers

import (
	"fmt"

	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
)

// CopyJob is a spool file to copy somewhere else, with the transfer
// that selected it. Node is the mover the file is read from for a
// replication, the host it is written to for a backup or a proxy
// upload; the per-node ceilings count on it.
type CopyJob struct {
	Transfer *models.DataTransfer
	DataFile *models.DataFile
	Node     string
}

func (job *CopyJob) String() string {
	return fmt.Sprintf("file %d of transfer %d on %s", job.DataFile.Id, job.Transfer.Id, job.Node)
}

func copyNode(job *CopyJob) string {
	return job.Node
}

// admitPerNode allows at most limit concurrent jobs on the node of
// the job. A limit <= 0 means no limit.
func admitPerNode(job *CopyJob, active []*CopyJob, limit int) bool {
	if limit <= 0 {
		return true
	}
	return countActive(active, job.Node, copyNode) < limit
}

// eligible re-reads the transfer, preferring the cached copy, and
// returns it when its status is one of codes.
func (services *Services) eligible(dataTransfer *models.DataTransfer, codes ...string) (*models.DataTransfer, bool) {
	current, err := services.Manager.Transfer(dataTransfer.Id)
	if err != nil || current.Deleted {
		return nil, false
	}
	for _, code := range codes {
		if current.StatusCode == code {
			return current, true
		}
	}
	services.Log.Debugf("Transfer %d is %s, skipping", current.Id, current.StatusCode)
	return nil, false
}

// readingMover returns the first reachable mover holding the file.
func (services *Services) readingMover(dataFile *models.DataFile) (network.NodeClient, error) {
	for _, name := range dataFile.Locations() {
		mover, err := services.Node(name)
		if err == nil {
			return mover, nil
		}
		services.Log.Warningf("Mover %s of file %d: %v", name, dataFile.Id, err)
	}
	return nil, fmt.Errorf("No mover available for file %d", dataFile.Id)
}

// destinationCache memoizes destination lookups during one
// selection.
type destinationCache struct {
	services     *Services
	destinations map[string]*models.Destination
}

func newDestinationCache(services *Services) *destinationCache {
	return &destinationCache{services: services, destinations: make(map[string]*models.Destination)}
}

func (cache *destinationCache) get(name string) *models.Destination {
	if destination, ok := cache.destinations[name]; ok {
		return destination
	}
	destination, err := cache.services.DB.GetDestination(name)
	if err != nil {
		destination = nil
	}
	cache.destinations[name] = destination
	return destination
}

// copyJobs turns selected transfers into jobs. nodeOf returns the
// node of the job, or "" to drop the transfer.
func (services *Services) copyJobs(dataTransfers []*models.DataTransfer,
	nodeOf func(*models.DataTransfer, *models.DataFile) string) ([]*CopyJob, error) {
	jobs := make([]*CopyJob, 0, len(dataTransfers))
	for _, dataTransfer := range dataTransfers {
		dataFile, err := services.DB.GetDataFile(dataTransfer.DataFileId)
		if err != nil {
			return nil, err
		}
		node := nodeOf(dataTransfer, dataFile)
		if node == "" {
			continue
		}
		jobs = append(jobs, &CopyJob{Transfer: dataTransfer, DataFile: dataFile, Node: node})
	}
	return jobs, nil
}
