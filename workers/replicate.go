package workers

import (
	"context"
	"fmt"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
)

// ReplicatePolicy copies downloaded files from their mover to a
// second mover of the same transfer group.
type ReplicatePolicy struct {
	services *Services
	config   models.SchedulerConfig
}

func NewReplicatePolicy(services *Services) *ReplicatePolicy {
	return &ReplicatePolicy{
		services: services,
		config:   services.schedulerConfig(constants.SchedulerReplicate),
	}
}

func (policy *ReplicatePolicy) SelectCandidates(ctx context.Context, batchSize int) ([]*CopyJob, error) {
	dataTransfers, err := policy.services.DB.GetDataTransfersToReplicate(batchSize)
	if err != nil {
		return nil, err
	}
	return policy.services.copyJobs(dataTransfers, func(_ *models.DataTransfer, dataFile *models.DataFile) string {
		return dataFile.TransferServer
	})
}

// Key is the file: one replication per file at a time.
func (policy *ReplicatePolicy) Key(job *CopyJob) string {
	return fmt.Sprintf("%d", job.DataFile.Id)
}

func (policy *ReplicatePolicy) MaxWorkers() int {
	return maxThreads(policy.config, 10)
}

// Admit limits the concurrent replications reading from the same
// mover.
func (policy *ReplicatePolicy) Admit(job *CopyJob, active []*CopyJob) bool {
	return admitPerNode(job, active, policy.config.MaxThreadsPerMover)
}

func (policy *ReplicatePolicy) Run(ctx context.Context, job *CopyJob) error {
	services := policy.services
	dataTransfer, ok := services.eligible(job.Transfer,
		constants.StatusQueued, constants.StatusRequeued, constants.StatusStandBy)
	if !ok {
		return nil
	}
	dataFile, err := services.DB.GetDataFile(job.DataFile.Id)
	if err != nil {
		return err
	}
	if dataFile.Replicated || dataFile.Deleted {
		return nil
	}
	source, err := services.Node(dataFile.TransferServer)
	if err != nil {
		services.Record(dataTransfer, constants.StatusStopped, fmt.Sprintf("Replication failed: %v", err), true)
		return err
	}
	target, err := policy.selectTarget(dataFile)
	if err != nil {
		services.Record(dataTransfer, constants.StatusStopped, fmt.Sprintf("Replication failed: %v", err), true)
		return err
	}

	summary := models.NewWorkSummary()
	summary.Node = source.Name()
	summary.Start()
	request := &network.PutRequest{
		Kind:           constants.UploadReplicate,
		DataTransferId: dataTransfer.Id,
		DataFileId:     dataFile.Id,
		Source:         dataFile.SpoolPath(),
		Target:         dataFile.SpoolPath(),
		Size:           dataFile.Size,
		Mover:          target.Name,
		MoverAddress:   target.Address,
		Priority:       dataTransfer.Priority,
	}
	result, err := source.Put(ctx, request)
	summary.Finish()
	if err != nil {
		comment := fmt.Sprintf("Replication from %s to %s failed: %v", source.Name(), target.Name, err)
		services.Record(dataTransfer, constants.StatusStopped, comment, true)
		return err
	}
	summary.Bytes = result.Bytes

	// Re-read: the file may have changed during the copy.
	dataFile, err = services.DB.GetDataFile(dataFile.Id)
	if err != nil {
		return err
	}
	dataFile.Replicated = true
	dataFile.ReplicateTime = services.Now()
	dataFile.ReplicaServer = target.Name
	if err = services.DB.UpdateDataFile(dataFile); err != nil {
		return err
	}
	services.Record(dataTransfer, dataTransfer.StatusCode, summary.Describe("Replicated", target.Name), false)
	services.upload(dataTransfer, constants.UploadReplicate, source.Name(), target.Name, summary)
	return nil
}

// selectTarget returns another active mover of the file's group.
func (policy *ReplicatePolicy) selectTarget(dataFile *models.DataFile) (*models.TransferServer, error) {
	servers, err := policy.services.DB.GetTransferServers(dataFile.TransferGroup)
	if err != nil {
		return nil, err
	}
	for _, server := range servers {
		if server.Active && server.Name != dataFile.TransferServer {
			return server, nil
		}
	}
	return nil, fmt.Errorf("No other active mover in transfer group '%s'", dataFile.TransferGroup)
}
