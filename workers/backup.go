package workers

import (
	"context"
	"fmt"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
)

// BackupPolicy copies spool files to the backup host of their
// destination.
type BackupPolicy struct {
	services *Services
	config   models.SchedulerConfig
}

func NewBackupPolicy(services *Services) *BackupPolicy {
	return &BackupPolicy{
		services: services,
		config:   services.schedulerConfig(constants.SchedulerBackup),
	}
}

func (policy *BackupPolicy) SelectCandidates(ctx context.Context, batchSize int) ([]*CopyJob, error) {
	dataTransfers, err := policy.services.DB.GetDataTransfersToBackup(batchSize)
	if err != nil {
		return nil, err
	}
	destinations := newDestinationCache(policy.services)
	return policy.services.copyJobs(dataTransfers, func(dataTransfer *models.DataTransfer, _ *models.DataFile) string {
		destination := destinations.get(dataTransfer.Destination)
		if destination == nil {
			return ""
		}
		return destination.BackupHost
	})
}

func (policy *BackupPolicy) Key(job *CopyJob) string {
	return job.Transfer.Key()
}

func (policy *BackupPolicy) MaxWorkers() int {
	return maxThreads(policy.config, 5)
}

// Admit limits the concurrent backups to the same host.
func (policy *BackupPolicy) Admit(job *CopyJob, active []*CopyJob) bool {
	return admitPerNode(job, active, policy.config.MaxThreadsPerHost)
}

func (policy *BackupPolicy) Run(ctx context.Context, job *CopyJob) error {
	services := policy.services
	dataTransfer, ok := services.eligible(job.Transfer, constants.StatusQueued, constants.StatusRequeued,
		constants.StatusStandBy, constants.StatusDone)
	if !ok || dataTransfer.BackupHost != "" {
		return nil
	}
	host, err := services.DB.GetHost(job.Node)
	if err != nil {
		services.Record(dataTransfer, constants.StatusStopped, fmt.Sprintf("Backup failed: %v", err), true)
		return err
	}
	mover, err := services.readingMover(job.DataFile)
	if err != nil {
		services.Record(dataTransfer, constants.StatusStopped, fmt.Sprintf("Backup failed: %v", err), true)
		return err
	}

	summary := models.NewWorkSummary()
	summary.Node = mover.Name()
	summary.Start()
	request := &network.PutRequest{
		Kind:           constants.UploadBackup,
		DataTransferId: dataTransfer.Id,
		DataFileId:     job.DataFile.Id,
		Source:         job.DataFile.SpoolPath(),
		Target:         dataTransfer.Target,
		Size:           job.DataFile.Size,
		Host:           host,
		Priority:       dataTransfer.Priority,
	}
	result, err := mover.Put(ctx, request)
	summary.Finish()
	if err != nil {
		comment := fmt.Sprintf("Backup to %s through %s failed: %v", host.Name, mover.Name(), err)
		services.Record(dataTransfer, constants.StatusStopped, comment, true)
		return err
	}
	summary.Bytes = result.Bytes

	destinations := newDestinationCache(services)
	_, err = services.UpdateTransfersOfFile(job.DataFile.Id, func(other *models.DataTransfer) bool {
		if other.BackupHost != "" {
			return false
		}
		destination := destinations.get(other.Destination)
		if destination == nil || destination.BackupHost != host.Name {
			return false
		}
		other.BackupHost = host.Name
		return true
	})
	if err != nil {
		return err
	}
	services.Record(dataTransfer, dataTransfer.StatusCode, summary.Describe("Backed up", host.Name), false)
	services.upload(dataTransfer, constants.UploadBackup, mover.Name(), host.Name, summary)
	return nil
}
