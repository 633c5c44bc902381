package workers

import (
	"context"
	"fmt"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
)

// PurgePolicy removes the spool copies of the files nobody needs any
// more and soft-deletes their expired transfers, then garbage
// collects the file and its transfers once every transfer is
// deleted.
type PurgePolicy struct {
	services *Services
	config   models.SchedulerConfig
}

func NewPurgePolicy(services *Services) *PurgePolicy {
	return &PurgePolicy{
		services: services,
		config:   services.schedulerConfig(constants.SchedulerPurge),
	}
}

func (policy *PurgePolicy) SelectCandidates(ctx context.Context, batchSize int) ([]*models.DataFile, error) {
	return policy.services.DB.GetExpiredDataFiles(batchSize)
}

func (policy *PurgePolicy) Key(dataFile *models.DataFile) string {
	return fmt.Sprintf("%d", dataFile.Id)
}

func (policy *PurgePolicy) MaxWorkers() int {
	return maxThreads(policy.config, 5)
}

func (policy *PurgePolicy) Admit(dataFile *models.DataFile, active []*models.DataFile) bool {
	return true
}

func (policy *PurgePolicy) Run(ctx context.Context, dataFile *models.DataFile) error {
	services := policy.services
	busy, err := policy.inUse(dataFile)
	if err != nil {
		return err
	}
	if busy {
		services.Log.Debugf("File %d is still used by a transfer, not purged", dataFile.Id)
		return nil
	}

	now := services.Now()
	deleted, err := services.UpdateTransfersOfFile(dataFile.Id, func(dataTransfer *models.DataTransfer) bool {
		if !dataTransfer.IsExpired(now) || services.Transfers.GetDataTransferFromCache(dataTransfer.Id) != nil {
			return false
		}
		dataTransfer.Deleted = true
		return true
	})
	if err != nil {
		return err
	}
	if deleted > 0 {
		services.Log.Infof("Deleted %d expired transfers of file %d", deleted, dataFile.Id)
	}

	if !dataFile.Removed {
		if err = policy.remove(ctx, dataFile); err != nil {
			return err
		}
	}
	current, err := services.DB.GetDataFile(dataFile.Id)
	if err != nil {
		return err
	}
	return policy.collect(current)
}

// inUse is true while a transfer of the file is cached, fetching or
// executing: the mover still needs the spool copy.
func (policy *PurgePolicy) inUse(dataFile *models.DataFile) (bool, error) {
	services := policy.services
	dataTransfers, err := services.DB.GetDataTransfersByDataFile(dataFile.Id)
	if err != nil {
		return false, err
	}
	for _, dataTransfer := range dataTransfers {
		if services.Transfers.GetDataTransferFromCache(dataTransfer.Id) != nil {
			return true, nil
		}
		if dataTransfer.Deleted {
			continue
		}
		switch dataTransfer.StatusCode {
		case constants.StatusTransferring, constants.StatusFetching:
			return true, nil
		}
	}
	return false, nil
}

// remove deletes the spool copies from the movers and marks the
// file removed.
func (policy *PurgePolicy) remove(ctx context.Context, dataFile *models.DataFile) error {
	services := policy.services
	summary := models.NewWorkSummary()
	summary.Start()
	request := &network.DeleteRequest{Paths: []string{dataFile.SpoolPath()}}
	for _, name := range dataFile.Locations() {
		mover, err := services.Node(name)
		if err == nil {
			err = mover.Delete(ctx, request)
		}
		if err != nil {
			summary.AddError("%v", err)
		}
	}
	summary.Finish()
	if summary.HasErrors() {
		return fmt.Errorf("Purge of file %d: %s", dataFile.Id, summary.AllErrorsAsString())
	}

	current, err := services.DB.GetDataFile(dataFile.Id)
	if err != nil {
		return err
	}
	current.Deleted = true
	current.Removed = true
	if err = services.DB.UpdateDataFile(current); err != nil {
		return err
	}
	services.Log.Infof("Removed file %d from %v", dataFile.Id, dataFile.Locations())
	return nil
}

// collect deletes the file and its transfers when every transfer is
// deleted and none is in the cache.
func (policy *PurgePolicy) collect(dataFile *models.DataFile) error {
	services := policy.services
	dataTransfers, err := services.DB.GetDataTransfersByDataFile(dataFile.Id)
	if err != nil {
		return err
	}
	for _, dataTransfer := range dataTransfers {
		if !dataTransfer.Deleted || services.Transfers.GetDataTransferFromCache(dataTransfer.Id) != nil {
			return nil
		}
	}
	if err = services.DB.DeleteDataFile(dataFile.Id); err != nil {
		return err
	}
	services.Log.Infof("Garbage collected file %d and %d transfers", dataFile.Id, len(dataTransfers))
	return nil
}
