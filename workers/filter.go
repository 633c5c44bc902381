package workers

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
)

// FilterPolicy compresses downloaded files on the mover holding them.
type FilterPolicy struct {
	services *Services
	config   models.SchedulerConfig
}

func NewFilterPolicy(services *Services) *FilterPolicy {
	return &FilterPolicy{
		services: services,
		config:   services.schedulerConfig(constants.SchedulerFilter),
	}
}

func (policy *FilterPolicy) SelectCandidates(ctx context.Context, batchSize int) ([]*models.DataFile, error) {
	return policy.services.DB.GetDataFilesToFilter(batchSize)
}

func (policy *FilterPolicy) Key(dataFile *models.DataFile) string {
	return fmt.Sprintf("%d", dataFile.Id)
}

func (policy *FilterPolicy) MaxWorkers() int {
	return maxThreads(policy.config, 5)
}

func (policy *FilterPolicy) Admit(dataFile *models.DataFile, active []*models.DataFile) bool {
	return true
}

func (policy *FilterPolicy) Run(ctx context.Context, dataFile *models.DataFile) error {
	services := policy.services
	mover, err := services.Node(dataFile.TransferServer)
	if err != nil {
		return err
	}
	request := &network.FilterRequest{
		DataFileId: dataFile.Id,
		Source:     dataFile.SpoolPath(),
		FilterName: dataFile.FilterName,
	}
	result, err := mover.Filter(ctx, request)
	if err != nil {
		return fmt.Errorf("Filter %s of file %d: %v", dataFile.FilterName, dataFile.Id, err)
	}
	current, err := services.DB.GetDataFile(dataFile.Id)
	if err != nil {
		return err
	}
	current.FilterSize = result.Size
	current.FilterTime = services.Now()
	if err = services.DB.UpdateDataFile(current); err != nil {
		return err
	}
	services.Log.Infof("Filtered file %d with %s: %s to %s", dataFile.Id, dataFile.FilterName,
		humanize.Bytes(uint64(current.Size)), humanize.Bytes(uint64(result.Size)))
	return nil
}
