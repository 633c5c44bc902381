package workers

import (
	"context"
	"fmt"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
)

// TransmissionPolicy starts the transmission of queued transfers on
// a mover holding the file. The mover reports the outcome through
// mover reports.
type TransmissionPolicy struct {
	services *Services
	config   models.SchedulerConfig
}

func NewTransmissionPolicy(services *Services) *TransmissionPolicy {
	return &TransmissionPolicy{
		services: services,
		config:   services.schedulerConfig(constants.SchedulerTransmission),
	}
}

func (policy *TransmissionPolicy) SelectCandidates(ctx context.Context, batchSize int) ([]*models.DataTransfer, error) {
	return policy.services.DB.GetDataTransfersToTransmit(batchSize)
}

func (policy *TransmissionPolicy) Key(dataTransfer *models.DataTransfer) string {
	return dataTransfer.Key()
}

func (policy *TransmissionPolicy) MaxWorkers() int {
	return maxThreads(policy.config, 20)
}

// Admit enforces the MaxConnections of the destination, counting the
// transfers executing on the movers and the workers starting one.
func (policy *TransmissionPolicy) Admit(dataTransfer *models.DataTransfer, active []*models.DataTransfer) bool {
	destination, err := policy.services.DB.GetDestination(dataTransfer.Destination)
	if err != nil {
		return false
	}
	if destination.MaxConnections <= 0 {
		return true
	}
	connections := make(map[int64]bool)
	for _, executing := range policy.services.Transfers.Executing(destination.Name) {
		connections[executing.Id] = true
	}
	for _, starting := range active {
		if starting.Destination == destination.Name {
			connections[starting.Id] = true
		}
	}
	return len(connections) < destination.MaxConnections
}

func (policy *TransmissionPolicy) Run(ctx context.Context, candidate *models.DataTransfer) error {
	services := policy.services
	dataTransfer, err := services.Manager.Transfer(candidate.Id)
	if err != nil {
		return err
	}
	switch dataTransfer.StatusCode {
	case constants.StatusQueued, constants.StatusPreset, constants.StatusRequeued:
	default:
		// Changed since the selection.
		return nil
	}
	if dataTransfer.Deleted {
		return nil
	}
	dataFile, err := services.DB.GetDataFile(dataTransfer.DataFileId)
	if err != nil {
		return err
	}
	destination, err := services.DB.GetDestination(dataTransfer.Destination)
	if err != nil {
		return err
	}
	if !destination.IsRunning() {
		return nil
	}
	host, err := policy.selectHost(dataTransfer, destination)
	if err != nil {
		services.Record(dataTransfer, dataTransfer.StatusCode, err.Error(), true)
		return err
	}
	mover, err := services.readingMover(dataFile)
	if err != nil {
		services.Record(dataTransfer, dataTransfer.StatusCode, err.Error(), true)
		return err
	}

	dataTransfer.Host = host.Name
	dataTransfer.TransferServer = mover.Name()
	comment := fmt.Sprintf("Transmission to %s started on %s", host.Name, mover.Name())
	if err = services.Manager.Commit(dataTransfer, constants.StatusTransferring, constants.SystemUser, comment, false); err != nil {
		return err
	}
	request := &network.PutRequest{
		Kind:           constants.UploadTransmission,
		DataTransferId: dataTransfer.Id,
		DataFileId:     dataFile.Id,
		Source:         dataFile.SpoolPath(),
		Target:         dataTransfer.Target,
		Size:           dataFile.TransmittedSize(),
		Host:           host,
		Priority:       dataTransfer.Priority,
	}
	if _, err = mover.Put(ctx, request); err == nil {
		return nil
	}

	latest, readErr := services.Manager.Transfer(dataTransfer.Id)
	if readErr != nil {
		return readErr
	}
	if latest.StatusCode != constants.StatusTransferring {
		// A report or a user got there first.
		return err
	}
	comment = fmt.Sprintf("Cannot start transmission on %s: %v", mover.Name(), err)
	if failErr := services.Manager.Fail(latest, constants.SystemUser, comment); failErr != nil {
		services.Log.Errorf("Cannot record failure of transfer %d: %v", latest.Id, failErr)
	}
	return err
}

// selectHost returns the host already assigned to the transfer when
// it is still usable, else the active dissemination host of the
// destination with the lowest priority value.
func (policy *TransmissionPolicy) selectHost(dataTransfer *models.DataTransfer, destination *models.Destination) (*models.Host, error) {
	if dataTransfer.Host != "" {
		host, err := policy.services.DB.GetHost(dataTransfer.Host)
		if err == nil && host.Active && host.Type == constants.HostTypeDissemination {
			return host, nil
		}
		if err != nil && !database.IsNotFound(err) {
			return nil, err
		}
	}
	associations, err := policy.services.DB.GetAssociations(destination.Name)
	if err != nil {
		return nil, err
	}
	for _, association := range associations {
		host, err := policy.services.DB.GetHost(association.Host)
		if err != nil {
			continue
		}
		if host.Active && host.Type == constants.HostTypeDissemination {
			return host, nil
		}
	}
	return nil, fmt.Errorf("No active dissemination host for destination %s", destination.Name)
}
