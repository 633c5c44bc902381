package master

import (
	"context"
	"fmt"
	"path"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
)

// Submit registers a request: one data file, and one transfer in
// INIT for the destination and for each of its aliases. A
// destination that already has a live transfer with the same unique
// key keeps it. Submit returns the transfers of the request, the
// existing ones first.
func (master *Master) Submit(ctx context.Context, request *models.TransferRequest) ([]*models.DataTransfer, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}
	destination, err := master.DB.GetDestination(request.Destination)
	if err != nil {
		return nil, fmt.Errorf("Unknown destination %s: %v", request.Destination, err)
	}
	uniqueKey := request.UniqueKey
	if uniqueKey == "" {
		uniqueKey = request.Target
	}
	user := request.User
	if user == "" {
		user = constants.SystemUser
	}

	destinations := []*models.Destination{destination}
	for _, alias := range destination.Aliases {
		aliased, err := master.DB.GetDestination(alias)
		if err != nil {
			master.log.Warningf("Ignoring alias %s of destination %s: %v", alias, destination.Name, err)
			continue
		}
		destinations = append(destinations, aliased)
	}
	dataTransfers := make([]*models.DataTransfer, 0, len(destinations))
	wanted := make([]*models.Destination, 0, len(destinations))
	for _, target := range destinations {
		existing, err := master.DB.FindDataTransfer(target.Name, uniqueKey)
		switch {
		case err == nil:
			dataTransfers = append(dataTransfers, existing)
		case database.IsNotFound(err):
			wanted = append(wanted, target)
		default:
			return nil, err
		}
	}
	if len(wanted) == 0 {
		master.log.Infof("Request %s is already registered", models.TransferLockKey(destination.Name, uniqueKey))
		return dataTransfers, nil
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	dataFile := &models.DataFile{
		Original:      request.Original,
		Source:        request.Source,
		Name:          path.Base(request.Target),
		Size:          request.Size,
		FilterName:    request.FilterName,
		TransferGroup: destination.TransferGroup,
		Acquisition:   request.Acquisition,
		RemoteSize:    request.RemoteSize,
		RemoteTime:    request.RemoteTime,
	}
	if err = master.DB.InsertDataFile(dataFile); err != nil {
		return nil, err
	}
	now := master.Services.Now()
	for _, target := range wanted {
		dataTransfer := &models.DataTransfer{
			DataFileId:    dataFile.Id,
			Destination:   target.Name,
			Target:        request.Target,
			UniqueKey:     uniqueKey,
			StatusCode:    constants.StatusArriving,
			Comment:       fmt.Sprintf("Submitted by %s", user),
			UserStatus:    user,
			Priority:      request.Priority,
			ScheduledTime: request.ScheduledTime,
			Event:         target.EventOptions != "",
			RemoteMaster:  request.RemoteMaster,
			RemoteId:      request.RemoteId,
		}
		if target.MaxLifetime > 0 {
			dataTransfer.ExpiryTime = now.Add(target.MaxLifetime)
		}
		if err = master.DB.InsertDataTransfer(dataTransfer); err != nil {
			return dataTransfers, err
		}
		master.Services.History.Add(models.NewTransferHistory(dataTransfer, user, false))
		dataTransfers = append(dataTransfers, dataTransfer)
	}
	master.log.Infof("Registered %s from %s for %d destination(s) as file %d",
		request.Target, request.Original, len(wanted), dataFile.Id)

	if request.Acquisition {
		master.wakeup(constants.SchedulerAcquisitionDownload)
	} else {
		master.wakeup(constants.SchedulerDownload)
	}
	return dataTransfers, nil
}
